// Package remote talks to the authoritative PostgREST-style backend.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/townsync/internal/auth"
	"github.com/MarcoPoloResearchLab/townsync/internal/profiles"
	"github.com/MarcoPoloResearchLab/townsync/internal/resources"
)

const (
	restPrefix              = "/rest/v1/"
	profilesTable           = "profiles"
	participantsTable       = "conversation_participants"
	leaderboardProcedure    = "rpc/leaderboard"
	defaultTimeout          = 15 * time.Second
	maxErrorBodyBytes       = 4096
	headerAPIKey            = "apikey"
	headerPrefer            = "Prefer"
	preferRepresentation    = "return=representation"
	preferIgnoreDuplicates  = "resolution=ignore-duplicates,return=minimal"
	opGatewayFetch          = "remote.fetch_collection"
	opGatewayFetchOne       = "remote.fetch_one"
	opGatewayUpdate         = "remote.update_record"
	opGatewayAddParticipant = "remote.add_participants"
	opGatewayProfiles       = "remote.fetch_profiles"
	opGatewayLeaderboard    = "remote.fetch_leaderboard"
)

// TokenSource yields the access token for outbound requests.
type TokenSource interface {
	AccessToken() (string, error)
}

// Config describes the backend endpoint and credentials.
type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Tokens     TokenSource
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Gateway issues typed requests against the backend REST surface.
type Gateway struct {
	baseURL *url.URL
	apiKey  string
	client  *http.Client
	tokens  TokenSource
	logger  *zap.Logger
}

// NewGateway validates the configuration and constructs a Gateway.
func NewGateway(cfg Config) (*Gateway, error) {
	rawURL := strings.TrimSpace(cfg.BaseURL)
	if rawURL == "" {
		return nil, errors.New("remote: base url required")
	}
	parsed, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("remote: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Tokens == nil {
		return nil, errors.New("remote: token source required")
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		baseURL: parsed,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		client:  client,
		tokens:  cfg.Tokens,
		logger:  logger,
	}, nil
}

// CollectionPage is one decoded page of a collection. Rows that carry an id but
// fail to decode are listed in Undecodable so callers never treat them as absent.
type CollectionPage struct {
	Records     []resources.Record
	Undecodable []resources.RecordID
	RowCount    int
}

// FetchCollection retrieves one page of a collection ordered by id.
func (g *Gateway) FetchCollection(ctx context.Context, kind resources.Kind, filters Filters, page Page) (CollectionPage, error) {
	if kind.Table() == "" {
		return CollectionPage{}, fmt.Errorf("%w: %q", resources.ErrUnknownKind, kind)
	}
	values := url.Values{}
	values.Set("select", "*")
	values.Set("order", "id.asc")
	filters.apply(kind, values)
	page.apply(values)

	var rows []map[string]any
	if err := g.do(ctx, http.MethodGet, kind.Table(), values, nil, "", &rows); err != nil {
		g.logError(opGatewayFetch, err, zap.String("kind", kind.String()))
		return CollectionPage{}, err
	}
	result := CollectionPage{RowCount: len(rows)}
	for _, row := range rows {
		record, err := resources.DecodeRow(kind, row)
		if err != nil {
			g.logger.Warn("dropping undecodable row",
				zap.String("operation", opGatewayFetch),
				zap.String("reason", "decode_failed"),
				zap.String("kind", kind.String()),
				zap.Error(err),
			)
			if id, idErr := resources.NewRecordID(cast.ToString(row["id"])); idErr == nil {
				result.Undecodable = append(result.Undecodable, id)
			}
			continue
		}
		result.Records = append(result.Records, record)
	}
	return result, nil
}

// FetchAll pages through a collection until a short page is returned.
func (g *Gateway) FetchAll(ctx context.Context, kind resources.Kind, filters Filters, pageSize int) (CollectionPage, error) {
	if pageSize <= 0 {
		return g.FetchCollection(ctx, kind, filters, Page{})
	}
	var combined CollectionPage
	for offset := 0; ; offset += pageSize {
		page, err := g.FetchCollection(ctx, kind, filters, Page{Limit: pageSize, Offset: offset})
		if err != nil {
			return CollectionPage{}, err
		}
		combined.Records = append(combined.Records, page.Records...)
		combined.Undecodable = append(combined.Undecodable, page.Undecodable...)
		combined.RowCount += page.RowCount
		if page.RowCount < pageSize {
			return combined, nil
		}
	}
}

// FetchOne retrieves a single row.
func (g *Gateway) FetchOne(ctx context.Context, kind resources.Kind, id resources.RecordID) (resources.Record, error) {
	values := url.Values{}
	values.Set("select", "*")
	values.Set("id", "eq."+id.String())
	values.Set("limit", "1")

	var rows []map[string]any
	if err := g.do(ctx, http.MethodGet, kind.Table(), values, nil, "", &rows); err != nil {
		g.logError(opGatewayFetchOne, err, zap.String("kind", kind.String()), zap.String("record_id", id.String()))
		return resources.Record{}, err
	}
	if len(rows) == 0 {
		return resources.Record{}, &TransportError{StatusCode: http.StatusNotFound, Message: id.String(), kind: ErrNotFound}
	}
	record, err := resources.DecodeRow(kind, rows[0])
	if err != nil {
		return resources.Record{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return record, nil
}

// UpdateRecord patches server fields of one row and returns the stored result.
func (g *Gateway) UpdateRecord(ctx context.Context, kind resources.Kind, id resources.RecordID, fields map[string]any) (resources.Record, error) {
	if len(fields) == 0 {
		return resources.Record{}, fmt.Errorf("%w: no fields to update", ErrRejected)
	}
	values := url.Values{}
	values.Set("id", "eq."+id.String())

	var rows []map[string]any
	if err := g.do(ctx, http.MethodPatch, kind.Table(), values, fields, preferRepresentation, &rows); err != nil {
		g.logError(opGatewayUpdate, err, zap.String("kind", kind.String()), zap.String("record_id", id.String()))
		return resources.Record{}, err
	}
	if len(rows) == 0 {
		return resources.Record{}, &TransportError{StatusCode: http.StatusNotFound, Message: id.String(), kind: ErrNotFound}
	}
	record, err := resources.DecodeRow(kind, rows[0])
	if err != nil {
		return resources.Record{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return record, nil
}

// AddParticipants adds users to a conversation. Existing memberships are ignored.
func (g *Gateway) AddParticipants(ctx context.Context, conversationID resources.RecordID, userIDs []resources.UserID) error {
	if len(userIDs) == 0 {
		return nil
	}
	rows := make([]map[string]any, 0, len(userIDs))
	for _, userID := range userIDs {
		rows = append(rows, map[string]any{
			"conversation_id": conversationID.String(),
			"user_id":         userID.String(),
		})
	}
	if err := g.do(ctx, http.MethodPost, participantsTable, nil, rows, preferIgnoreDuplicates, nil); err != nil {
		g.logError(opGatewayAddParticipant, err, zap.String("record_id", conversationID.String()))
		return err
	}
	return nil
}

type profileRow struct {
	ID          string `mapstructure:"id"`
	UserID      string `mapstructure:"user_id"`
	DisplayName string `mapstructure:"display_name"`
	FullName    string `mapstructure:"full_name"`
	Name        string `mapstructure:"name"`
	AvatarURL   string `mapstructure:"avatar_url"`
}

// FetchProfiles retrieves public profiles for the given users.
func (g *Gateway) FetchProfiles(ctx context.Context, userIDs []string) ([]profiles.Profile, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	quoted := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		quoted = append(quoted, `"`+strings.ReplaceAll(userID, `"`, `\"`)+`"`)
	}
	values := url.Values{}
	values.Set("select", "*")
	values.Set("id", "in.("+strings.Join(quoted, ",")+")")

	var rows []map[string]any
	if err := g.do(ctx, http.MethodGet, profilesTable, values, nil, "", &rows); err != nil {
		g.logError(opGatewayProfiles, err, zap.Int("requested", len(userIDs)))
		return nil, err
	}
	result := make([]profiles.Profile, 0, len(rows))
	for _, row := range rows {
		var decoded profileRow
		if err := mapstructure.WeakDecode(row, &decoded); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecode, err)
		}
		userID := decoded.ID
		if userID == "" {
			userID = decoded.UserID
		}
		displayName := decoded.DisplayName
		for _, candidate := range []string{decoded.FullName, decoded.Name} {
			if strings.TrimSpace(displayName) == "" {
				displayName = candidate
			}
		}
		result = append(result, profiles.Profile{
			UserID:      strings.TrimSpace(userID),
			DisplayName: strings.TrimSpace(displayName),
			AvatarURL:   strings.TrimSpace(decoded.AvatarURL),
		})
	}
	return result, nil
}

// LeaderboardEntry is one ranked user for a period.
type LeaderboardEntry struct {
	UserID      string `json:"user_id" mapstructure:"user_id"`
	DisplayName string `json:"display_name" mapstructure:"display_name"`
	Completed   int    `json:"completed" mapstructure:"completed"`
	Rank        int    `json:"rank" mapstructure:"rank"`
}

// FetchLeaderboard calls the leaderboard procedure for the given period.
func (g *Gateway) FetchLeaderboard(ctx context.Context, period string) ([]LeaderboardEntry, error) {
	var rows []map[string]any
	body := map[string]any{"period": period}
	if err := g.do(ctx, http.MethodPost, leaderboardProcedure, nil, body, "", &rows); err != nil {
		g.logError(opGatewayLeaderboard, err, zap.String("period", period))
		return nil, err
	}
	entries := make([]LeaderboardEntry, 0, len(rows))
	for index, row := range rows {
		var entry LeaderboardEntry
		if err := mapstructure.WeakDecode(row, &entry); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecode, err)
		}
		if entry.Rank == 0 {
			entry.Rank = index + 1
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (g *Gateway) do(ctx context.Context, method, resource string, query url.Values, body any, prefer string, out any) error {
	token, err := g.tokens.AccessToken()
	if err != nil {
		if errors.Is(err, auth.ErrNotAuthenticated) {
			return err
		}
		return fmt.Errorf("%w: %w", auth.ErrNotAuthenticated, err)
	}

	endpoint := *g.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + restPrefix + resource
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}

	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: encode request: %w", err)
		}
		payload = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)
	if g.apiKey != "" {
		request.Header.Set(headerAPIKey, g.apiKey)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		request.Header.Set(headerPrefer, prefer)
	}

	response, err := g.client.Do(request)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &TransportError{Message: err.Error(), kind: ErrTransport}
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		message, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		return classifyStatus(response.StatusCode, strings.TrimSpace(string(message)))
	}
	if out == nil || response.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	decoder := json.NewDecoder(response.Body)
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return nil
}

func (g *Gateway) logError(operation string, err error, fields ...zap.Field) {
	if errors.Is(err, context.Canceled) || errors.Is(err, auth.ErrNotAuthenticated) {
		return
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reasonFor(err)),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	g.logger.Warn("remote gateway error", attrs...)
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDecode):
		return "decode_failed"
	case errors.Is(err, ErrRejected):
		return "rejected"
	default:
		return "transport_failed"
	}
}
