package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/townsync/internal/auth"
	"github.com/MarcoPoloResearchLab/townsync/internal/orchestrator"
	"github.com/MarcoPoloResearchLab/townsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/townsync/internal/remote"
	"github.com/MarcoPoloResearchLab/townsync/internal/resources"
	"github.com/MarcoPoloResearchLab/townsync/internal/views"
)

const (
	defaultHeartbeat      = 15 * time.Second
	defaultRecentRuns     = 10
	defaultPeriod         = "week"
	historyMode           = "history"
	actionClaim           = "claim"
	actionUnclaim         = "unclaim"
	maxIngestPayloadBytes = 1 << 20
)

var (
	errMissingModel       = errors.New("read model dependency required")
	errMissingSync        = errors.New("sync controller dependency required")
	errMissingCollections = errors.New("collection state dependency required")
	errInvalidIngestToken = errors.New("ingest token missing or invalid")
)

// ReadModel is the consumer read API served over HTTP.
type ReadModel interface {
	FilteredView(kind resources.Kind, mode views.Mode) []resources.Record
	HistoryView(kind resources.Kind) []resources.Record
	BadgeCounts(kind resources.Kind) map[views.Mode]int
	UnreadSummaries() map[resources.ResourceKey]views.Summary
	Observe(listener views.Listener) func()
}

// SyncController runs manual refreshes and claim actions.
type SyncController interface {
	Refresh(ctx context.Context, name string) (orchestrator.Result, error)
	Claim(ctx context.Context, key resources.ResourceKey) (orchestrator.ActionResult, error)
	Unclaim(ctx context.Context, key resources.ResourceKey) (orchestrator.ActionResult, error)
	Leaderboard(ctx context.Context, period string) ([]remote.LeaderboardEntry, error)
}

// CollectionStates exposes per-collection sync state and audit history.
type CollectionStates interface {
	State(name string) (orchestrator.State, error)
	RecentRuns(ctx context.Context, name string, limit int) ([]orchestrator.SyncRun, error)
}

// Ingestor accepts pushed change payloads, usually a realtime.LocalTransport.
type Ingestor interface {
	Publish(ctx context.Context, payload any) (int, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Model       ReadModel
	Sync        SyncController
	Collections CollectionStates
	// Ingest enables POST /realtime/ingest when set.
	Ingest      Ingestor
	IngestToken string
	Hub         *StreamHub
	Heartbeat   time.Duration
	// AllowedOrigins defaults to any origin.
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router and starts forwarding read model
// snapshots to the event stream hub. The returned stop function detaches it.
func NewHTTPHandler(deps Dependencies) (http.Handler, func(), error) {
	if deps.Model == nil {
		return nil, nil, errMissingModel
	}
	if deps.Sync == nil {
		return nil, nil, errMissingSync
	}
	if deps.Collections == nil {
		return nil, nil, errMissingCollections
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := deps.Hub
	if hub == nil {
		hub = NewStreamHub()
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		model:       deps.Model,
		sync:        deps.Sync,
		collections: deps.Collections,
		ingest:      deps.Ingest,
		ingestToken: deps.IngestToken,
		hub:         hub,
		heartbeat:   heartbeat,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/views/:kind/:mode", handler.handleView)
	router.GET("/badges/:kind", handler.handleBadges)
	router.GET("/summaries", handler.handleSummaries)
	router.GET("/collections/:name", handler.handleCollection)
	router.POST("/collections/:name/refresh", handler.handleRefresh)
	router.POST("/records/:kind/:id/:action", handler.handleRecordAction)
	router.GET("/leaderboard", handler.handleLeaderboard)
	router.GET("/events", handler.handleEventStream)
	if deps.Ingest != nil {
		router.POST("/realtime/ingest", handler.authorizeIngest, handler.handleIngest)
	}

	stop := deps.Model.Observe(handler.publishSnapshot)
	return router, stop, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		ExposeHeaders:    []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	model       ReadModel
	sync        SyncController
	collections CollectionStates
	ingest      Ingestor
	ingestToken string
	hub         *StreamHub
	heartbeat   time.Duration
	logger      *zap.Logger
}

type recordPayload struct {
	Kind               string   `json:"kind"`
	ID                 string   `json:"id"`
	OwnerID            string   `json:"owner_id"`
	OwnerDisplayName   string   `json:"owner_display_name,omitempty"`
	Status             string   `json:"status"`
	ClaimedBy          string   `json:"claimed_by,omitempty"`
	ClaimerDisplayName string   `json:"claimer_display_name,omitempty"`
	ParticipantIDs     []string `json:"participant_ids,omitempty"`
	ConversationID     string   `json:"conversation_id,omitempty"`
	Title              string   `json:"title,omitempty"`
	Body               string   `json:"body,omitempty"`
	EventAt            string   `json:"event_at,omitempty"`
	CreatedAt          string   `json:"created_at,omitempty"`
	UpdatedAt          string   `json:"updated_at,omitempty"`
}

type summaryPayload struct {
	Kind        string `json:"kind"`
	ID          string `json:"id"`
	UnreadCount int    `json:"unread_count"`
	LatestType  string `json:"latest_type"`
	LatestAt    string `json:"latest_at"`
}

type resultPayload struct {
	Collection string `json:"collection"`
	Outcome    string `json:"outcome"`
	Fetched    int    `json:"fetched"`
	Upserted   int    `json:"upserted"`
	Deleted    int    `json:"deleted"`
	Error      string `json:"error,omitempty"`
}

type statePayload struct {
	Collection   string       `json:"collection"`
	Phase        string       `json:"phase"`
	LastOutcome  string       `json:"last_outcome,omitempty"`
	LastError    string       `json:"last_error,omitempty"`
	LastSyncedAt string       `json:"last_synced_at,omitempty"`
	RecentRuns   []runPayload `json:"recent_runs"`
}

type runPayload struct {
	ID         string `json:"id"`
	Outcome    string `json:"outcome"`
	Fetched    int    `json:"fetched"`
	Upserted   int    `json:"upserted"`
	Deleted    int    `json:"deleted"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleView(c *gin.Context) {
	kind, err := resources.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return
	}
	rawMode := c.Param("mode")
	var records []resources.Record
	if strings.EqualFold(rawMode, historyMode) {
		records = h.model.HistoryView(kind)
	} else {
		mode, err := views.ParseMode(rawMode)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mode"})
			return
		}
		records = h.model.FilteredView(kind, mode)
	}
	payload := make([]recordPayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, toRecordPayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"kind": kind, "mode": strings.ToLower(rawMode), "records": payload})
}

func (h *httpHandler) handleBadges(c *gin.Context) {
	kind, err := resources.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": kind, "badges": badgeMap(h.model.BadgeCounts(kind))})
}

func (h *httpHandler) handleSummaries(c *gin.Context) {
	summaries := h.model.UnreadSummaries()
	payload := make([]summaryPayload, 0, len(summaries))
	for key, summary := range summaries {
		payload = append(payload, summaryPayload{
			Kind:        key.Kind.String(),
			ID:          key.ID.String(),
			UnreadCount: summary.UnreadCount,
			LatestType:  summary.LatestType.Raw(),
			LatestAt:    formatTime(summary.LatestAt),
		})
	}
	sort.Slice(payload, func(i, j int) bool {
		if payload[i].Kind != payload[j].Kind {
			return payload[i].Kind < payload[j].Kind
		}
		return payload[i].ID < payload[j].ID
	})
	c.JSON(http.StatusOK, gin.H{"summaries": payload})
}

func (h *httpHandler) handleCollection(c *gin.Context) {
	name := c.Param("name")
	state, err := h.collections.State(name)
	if err != nil {
		h.writeError(c, err)
		return
	}
	runs, err := h.collections.RecentRuns(c.Request.Context(), name, defaultRecentRuns)
	if err != nil {
		h.logger.Error("failed to load sync runs", zap.String("collection", name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit_unavailable"})
		return
	}
	payload := statePayload{
		Collection:   state.Collection,
		Phase:        string(state.Phase),
		LastOutcome:  string(state.LastOutcome),
		LastSyncedAt: formatTime(state.LastSyncedAt),
		RecentRuns:   make([]runPayload, 0, len(runs)),
	}
	if state.LastError != nil {
		payload.LastError = state.LastError.Error()
	}
	for _, run := range runs {
		payload.RecentRuns = append(payload.RecentRuns, runPayload{
			ID:         run.ID,
			Outcome:    run.Outcome,
			Fetched:    run.Fetched,
			Upserted:   run.Upserted,
			Deleted:    run.Deleted,
			Error:      run.Error,
			StartedAt:  formatTime(run.StartedAt),
			FinishedAt: formatTime(run.FinishedAt),
		})
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleRefresh(c *gin.Context) {
	result, err := h.sync.Refresh(c.Request.Context(), c.Param("name"))
	if err != nil && result.Outcome == "" {
		h.writeError(c, err)
		return
	}
	status := http.StatusOK
	switch result.Outcome {
	case orchestrator.OutcomeUnauthenticated:
		status = http.StatusUnauthorized
	case orchestrator.OutcomeFailed:
		status = http.StatusBadGateway
	}
	c.JSON(status, toResultPayload(result))
}

func (h *httpHandler) handleRecordAction(c *gin.Context) {
	kind, err := resources.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return
	}
	id, err := resources.NewRecordID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return
	}
	key := resources.ResourceKey{Kind: kind, ID: id}

	var action orchestrator.ActionResult
	switch strings.ToLower(c.Param("action")) {
	case actionClaim:
		action, err = h.sync.Claim(c.Request.Context(), key)
	case actionUnclaim:
		action, err = h.sync.Unclaim(c.Request.Context(), key)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_action"})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := gin.H{
		"record":  toRecordPayload(action.Record),
		"refresh": toResultPayload(action.Refresh),
	}
	if action.ParticipantErr != nil {
		response["warning"] = "participant_update_failed"
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleLeaderboard(c *gin.Context) {
	period := strings.TrimSpace(c.DefaultQuery("period", defaultPeriod))
	if period == "" {
		period = defaultPeriod
	}
	entries, err := h.sync.Leaderboard(c.Request.Context(), period)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"period": period, "entries": entries})
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.hub.Subscribe(ctx)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message := <-stream:
			c.SSEvent(message.EventType, message)
			return true
		case tick := <-ticker.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"timestamp": tick.UTC()})
			return true
		}
	})
}

func (h *httpHandler) authorizeIngest(c *gin.Context) {
	if h.ingestToken == "" {
		c.Next()
		return
	}
	header := c.GetHeader("Authorization")
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if !strings.HasPrefix(header, "Bearer ") || token != h.ingestToken {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidIngestToken.Error()})
		return
	}
	c.Next()
}

func (h *httpHandler) handleIngest(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxIngestPayloadBytes))
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	delivered, err := h.ingest.Publish(c.Request.Context(), body)
	if err != nil {
		if errors.Is(err, realtime.ErrUndecodable) {
			h.logger.Warn("dropping undecodable ingest payload", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "undecodable_payload"})
			return
		}
		h.logger.Error("ingest publish failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ingest_failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"delivered": delivered})
}

func (h *httpHandler) publishSnapshot(snapshot views.Snapshot) {
	badges := make(map[string]map[string]int)
	for _, kind := range resources.AllKinds() {
		if !kind.Claimable() {
			continue
		}
		badges[kind.String()] = badgeMap(views.BadgeCounts(snapshot.Records[kind], snapshot.Summaries, snapshot.User, snapshot.TakenAt))
	}
	h.hub.Publish(StreamMessage{
		EventType: StreamEventViewChange,
		Version:   snapshot.Version,
		Badges:    badges,
		Unread:    views.TotalUnread(snapshot.Summaries),
		Timestamp: snapshot.TakenAt.UTC(),
	})
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownCollection):
		return http.StatusNotFound, "unknown_collection"
	case errors.Is(err, auth.ErrNotAuthenticated), errors.Is(err, remote.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, orchestrator.ErrNotClaimable):
		return http.StatusBadRequest, "not_claimable"
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, orchestrator.ErrNotClaimer):
		return http.StatusForbidden, "not_claimer"
	case errors.Is(err, remote.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, remote.ErrRejected):
		return http.StatusConflict, "rejected"
	case errors.Is(err, remote.ErrTransport):
		return http.StatusBadGateway, "remote_unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "canceled"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func badgeMap(counts map[views.Mode]int) map[string]int {
	result := make(map[string]int, len(counts))
	for mode, count := range counts {
		result[string(mode)] = count
	}
	return result
}

func toRecordPayload(record resources.Record) recordPayload {
	return recordPayload{
		Kind:               record.Kind.String(),
		ID:                 record.ID,
		OwnerID:            record.OwnerID,
		OwnerDisplayName:   record.OwnerDisplayName,
		Status:             record.Status().Raw(),
		ClaimedBy:          record.ClaimedBy,
		ClaimerDisplayName: record.ClaimerDisplayName,
		ParticipantIDs:     record.ParticipantIDs,
		ConversationID:     record.ConversationID,
		Title:              record.Title,
		Body:               record.Body,
		EventAt:            formatTime(record.EventAt),
		CreatedAt:          formatTime(record.CreatedAt),
		UpdatedAt:          formatTime(record.UpdatedAt),
	}
}

func toResultPayload(result orchestrator.Result) resultPayload {
	payload := resultPayload{
		Collection: result.Collection,
		Outcome:    string(result.Outcome),
		Fetched:    result.Fetched,
		Upserted:   result.Upserted,
		Deleted:    result.Deleted,
	}
	if result.Err != nil {
		payload.Error = result.Err.Error()
	}
	return payload
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339Nano)
}
