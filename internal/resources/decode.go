package resources

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cast"
	"gorm.io/datatypes"
)

// ErrInvalidRow indicates that a backend row is missing required fields or is malformed.
var ErrInvalidRow = errors.New("resources: invalid row")

type embeddedProfile struct {
	Name        string `mapstructure:"name"`
	DisplayName string `mapstructure:"display_name"`
	FullName    string `mapstructure:"full_name"`
}

func (p *embeddedProfile) displayName() string {
	if p == nil {
		return ""
	}
	for _, candidate := range []string{p.DisplayName, p.Name, p.FullName} {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

type wireRow struct {
	ID             string           `mapstructure:"id"`
	UserID         string           `mapstructure:"user_id"`
	OwnerID        string           `mapstructure:"owner_id"`
	CreatedBy      string           `mapstructure:"created_by"`
	FromID         string           `mapstructure:"from_id"`
	Status         string           `mapstructure:"status"`
	ClaimedBy      string           `mapstructure:"claimed_by"`
	Participants   []any            `mapstructure:"participants"`
	ParticipantIDs []any            `mapstructure:"participant_ids"`
	ConversationID string           `mapstructure:"conversation_id"`
	ParentID       string           `mapstructure:"parent_id"`
	ReplyToID      string           `mapstructure:"reply_to_id"`
	RideID         string           `mapstructure:"ride_id"`
	FavorID        string           `mapstructure:"favor_id"`
	Title          string           `mapstructure:"title"`
	Body           string           `mapstructure:"body"`
	Content        string           `mapstructure:"content"`
	Type           string           `mapstructure:"type"`
	Read           *bool            `mapstructure:"read"`
	IsRead         *bool            `mapstructure:"is_read"`
	EventAt        time.Time        `mapstructure:"event_at"`
	Date           string           `mapstructure:"date"`
	Time           string           `mapstructure:"time"`
	CreatedAt      time.Time        `mapstructure:"created_at"`
	UpdatedAt      time.Time        `mapstructure:"updated_at"`
	Owner          *embeddedProfile `mapstructure:"owner"`
	Claimer        *embeddedProfile `mapstructure:"claimer"`
	OwnerName      string           `mapstructure:"owner_name"`
	ClaimerName    string           `mapstructure:"claimer_name"`
	Extra          map[string]any   `mapstructure:",remain"`
}

// DecodeRow converts a loosely typed backend row into a Record of the given kind.
func DecodeRow(kind Kind, row map[string]any) (Record, error) {
	if kind.Table() == "" {
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if len(row) == 0 {
		return Record{}, fmt.Errorf("%w: empty row", ErrInvalidRow)
	}

	var wire wireRow
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       timestampDecodeHook,
		WeaklyTypedInput: true,
		Result:           &wire,
	})
	if err != nil {
		return Record{}, err
	}
	if err := decoder.Decode(row); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRow, err)
	}

	id, err := NewRecordID(wire.ID)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRow, err)
	}

	record := Record{
		Kind:               kind,
		ID:                 id.String(),
		OwnerID:            firstNonEmpty(ownerCandidates(kind, wire)...),
		StatusRaw:          ParseStatus(wire.Status).Raw(),
		ClaimedBy:          strings.TrimSpace(wire.ClaimedBy),
		ParticipantIDs:     participantIDs(wire.ParticipantIDs, wire.Participants),
		ConversationID:     strings.TrimSpace(wire.ConversationID),
		ParentID:           firstNonEmpty(wire.ParentID, wire.ReplyToID),
		RideID:             strings.TrimSpace(wire.RideID),
		FavorID:            strings.TrimSpace(wire.FavorID),
		Title:              wire.Title,
		Body:               firstNonEmpty(wire.Body, wire.Content),
		EventAt:            wire.EventAt,
		CreatedAt:          wire.CreatedAt,
		UpdatedAt:          wire.UpdatedAt,
		OwnerDisplayName:   firstNonEmpty(wire.Owner.displayName(), wire.OwnerName),
		ClaimerDisplayName: firstNonEmpty(wire.Claimer.displayName(), wire.ClaimerName),
	}
	if kind == KindNotification {
		record.NotificationRaw = ParseNotificationType(wire.Type).Raw()
	}
	switch {
	case wire.Read != nil:
		record.Read = *wire.Read
	case wire.IsRead != nil:
		record.Read = *wire.IsRead
	}
	if record.EventAt.IsZero() && wire.Date != "" {
		if combined, err := combineDateAndTime(wire.Date, wire.Time); err == nil {
			record.EventAt = combined
		}
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}
	return record, nil
}

func ownerCandidates(kind Kind, wire wireRow) []string {
	switch kind {
	case KindConversation:
		return []string{wire.CreatedBy, wire.OwnerID, wire.UserID}
	case KindMessage:
		return []string{wire.FromID, wire.OwnerID, wire.UserID}
	default:
		return []string{wire.UserID, wire.OwnerID, wire.CreatedBy}
	}
}

func participantIDs(groups ...[]any) datatypes.JSONSlice[string] {
	seen := make(map[string]struct{})
	var ids datatypes.JSONSlice[string]
	for _, group := range groups {
		for _, entry := range group {
			var candidate string
			switch typed := entry.(type) {
			case map[string]any:
				candidate = cast.ToString(typed["user_id"])
			default:
				candidate = cast.ToString(typed)
			}
			candidate = strings.TrimSpace(candidate)
			if candidate == "" {
				continue
			}
			if _, ok := seen[candidate]; ok {
				continue
			}
			seen[candidate] = struct{}{}
			ids = append(ids, candidate)
		}
	}
	return ids
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

var timeType = reflect.TypeOf(time.Time{})

func timestampDecodeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != timeType || from == timeType {
		return data, nil
	}
	if text, ok := data.(string); ok && strings.TrimSpace(text) == "" {
		return time.Time{}, nil
	}
	return ParseTimestamp(data)
}
