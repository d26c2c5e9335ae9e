package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cast"

	"github.com/MarcoPoloResearchLab/townsync/internal/resources"
)

// ErrUndecodable indicates that a realtime payload has no recognisable change shape.
var ErrUndecodable = errors.New("realtime: undecodable payload")

// EventType classifies a row change.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

func parseEventType(raw string) (EventType, error) {
	switch EventType(strings.ToUpper(strings.TrimSpace(raw))) {
	case EventInsert:
		return EventInsert, nil
	case EventUpdate:
		return EventUpdate, nil
	case EventDelete:
		return EventDelete, nil
	default:
		return "", fmt.Errorf("%w: event type %q", ErrUndecodable, raw)
	}
}

// ChangeEvent is the normalized form of every realtime payload shape.
type ChangeEvent struct {
	Type       EventType
	Table      string
	Kind       resources.Kind
	Record     map[string]any
	OldRecord  map[string]any
	CommitTime time.Time
	Raw        any
}

// RecordID returns the id of the changed row, preferring the new image.
func (e ChangeEvent) RecordID() (resources.RecordID, error) {
	for _, image := range []map[string]any{e.Record, e.OldRecord} {
		if image == nil {
			continue
		}
		if id, err := resources.NewRecordID(cast.ToString(image["id"])); err == nil {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: change without row id", ErrUndecodable)
}

// Key returns the resource key of the changed row.
func (e ChangeEvent) Key() (resources.ResourceKey, error) {
	if e.Kind == "" {
		return resources.ResourceKey{}, fmt.Errorf("%w: table %q", resources.ErrUnknownKind, e.Table)
	}
	id, err := e.RecordID()
	if err != nil {
		return resources.ResourceKey{}, err
	}
	return resources.ResourceKey{Kind: e.Kind, ID: id}, nil
}

// PostgresChange is the typed callback shape some client libraries hand out.
type PostgresChange struct {
	EventType       string         `json:"eventType"`
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	New             map[string]any `json:"new"`
	Old             map[string]any `json:"old"`
	CommitTimestamp string         `json:"commit_timestamp"`
}

type wireChange struct {
	Type            string         `mapstructure:"type"`
	EventType       string         `mapstructure:"eventType"`
	Event           string         `mapstructure:"event"`
	Table           string         `mapstructure:"table"`
	Record          map[string]any `mapstructure:"record"`
	New             map[string]any `mapstructure:"new"`
	OldRecord       map[string]any `mapstructure:"old_record"`
	Old             map[string]any `mapstructure:"old"`
	CommitTimestamp any            `mapstructure:"commit_timestamp"`
	Data            map[string]any `mapstructure:"data"`
}

// Decode normalizes a realtime payload into a ChangeEvent. Accepted shapes are
// ChangeEvent values, PostgresChange values, JSON documents, and maps in either
// the flat or the channel-nested ("data") layout.
func Decode(payload any) (ChangeEvent, error) {
	switch typed := payload.(type) {
	case nil:
		return ChangeEvent{}, fmt.Errorf("%w: empty payload", ErrUndecodable)
	case ChangeEvent:
		return finalize(typed)
	case *ChangeEvent:
		if typed == nil {
			return ChangeEvent{}, fmt.Errorf("%w: empty payload", ErrUndecodable)
		}
		return finalize(*typed)
	case PostgresChange:
		return decodePostgresChange(typed, payload)
	case *PostgresChange:
		if typed == nil {
			return ChangeEvent{}, fmt.Errorf("%w: empty payload", ErrUndecodable)
		}
		return decodePostgresChange(*typed, payload)
	case json.RawMessage:
		return decodeJSON(typed, payload)
	case []byte:
		return decodeJSON(typed, payload)
	case string:
		return decodeJSON([]byte(typed), payload)
	case map[string]any:
		return decodeMap(typed, payload, 0)
	default:
		return ChangeEvent{}, fmt.Errorf("%w: unsupported payload %T", ErrUndecodable, payload)
	}
}

func decodePostgresChange(change PostgresChange, raw any) (ChangeEvent, error) {
	eventType, err := parseEventType(change.EventType)
	if err != nil {
		return ChangeEvent{}, err
	}
	event := ChangeEvent{
		Type:      eventType,
		Table:     change.Table,
		Record:    change.New,
		OldRecord: change.Old,
		Raw:       raw,
	}
	if change.CommitTimestamp != "" {
		if commit, err := resources.ParseTimestamp(change.CommitTimestamp); err == nil {
			event.CommitTime = commit
		}
	}
	return finalize(event)
}

func decodeJSON(document []byte, raw any) (ChangeEvent, error) {
	decoder := json.NewDecoder(strings.NewReader(string(document)))
	decoder.UseNumber()
	var parsed map[string]any
	if err := decoder.Decode(&parsed); err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return decodeMap(parsed, raw, 0)
}

func decodeMap(document map[string]any, raw any, depth int) (ChangeEvent, error) {
	var wire wireChange
	if err := mapstructure.WeakDecode(document, &wire); err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if wire.Data != nil && depth == 0 {
		return decodeMap(wire.Data, raw, depth+1)
	}

	eventType, err := parseEventType(firstNonEmpty(wire.Type, wire.EventType, wire.Event))
	if err != nil {
		return ChangeEvent{}, err
	}
	event := ChangeEvent{
		Type:      eventType,
		Table:     wire.Table,
		Record:    firstImage(wire.Record, wire.New),
		OldRecord: firstImage(wire.OldRecord, wire.Old),
		Raw:       raw,
	}
	if wire.CommitTimestamp != nil {
		if commit, err := resources.ParseTimestamp(wire.CommitTimestamp); err == nil {
			event.CommitTime = commit
		}
	}
	return finalize(event)
}

func finalize(event ChangeEvent) (ChangeEvent, error) {
	if event.Type == "" {
		return ChangeEvent{}, fmt.Errorf("%w: missing event type", ErrUndecodable)
	}
	normalized, err := parseEventType(string(event.Type))
	if err != nil {
		return ChangeEvent{}, err
	}
	event.Type = normalized
	switch event.Type {
	case EventDelete:
		if len(event.OldRecord) == 0 && len(event.Record) == 0 {
			return ChangeEvent{}, fmt.Errorf("%w: delete without row image", ErrUndecodable)
		}
	default:
		if len(event.Record) == 0 {
			return ChangeEvent{}, fmt.Errorf("%w: %s without row image", ErrUndecodable, event.Type)
		}
	}
	if event.Kind == "" && event.Table != "" {
		if kind, err := resources.KindForTable(event.Table); err == nil {
			event.Kind = kind
		}
	}
	return event, nil
}

func firstImage(images ...map[string]any) map[string]any {
	for _, image := range images {
		if len(image) > 0 {
			return image
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
