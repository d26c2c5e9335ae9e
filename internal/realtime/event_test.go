package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MarcoPoloResearchLab/townsync/internal/resources"
)

func TestDecodeNormalizesPayloadShapes(t *testing.T) {
	flat := map[string]any{
		"type":             "insert",
		"table":            "rides",
		"record":           map[string]any{"id": "ride-1", "user_id": "user-1"},
		"commit_timestamp": "2026-05-01T10:00:00.123Z",
	}
	nested := map[string]any{
		"data": map[string]any{
			"type":       "UPDATE",
			"table":      "rides",
			"record":     map[string]any{"id": "ride-1"},
			"old_record": map[string]any{"id": "ride-1"},
		},
		"ids": []any{1, 2},
	}
	clientShape := map[string]any{
		"eventType": "DELETE",
		"table":     "public.rides",
		"old":       map[string]any{"id": 7},
	}
	typed := PostgresChange{EventType: "INSERT", Table: "rides", New: map[string]any{"id": "ride-1"}}
	document, err := json.Marshal(flat)
	require.NoError(t, err)

	tests := []struct {
		name     string
		payload  any
		expected EventType
		id       resources.RecordID
	}{
		{name: "flat map", payload: flat, expected: EventInsert, id: "ride-1"},
		{name: "nested data", payload: nested, expected: EventUpdate, id: "ride-1"},
		{name: "client shape", payload: clientShape, expected: EventDelete, id: "7"},
		{name: "typed change", payload: typed, expected: EventInsert, id: "ride-1"},
		{name: "typed pointer", payload: &typed, expected: EventInsert, id: "ride-1"},
		{name: "raw json", payload: json.RawMessage(document), expected: EventInsert, id: "ride-1"},
		{name: "json text", payload: string(document), expected: EventInsert, id: "ride-1"},
		{name: "already decoded", payload: ChangeEvent{Type: "update", Table: "rides", Record: map[string]any{"id": "ride-1"}}, expected: EventUpdate, id: "ride-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := Decode(tt.payload)
			require.NoError(t, err)
			require.Equal(t, tt.expected, event.Type)
			require.Equal(t, resources.KindRide, event.Kind)
			key, err := event.Key()
			require.NoError(t, err)
			require.Equal(t, tt.id, key.ID)
		})
	}
}

func TestDecodeKeepsCommitTime(t *testing.T) {
	event, err := Decode(map[string]any{
		"type":             "INSERT",
		"table":            "notifications",
		"record":           map[string]any{"id": "n-1"},
		"commit_timestamp": "2026-05-01T10:00:00Z",
	})
	require.NoError(t, err)
	require.Equal(t, resources.KindNotification, event.Kind)
	require.Equal(t, int64(1777629600), event.CommitTime.Unix())
}

func TestDecodeRejectsUnrecognisedPayloads(t *testing.T) {
	payloads := []any{
		nil,
		42,
		"{not json",
		map[string]any{"type": "TRUNCATE", "record": map[string]any{"id": "x"}},
		map[string]any{"type": "INSERT"},
		map[string]any{"type": "DELETE", "table": "rides"},
		(*ChangeEvent)(nil),
	}
	for _, payload := range payloads {
		_, err := Decode(payload)
		require.ErrorIs(t, err, ErrUndecodable, "payload %#v", payload)
	}
}

func TestParseFilter(t *testing.T) {
	filter, err := ParseFilter("user_id=eq.user-1")
	require.NoError(t, err)
	require.Equal(t, RowFilter{Column: "user_id", Value: "user-1"}, filter)
	require.True(t, filter.Matches(map[string]any{"user_id": "user-1"}))
	require.False(t, filter.Matches(map[string]any{"user_id": "user-2"}))
	require.Equal(t, "user_id=eq.user-1", filter.String())

	empty, err := ParseFilter("")
	require.NoError(t, err)
	require.True(t, empty.Matches(nil))

	_, err = ParseFilter("user_id=neq.user-1")
	require.ErrorIs(t, err, ErrInvalidFilter)
}
