package resources

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseTimestampEncodingsAgree(t *testing.T) {
	reference := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	inputs := map[string]any{
		"fractional-iso":     "2026-03-14T15:09:26.535897Z",
		"plain-iso":          "2026-03-14T15:09:26Z",
		"offset-iso":         "2026-03-14T16:09:26+01:00",
		"postgres-no-zone":   "2026-03-14T15:09:26.5",
		"postgres-space":     "2026-03-14 15:09:26.123456+00",
		"epoch-seconds":      float64(reference.Unix()),
		"epoch-seconds-int":  reference.Unix(),
		"epoch-milliseconds": float64(reference.UnixMilli()),
		"epoch-millis-text":  "1773500966000",
		"json-number":        json.Number("1773500966"),
	}
	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			parsed, err := ParseTimestamp(input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			delta := parsed.Sub(reference)
			if delta < -time.Second || delta > time.Second {
				t.Fatalf("expected %s within 1s of %s", parsed, reference)
			}
		})
	}
}

func TestParseTimestampRejectsGarbage(t *testing.T) {
	for _, input := range []any{nil, "", "yesterday", true, -5} {
		if _, err := ParseTimestamp(input); !errors.Is(err, ErrInvalidTimestamp) {
			t.Fatalf("expected invalid timestamp for %#v, got %v", input, err)
		}
	}
}

func TestDecodeRowNormalizesRideShape(t *testing.T) {
	row := map[string]any{
		"id":           "ride-1",
		"user_id":      "user-1",
		"status":       "Claimed",
		"claimed_by":   "user-2",
		"date":         "2026-05-01",
		"time":         "08:30:00",
		"participants": []any{map[string]any{"user_id": "user-3"}, "user-4", "user-3"},
		"owner":        map[string]any{"name": "Ada"},
		"created_at":   "2026-04-01T10:00:00.123Z",
		"updated_at":   float64(1775037600),
		"notes":        "bring snacks",
	}

	record, err := DecodeRow(KindRide, row)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Key() != (ResourceKey{Kind: KindRide, ID: "ride-1"}) {
		t.Fatalf("unexpected key %s", record.Key())
	}
	if record.Status() != StatusClaimed {
		t.Fatalf("expected claimed status, got %s", record.Status())
	}
	if record.OwnerID != "user-1" || record.ClaimedBy != "user-2" {
		t.Fatalf("unexpected ownership %q/%q", record.OwnerID, record.ClaimedBy)
	}
	if len(record.ParticipantIDs) != 2 || record.ParticipantIDs[0] != "user-3" || record.ParticipantIDs[1] != "user-4" {
		t.Fatalf("unexpected participants %v", record.ParticipantIDs)
	}
	if record.OwnerDisplayName != "Ada" {
		t.Fatalf("expected embedded owner name, got %q", record.OwnerDisplayName)
	}
	expectedEvent := time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC)
	if !record.EventAt.Equal(expectedEvent) {
		t.Fatalf("expected event %s, got %s", expectedEvent, record.EventAt)
	}
	if record.UpdatedAt.Unix() != 1775037600 {
		t.Fatalf("unexpected updated at %s", record.UpdatedAt)
	}
}

func TestDecodeRowKeepsUnknownStatus(t *testing.T) {
	record, err := DecodeRow(KindFavor, map[string]any{"id": 42, "user_id": "user-1", "status": "archived"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.ID != "42" {
		t.Fatalf("expected numeric id to be stringified, got %q", record.ID)
	}
	status := record.Status()
	if !status.IsUnknown() || status.Raw() != "archived" {
		t.Fatalf("expected unknown(archived), got %s", status)
	}
}

func TestDecodeRowNotificationFields(t *testing.T) {
	record, err := DecodeRow(KindNotification, map[string]any{
		"id":         "n-1",
		"user_id":    "user-1",
		"type":       "ride_claimed",
		"is_read":    "f",
		"ride_id":    "ride-9",
		"created_at": "2026-04-01 12:00:00+00",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Read {
		t.Fatalf("expected unread notification")
	}
	if record.NotificationType().IsUnknown() {
		t.Fatalf("expected known notification type")
	}
	if record.RideID != "ride-9" {
		t.Fatalf("unexpected ride reference %q", record.RideID)
	}
	if !record.UpdatedAt.Equal(record.CreatedAt) {
		t.Fatalf("expected updated_at to default to created_at")
	}
}

func TestDecodeRowRejectsMissingID(t *testing.T) {
	_, err := DecodeRow(KindRide, map[string]any{"user_id": "user-1"})
	if !errors.Is(err, ErrInvalidRow) {
		t.Fatalf("expected invalid row, got %v", err)
	}
}

func TestCanTransitionFollowsClaimLifecycle(t *testing.T) {
	tests := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusOpen, StatusClaimed, true},
		{StatusClaimed, StatusCompleted, true},
		{StatusClaimed, StatusOpen, true},
		{StatusOpen, StatusCompleted, false},
		{StatusCompleted, StatusOpen, false},
		{StatusCompleted, StatusCompleted, true},
		{StatusOpen, UnknownStatus("archived"), false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.allowed {
			t.Fatalf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.allowed, got)
		}
	}
}

func TestKindForTableAcceptsSchemaPrefix(t *testing.T) {
	kind, err := KindForTable("public.rides")
	if err != nil || kind != KindRide {
		t.Fatalf("expected ride kind, got %q (%v)", kind, err)
	}
	if _, err := KindForTable("invoices"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected unknown kind error, got %v", err)
	}
}
