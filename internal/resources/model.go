package resources

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRecordID indicates that a record identifier is empty or exceeds storage bounds.
	ErrInvalidRecordID = errors.New("resources: invalid record id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("resources: invalid user id")
	// ErrUnknownKind indicates that a kind or table name is not mirrored locally.
	ErrUnknownKind = errors.New("resources: unknown kind")
)

// Kind enumerates the resource families mirrored between the backend and the local store.
type Kind string

const (
	KindRide         Kind = "ride"
	KindFavor        Kind = "favor"
	KindTownHallPost Kind = "town_hall_post"
	KindConversation Kind = "conversation"
	KindMessage      Kind = "message"
	KindNotification Kind = "notification"
)

var kindTables = map[Kind]string{
	KindRide:         "rides",
	KindFavor:        "favors",
	KindTownHallPost: "town_hall_posts",
	KindConversation: "conversations",
	KindMessage:      "messages",
	KindNotification: "notifications",
}

// AllKinds lists every mirrored kind in a stable order.
func AllKinds() []Kind {
	return []Kind{KindRide, KindFavor, KindTownHallPost, KindConversation, KindMessage, KindNotification}
}

// ParseKind validates raw input and returns a Kind.
func ParseKind(rawInput string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(rawInput)))
	if _, ok := kindTables[kind]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, rawInput)
	}
	return kind, nil
}

// KindForTable resolves the kind stored in the given backend table.
func KindForTable(table string) (Kind, error) {
	normalized := strings.ToLower(strings.TrimSpace(table))
	if index := strings.LastIndex(normalized, "."); index >= 0 {
		normalized = normalized[index+1:]
	}
	for kind, candidate := range kindTables {
		if candidate == normalized {
			return kind, nil
		}
	}
	return "", fmt.Errorf("%w: table %q", ErrUnknownKind, table)
}

// Table returns the backend table name for the kind.
func (k Kind) Table() string {
	return kindTables[k]
}

// OwnerColumn returns the backend column holding the owning user.
func (k Kind) OwnerColumn() string {
	switch k {
	case KindConversation:
		return "created_by"
	case KindMessage:
		return "from_id"
	default:
		return "user_id"
	}
}

// Claimable reports whether records of this kind follow the claim lifecycle.
func (k Kind) Claimable() bool {
	return k == KindRide || k == KindFavor
}

// String returns the underlying kind name.
func (k Kind) String() string {
	return string(k)
}

// RecordID represents a validated record identifier.
type RecordID string

// NewRecordID validates raw input and returns a RecordID.
func NewRecordID(rawInput string) (RecordID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecordID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRecordID, maxIdentifierLength)
	}
	return RecordID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RecordID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// ResourceKey identifies a record across kinds.
type ResourceKey struct {
	Kind Kind
	ID   RecordID
}

// String renders the key as kind:id.
func (key ResourceKey) String() string {
	return key.Kind.String() + ":" + key.ID.String()
}

// IsZero reports whether the key is unset.
func (key ResourceKey) IsZero() bool {
	return key.Kind == "" && key.ID == ""
}
