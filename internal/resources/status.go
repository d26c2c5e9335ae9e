package resources

import "strings"

type statusCode uint8

const (
	statusNone statusCode = iota
	statusOpen
	statusClaimed
	statusCompleted
	statusUnknown
)

// Status is the lifecycle state reported by the backend. Values the client
// does not recognise are carried as Unknown with their raw text intact.
type Status struct {
	code statusCode
	raw  string
}

var (
	// StatusNone marks kinds without a lifecycle.
	StatusNone = Status{code: statusNone}
	// StatusOpen marks an unclaimed request.
	StatusOpen = Status{code: statusOpen, raw: "open"}
	// StatusClaimed marks a request someone agreed to fulfil.
	StatusClaimed = Status{code: statusClaimed, raw: "claimed"}
	// StatusCompleted is terminal.
	StatusCompleted = Status{code: statusCompleted, raw: "completed"}
)

// UnknownStatus wraps a backend value the client does not understand.
func UnknownStatus(raw string) Status {
	return Status{code: statusUnknown, raw: raw}
}

// ParseStatus maps a backend value onto the tagged union.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return StatusNone
	case "open":
		return StatusOpen
	case "claimed":
		return StatusClaimed
	case "completed":
		return StatusCompleted
	default:
		return UnknownStatus(strings.TrimSpace(raw))
	}
}

// Raw returns the wire value.
func (s Status) Raw() string {
	return s.raw
}

// String returns the wire value, or "unknown(<raw>)" for unrecognised values.
func (s Status) String() string {
	if s.code == statusUnknown {
		return "unknown(" + s.raw + ")"
	}
	return s.raw
}

// IsUnknown reports whether the backend sent a value outside the known set.
func (s Status) IsUnknown() bool {
	return s.code == statusUnknown
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s.code == statusCompleted
}

// CanTransition reports whether moving from one status to another follows the
// claim lifecycle: open -> claimed -> completed, with claimed -> open as the
// only backward step.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from.code == statusUnknown || to.code == statusUnknown {
		return false
	}
	switch from.code {
	case statusNone:
		return true
	case statusOpen:
		return to.code == statusClaimed
	case statusClaimed:
		return to.code == statusCompleted || to.code == statusOpen
	default:
		return false
	}
}

type notificationCode uint8

const (
	notificationUnknown notificationCode = iota
	notificationRideClaimed
	notificationRideUnclaimed
	notificationRideCompleted
	notificationFavorClaimed
	notificationFavorUnclaimed
	notificationFavorCompleted
	notificationMessage
	notificationTownHallReply
)

var notificationNames = map[string]notificationCode{
	"ride_claimed":    notificationRideClaimed,
	"ride_unclaimed":  notificationRideUnclaimed,
	"ride_completed":  notificationRideCompleted,
	"favor_claimed":   notificationFavorClaimed,
	"favor_unclaimed": notificationFavorUnclaimed,
	"favor_completed": notificationFavorCompleted,
	"message":         notificationMessage,
	"town_hall_reply": notificationTownHallReply,
}

// NotificationType classifies a notification. Unrecognised values stay Unknown.
type NotificationType struct {
	code notificationCode
	raw  string
}

// ParseNotificationType maps a backend value onto the tagged union.
func ParseNotificationType(raw string) NotificationType {
	trimmed := strings.TrimSpace(raw)
	if code, ok := notificationNames[strings.ToLower(trimmed)]; ok {
		return NotificationType{code: code, raw: strings.ToLower(trimmed)}
	}
	return NotificationType{code: notificationUnknown, raw: trimmed}
}

// Raw returns the wire value.
func (t NotificationType) Raw() string {
	return t.raw
}

// IsUnknown reports whether the backend sent a value outside the known set.
func (t NotificationType) IsUnknown() bool {
	return t.code == notificationUnknown
}
