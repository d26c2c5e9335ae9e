// Package views derives consumer-facing projections from a local store
// snapshot: filtered lists, history, per-resource unread summaries and badge
// counts. The derivation functions are pure and never suspend.
package views

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/townsync/internal/resources"
)

// StaleAfter is how far in the past a scheduled event may be before it drops
// out of active views.
const StaleAfter = 12 * time.Hour

// ErrUnknownMode indicates a filter mode outside the supported set.
var ErrUnknownMode = errors.New("views: unknown filter mode")

// Mode selects which records a filtered view contains.
type Mode string

const (
	// ModeOpen lists unclaimed records the user is not already part of.
	// Claimable records must also carry the open status; a status the
	// client does not recognise is never offered.
	ModeOpen Mode = "open"
	// ModeMine lists records the user owns, participates in or claimed.
	ModeMine Mode = "mine"
	// ModeClaimed lists records the user claimed.
	ModeClaimed Mode = "claimed"
)

// Modes returns every filter mode in display order.
func Modes() []Mode {
	return []Mode{ModeOpen, ModeMine, ModeClaimed}
}

// ParseMode validates a raw filter mode.
func ParseMode(raw string) (Mode, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(raw)))
	switch mode {
	case ModeOpen, ModeMine, ModeClaimed:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, raw)
	}
}

// Matches reports whether the record belongs to the mode for the user,
// before the universal exclusions.
func (m Mode) Matches(record resources.Record, user resources.UserID) bool {
	switch m {
	case ModeOpen:
		if record.Kind.Claimable() && record.Status() != resources.StatusOpen {
			return false
		}
		return record.ClaimedBy == "" && !record.HasParticipant(user)
	case ModeMine:
		return involves(record, user)
	case ModeClaimed:
		return user != "" && record.ClaimedBy == user.String()
	default:
		return false
	}
}

func involves(record resources.Record, user resources.UserID) bool {
	if user == "" {
		return false
	}
	return record.OwnerID == user.String() ||
		record.ClaimedBy == user.String() ||
		record.HasParticipant(user)
}

// Active reports whether the record survives the universal exclusions: it is
// not completed and its scheduled time is not more than StaleAfter in the
// past. Records without a scheduled time never age out.
func Active(record resources.Record, now time.Time) bool {
	if record.Status().IsTerminal() {
		return false
	}
	if record.EventAt.IsZero() {
		return true
	}
	return !record.EventAt.Before(now.Add(-StaleAfter))
}

// FilteredView returns the records matching the mode, minus completed and
// stale ones, sorted by event time ascending.
func FilteredView(records []resources.Record, mode Mode, user resources.UserID, now time.Time) []resources.Record {
	result := make([]resources.Record, 0, len(records))
	for _, record := range records {
		if mode.Matches(record, user) && Active(record, now) {
			result = append(result, record.Clone())
		}
	}
	sortByEvent(result, false)
	return result
}

// HistoryView returns the user's records that are completed or past,
// newest first.
func HistoryView(records []resources.Record, user resources.UserID, now time.Time) []resources.Record {
	result := make([]resources.Record, 0)
	for _, record := range records {
		if involves(record, user) && !Active(record, now) {
			result = append(result, record.Clone())
		}
	}
	sortByEvent(result, true)
	return result
}

// BadgeCounts sums the unread counts of every record in each filtered view.
func BadgeCounts(records []resources.Record, summaries map[resources.ResourceKey]Summary, user resources.UserID, now time.Time) map[Mode]int {
	counts := make(map[Mode]int, len(Modes()))
	for _, mode := range Modes() {
		total := 0
		for _, record := range FilteredView(records, mode, user, now) {
			total += summaries[record.Key()].UnreadCount
		}
		counts[mode] = total
	}
	return counts
}

func sortByEvent(records []resources.Record, descending bool) {
	sort.SliceStable(records, func(i, j int) bool {
		left, right := eventTime(records[i]), eventTime(records[j])
		if !left.Equal(right) {
			if descending {
				return left.After(right)
			}
			return left.Before(right)
		}
		return records[i].ID < records[j].ID
	})
}

func eventTime(record resources.Record) time.Time {
	if record.EventAt.IsZero() {
		return record.CreatedAt
	}
	return record.EventAt
}
