package remote

import (
	"net/url"
	"slices"
	"strconv"

	"github.com/MarcoPoloResearchLab/townsync/internal/resources"
)

// Filters narrows a collection fetch. Empty fields do not constrain the result.
type Filters struct {
	OwnerID       resources.UserID
	ClaimedBy     resources.UserID
	Status        string
	ParticipantID resources.UserID
}

// IsZero reports whether the filters select the whole table.
func (f Filters) IsZero() bool {
	return f == Filters{}
}

// Matches evaluates the same narrowing against a local record.
func (f Filters) Matches(record resources.Record) bool {
	if f.OwnerID != "" && record.OwnerID != f.OwnerID.String() {
		return false
	}
	if f.ClaimedBy != "" && record.ClaimedBy != f.ClaimedBy.String() {
		return false
	}
	if f.Status != "" && record.Status() != resources.ParseStatus(f.Status) {
		return false
	}
	if f.ParticipantID != "" && !slices.Contains(record.ParticipantIDs, f.ParticipantID.String()) {
		return false
	}
	return true
}

func (f Filters) apply(kind resources.Kind, values url.Values) {
	if f.OwnerID != "" {
		values.Set(kind.OwnerColumn(), "eq."+f.OwnerID.String())
	}
	if f.ClaimedBy != "" {
		values.Set("claimed_by", "eq."+f.ClaimedBy.String())
	}
	if f.Status != "" {
		values.Set("status", "eq."+f.Status)
	}
	if f.ParticipantID != "" {
		values.Set("participant_ids", "cs.{"+f.ParticipantID.String()+"}")
	}
}

// Page addresses one slice of a collection. Order uses the backend syntax,
// for example "created_at.desc"; empty means ascending id.
type Page struct {
	Limit  int
	Offset int
	Order  string
}

func (p Page) apply(values url.Values) {
	if p.Limit > 0 {
		values.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Offset > 0 {
		values.Set("offset", strconv.Itoa(p.Offset))
	}
	if p.Order != "" {
		values.Set("order", p.Order)
	}
}
