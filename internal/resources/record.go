package resources

import (
	"slices"
	"time"

	"gorm.io/datatypes"
)

// Record mirrors a backend row locally. Server-owned fields always reflect the
// last successfully synced remote value; OwnerDisplayName and
// ClaimerDisplayName are denormalized and may lag.
type Record struct {
	Kind               Kind                        `gorm:"column:kind;primaryKey;size:32;not null;index:idx_records_kind_event,priority:1"`
	ID                 string                      `gorm:"column:id;primaryKey;size:190;not null"`
	OwnerID            string                      `gorm:"column:owner_id;size:190;not null;default:'';index"`
	StatusRaw          string                      `gorm:"column:status;size:64;not null;default:''"`
	ClaimedBy          string                      `gorm:"column:claimed_by;size:190;not null;default:''"`
	ParticipantIDs     datatypes.JSONSlice[string] `gorm:"column:participant_ids;type:text"`
	ConversationID     string                      `gorm:"column:conversation_id;size:190;not null;default:''"`
	ParentID           string                      `gorm:"column:parent_id;size:190;not null;default:''"`
	RideID             string                      `gorm:"column:ride_id;size:190;not null;default:''"`
	FavorID            string                      `gorm:"column:favor_id;size:190;not null;default:''"`
	Title              string                      `gorm:"column:title;type:text;not null;default:''"`
	Body               string                      `gorm:"column:body;type:text;not null;default:''"`
	NotificationRaw    string                      `gorm:"column:notification_type;size:64;not null;default:''"`
	Read               bool                        `gorm:"column:is_read;not null;default:false"`
	EventAt            time.Time                   `gorm:"column:event_at;index:idx_records_kind_event,priority:2"`
	CreatedAt          time.Time                   `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt          time.Time                   `gorm:"column:updated_at;autoUpdateTime:false"`
	OwnerDisplayName   string                      `gorm:"column:owner_display_name;size:320;not null;default:''"`
	ClaimerDisplayName string                      `gorm:"column:claimer_display_name;size:320;not null;default:''"`
	SyncedAt           time.Time                   `gorm:"column:synced_at"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "resource_records"
}

// Key returns the record's composite identity.
func (r Record) Key() ResourceKey {
	return ResourceKey{Kind: r.Kind, ID: RecordID(r.ID)}
}

// Status returns the lifecycle state as a tagged union.
func (r Record) Status() Status {
	return ParseStatus(r.StatusRaw)
}

// NotificationType returns the notification classification.
func (r Record) NotificationType() NotificationType {
	return ParseNotificationType(r.NotificationRaw)
}

// HasParticipant reports whether the user appears in the participant list.
func (r Record) HasParticipant(userID UserID) bool {
	return slices.Contains(r.ParticipantIDs, userID.String())
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r Record) Clone() Record {
	copied := r
	if r.ParticipantIDs != nil {
		copied.ParticipantIDs = append(datatypes.JSONSlice[string]{}, r.ParticipantIDs...)
	}
	return copied
}

// SameServerFields reports whether two records agree on every server-owned field.
func (r Record) SameServerFields(other Record) bool {
	return r.Kind == other.Kind &&
		r.ID == other.ID &&
		r.OwnerID == other.OwnerID &&
		r.StatusRaw == other.StatusRaw &&
		r.ClaimedBy == other.ClaimedBy &&
		slices.Equal(r.ParticipantIDs, other.ParticipantIDs) &&
		r.ConversationID == other.ConversationID &&
		r.ParentID == other.ParentID &&
		r.RideID == other.RideID &&
		r.FavorID == other.FavorID &&
		r.Title == other.Title &&
		r.Body == other.Body &&
		r.NotificationRaw == other.NotificationRaw &&
		r.Read == other.Read &&
		r.EventAt.Equal(other.EventAt) &&
		r.CreatedAt.Equal(other.CreatedAt) &&
		r.UpdatedAt.Equal(other.UpdatedAt)
}
