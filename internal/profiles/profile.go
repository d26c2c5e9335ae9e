package profiles

import (
	"strings"
	"time"
)

// Profile caches the public identity of a user referenced by mirrored records.
type Profile struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:320;not null;default:''"`
	AvatarURL   string    `gorm:"column:avatar_url;size:512;not null;default:''"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

// TableName exposes the table backing cached profiles.
func (Profile) TableName() string {
	return "profiles"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
