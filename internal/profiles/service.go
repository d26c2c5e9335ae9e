package profiles

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidProfile indicates the profile did not contain a usable user id.
var ErrInvalidProfile = errors.New("profiles: invalid profile")

// ServiceConfig describes the dependencies required for display-name resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service remembers display names for users referenced by mirrored records.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the profile directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("profiles: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Remember stores non-empty profile values. Empty display names never replace known ones.
func (s *Service) Remember(ctx context.Context, profiles ...Profile) error {
	for _, profile := range profiles {
		userID := normalize(profile.UserID)
		displayName := normalize(profile.DisplayName)
		if userID == "" {
			return ErrInvalidProfile
		}
		if displayName == "" {
			continue
		}
		if cached, ok := s.cache.Load(userID); ok && cached == displayName {
			continue
		}

		updates := []string{"display_name", "updated_at"}
		if avatar := normalize(profile.AvatarURL); avatar != "" {
			updates = append(updates, "avatar_url")
		}
		record := Profile{
			UserID:      userID,
			DisplayName: displayName,
			AvatarURL:   normalize(profile.AvatarURL),
			UpdatedAt:   s.now().UTC(),
		}
		err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}},
				DoUpdates: clause.AssignmentColumns(updates),
			}).
			Create(&record).Error
		if err != nil {
			return err
		}
		s.cache.Store(userID, displayName)
	}
	return nil
}

// DisplayName returns the cached display name for the user, or "" when unknown.
func (s *Service) DisplayName(ctx context.Context, userID string) (string, error) {
	userID = normalize(userID)
	if userID == "" {
		return "", nil
	}
	if cached, ok := s.cache.Load(userID); ok {
		if displayName, ok := cached.(string); ok {
			return displayName, nil
		}
	}

	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if profile.DisplayName != "" {
		s.cache.Store(userID, profile.DisplayName)
	}
	return profile.DisplayName, nil
}

// Missing returns the ids, in input order and without duplicates, that have no known display name.
func (s *Service) Missing(ctx context.Context, userIDs []string) ([]string, error) {
	var missing []string
	seen := make(map[string]struct{}, len(userIDs))
	for _, userID := range userIDs {
		userID = normalize(userID)
		if userID == "" {
			continue
		}
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		displayName, err := s.DisplayName(ctx, userID)
		if err != nil {
			return nil, err
		}
		if displayName == "" {
			missing = append(missing, userID)
		}
	}
	return missing, nil
}
