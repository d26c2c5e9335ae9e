package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/townsync/internal/resources"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeStatusCase  = "2026-05-11_normalize_status_case"
	migrationBackfillRecordSynced = "2026-06-02_backfill_record_synced_at"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeStatusCase, apply: normalizeStatusCase},
		{name: migrationBackfillRecordSynced, apply: backfillRecordSyncedAt},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Older clients stored the status exactly as the backend sent it.
func normalizeStatusCase(db *gorm.DB) error {
	return db.Model(&resources.Record{}).
		Where("status <> lower(status)").
		Update("status", gorm.Expr("lower(status)")).Error
}

func backfillRecordSyncedAt(db *gorm.DB) error {
	return db.Model(&resources.Record{}).
		Where("synced_at IS NULL").
		Update("synced_at", gorm.Expr("updated_at")).Error
}
