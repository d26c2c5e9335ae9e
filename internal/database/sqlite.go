package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/townsync/internal/orchestrator"
	"github.com/MarcoPoloResearchLab/townsync/internal/profiles"
	"github.com/MarcoPoloResearchLab/townsync/internal/resources"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenSQLite establishes the on-device SQLite connection and performs schema migrations.
func OpenSQLite(path string, zapLogger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db, zapLogger); err != nil {
		return nil, err
	}

	if zapLogger != nil {
		zapLogger.Info("local store initialized", zap.String("path", path))
	}

	return db, nil
}

// Migrate creates the local schema and applies pending data migrations.
func Migrate(db *gorm.DB, zapLogger *zap.Logger) error {
	if err := db.AutoMigrate(&resources.Record{}, &profiles.Profile{}, &orchestrator.SyncRun{}, &migrationRecord{}); err != nil {
		return err
	}
	return applyMigrations(db, zapLogger)
}
