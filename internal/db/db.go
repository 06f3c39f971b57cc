package db

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"prensa-sync-backend/config"
	"prensa-sync-backend/internal/model"
)

// Init initializes the database connection and runs migrations.
func Init(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)

	logrus.Info("running database migrations")
	if err := Migrate(db); err != nil {
		return nil, err
	}

	if err := applyConstraintDDL(db); err != nil {
		return nil, err
	}

	logrus.Info("database initialization complete")
	return db, nil
}

// Migrate creates or updates the schema for every model the daemon touches.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Machine{},
		&model.Product{},
		&model.ProductionSession{},
		&model.ProductionPulse{},
		&model.Stoppage{},
		&model.StoppageReason{},
		&model.Alert{},
		&model.SyncState{},
		&model.ExportRecord{},
		&model.PushSubscription{},
	); err != nil {
		return fmt.Errorf("automigrate failed: %w", err)
	}
	return nil
}

// applyConstraintDDL installs the partial unique indexes that turn the
// "at most one open X" invariants into hard storage guarantees instead of
// read-then-write checks. Postgres-specific.
func applyConstraintDDL(db *gorm.DB) error {
	ddls := []string{
		// one in_progress session per (machine, slot)
		"CREATE UNIQUE INDEX IF NOT EXISTS uq_session_active_per_slot " +
			"ON production_sessions (machine_id, slot) WHERE status = 'in_progress';",

		// one open stoppage per session
		"CREATE UNIQUE INDEX IF NOT EXISTS uq_stoppage_open_per_session " +
			"ON stoppages (session_id) WHERE ended_at IS NULL AND session_id IS NOT NULL;",

		// one open orphan stoppage per machine
		"CREATE UNIQUE INDEX IF NOT EXISTS uq_stoppage_open_orphan_per_machine " +
			"ON stoppages (machine_id) WHERE ended_at IS NULL AND session_id IS NULL;",

		// one unresolved alert per (machine, type)
		"CREATE UNIQUE INDEX IF NOT EXISTS uq_alert_unresolved_per_machine " +
			"ON alerts (machine_id, type) WHERE NOT resolved;",
	}

	for _, ddl := range ddls {
		if err := db.Exec(ddl).Error; err != nil {
			return fmt.Errorf("DDL failed on %q: %w", ddl, err)
		}
	}
	return nil
}
