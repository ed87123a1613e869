package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/tendant/toll-frame-pipeline/internal/repository"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS cameras (
		id          TEXT PRIMARY KEY,
		company     TEXT,
		location    TEXT,
		toll_id     INT,
		lane        INT,
		io          TEXT,
		stream      TEXT,
		status      TEXT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_cameras_status ON cameras(status);`,
	`CREATE TABLE IF NOT EXISTS toll_transactions (
		id                BIGSERIAL PRIMARY KEY,
		camera_id         TEXT NOT NULL,
		entry_time        TIMESTAMPTZ NOT NULL,
		location          TEXT,
		toll_id           INT,
		lane_no           INT,
		vehicle_no        TEXT NOT NULL,
		vehicle_type      TEXT NOT NULL,
		vehicle_sub_type  TEXT,
		image             TEXT,
		video             TEXT,
		confidence        DOUBLE PRECISION,
		company           TEXT,
		io                TEXT,
		processed_at      TIMESTAMPTZ,
		detections        JSONB,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_toll_transactions_capture ON toll_transactions(camera_id, entry_time);`,
	`CREATE INDEX IF NOT EXISTS idx_toll_transactions_entry_time ON toll_transactions(entry_time);`,
	`CREATE INDEX IF NOT EXISTS idx_toll_transactions_lane ON toll_transactions(toll_id, lane_no);`,
}

// Migrate creates the datastore schema. Postgres gets the explicit SQL
// schema; other dialects (sqlite in tests and local runs) use AutoMigrate.
func Migrate(db *gorm.DB) error {
	if db.Dialector.Name() != "postgres" {
		if err := db.AutoMigrate(repository.Models()...); err != nil {
			return fmt.Errorf("auto migration failed: %w", err)
		}
		return nil
	}
	return runMigrations(db)
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
