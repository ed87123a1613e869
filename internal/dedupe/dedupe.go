package dedupe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Ledger counts deliveries per task key so that redeliveries can be
// observed. It never blocks processing: handlers stay idempotent on their own.
type Ledger struct {
	db *sql.DB
}

// NewLedger creates a delivery ledger, creating its table when missing
func NewLedger(ctx context.Context, db *sql.DB) (*Ledger, error) {
	l := &Ledger{db: db}

	if err := l.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure delivery ledger table: %w", err)
	}

	return l, nil
}

// ensureTable creates the delivery_ledger table if it doesn't exist
func (l *Ledger) ensureTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS delivery_ledger (
			task_key TEXT NOT NULL,
			queue TEXT NOT NULL,
			schema_version INTEGER,
			first_seen_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			last_seen_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			seen_count INTEGER DEFAULT 1,
			PRIMARY KEY (queue, task_key)
		)
	`

	if _, err := l.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create delivery_ledger table: %w", err)
	}
	return nil
}

// Record registers a delivery of key on queue and returns how many times it
// has been seen, including this one.
func (l *Ledger) Record(ctx context.Context, queue, key string, schemaVersion int) (int, error) {
	// Upsert: increment seen_count if exists, insert if not
	query := `
		INSERT INTO delivery_ledger (task_key, queue, schema_version, first_seen_at, last_seen_at, seen_count)
		VALUES ($1, $2, $3, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, 1)
		ON CONFLICT (queue, task_key) DO UPDATE
		SET last_seen_at = CURRENT_TIMESTAMP,
		    seen_count = delivery_ledger.seen_count + 1,
		    schema_version = EXCLUDED.schema_version
		RETURNING seen_count
	`

	var seenCount int
	err := l.db.QueryRowContext(ctx, query, key, queue, schemaVersion).Scan(&seenCount)
	if err != nil {
		return 0, fmt.Errorf("failed to record delivery: %w", err)
	}

	return seenCount, nil
}

// SeenCount retrieves the number of recorded deliveries for key on queue
func (l *Ledger) SeenCount(ctx context.Context, queue, key string) (int, error) {
	query := `SELECT seen_count FROM delivery_ledger WHERE queue = $1 AND task_key = $2`

	var seenCount int
	err := l.db.QueryRowContext(ctx, query, queue, key).Scan(&seenCount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get seen count: %w", err)
	}

	return seenCount, nil
}
