package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"pbxlink/pkg/utils"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS pbx_event_journal (
		id              UUID PRIMARY KEY,
		event_name      TEXT NOT NULL,
		source          TEXT NOT NULL DEFAULT '',
		subscription_id TEXT NOT NULL DEFAULT '',
		payload         JSONB NOT NULL,
		received_at     TIMESTAMPTZ NOT NULL,
		recorded_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS pbx_event_journal_recorded_at_idx ON pbx_event_journal (recorded_at DESC)`,
}

// PostgresRepo stores records through database/sql with the pgx driver.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) (*PostgresRepo, error) {
	if db == nil {
		return nil, errors.New("journal: db is nil")
	}
	return &PostgresRepo{db: db}, nil
}

// Migrate creates the journal table if it does not exist.
func (r *PostgresRepo) Migrate(ctx context.Context) error {
	return utils.Migrate(ctx, r.db, schema...)
}

func (r *PostgresRepo) Append(ctx context.Context, rec Record) error {
	payload := rec.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO pbx_event_journal (id, event_name, source, subscription_id, payload, received_at, recorded_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rec.ID, rec.EventName, rec.Source, rec.SubscriptionID, string(payload), rec.ReceivedAt, rec.RecordedAt,
		)
		if err != nil {
			return fmt.Errorf("journal: insert: %w", err)
		}
		return nil
	})
}

// Recent returns up to limit records, newest first.
func (r *PostgresRepo) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, event_name, source, subscription_id, payload, received_at, recorded_at
		 FROM pbx_event_journal ORDER BY recorded_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			payload []byte
		)
		if err := rows.Scan(&rec.ID, &rec.EventName, &rec.Source, &rec.SubscriptionID, &payload, &rec.ReceivedAt, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		rec.Payload = payload
		out = append(out, rec)
	}
	return out, rows.Err()
}
