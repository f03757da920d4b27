package payments

import (
	"context"
	"database/sql"
)

// PostgresEventStore persists the processed-events ledger in PostgreSQL.
type PostgresEventStore struct {
	db *sql.DB
}

func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

// Migrate creates the webhook events table if it does not exist.
func (p *PostgresEventStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS webhook_events (
			id            VARCHAR(128) PRIMARY KEY,
			type          VARCHAR(64) NOT NULL,
			result        VARCHAR(24) NOT NULL DEFAULT '',
			processed_at  TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_webhook_events_type ON webhook_events(type, processed_at);
	`)
	return err
}

func (p *PostgresEventStore) Insert(ctx context.Context, ev *WebhookEvent) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, type, result, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Type, ev.Result, ev.ProcessedAt,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (p *PostgresEventStore) Get(ctx context.Context, id string) (*WebhookEvent, error) {
	ev := &WebhookEvent{}
	err := p.db.QueryRowContext(ctx,
		`SELECT id, type, result, processed_at FROM webhook_events WHERE id = $1`, id).
		Scan(&ev.ID, &ev.Type, &ev.Result, &ev.ProcessedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (p *PostgresEventStore) SetResult(ctx context.Context, id, result string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE webhook_events SET result = $1 WHERE id = $2`, result, id)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEventNotFound
	}
	return nil
}

var _ EventStore = (*PostgresEventStore)(nil)
