package response

import (
	"context"
	"database/sql"
	"time"
)

// PostgresTrackingStore persists response tracking rows in PostgreSQL.
type PostgresTrackingStore struct {
	db *sql.DB
}

func NewPostgresTrackingStore(db *sql.DB) *PostgresTrackingStore {
	return &PostgresTrackingStore{db: db}
}

// Migrate creates the response tracking table if it does not exist.
func (p *PostgresTrackingStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS email_response_tracking (
			id                 VARCHAR(32) PRIMARY KEY,
			inbound_email_id   VARCHAR(128) NOT NULL UNIQUE,
			message_id         VARCHAR(64) NOT NULL,
			from_email         VARCHAR(320) NOT NULL,
			within_deadline    BOOLEAN NOT NULL DEFAULT FALSE,
			grace_period_used  BOOLEAN NOT NULL DEFAULT FALSE,
			settled            BOOLEAN NOT NULL DEFAULT FALSE,
			disposition        VARCHAR(24),
			received_at        TIMESTAMPTZ NOT NULL,
			settled_at         TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_response_tracking_message ON email_response_tracking(message_id);
		CREATE INDEX IF NOT EXISTS idx_response_tracking_unsettled ON email_response_tracking(received_at) WHERE NOT settled;
	`)
	return err
}

// Insert relies on the unique index on inbound_email_id: ON CONFLICT DO
// NOTHING plus the affected-row count makes the duplicate check atomic.
func (p *PostgresTrackingStore) Insert(ctx context.Context, tr *Tracking) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO email_response_tracking (
			id, inbound_email_id, message_id, from_email,
			within_deadline, grace_period_used, settled, disposition,
			received_at, settled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (inbound_email_id) DO NOTHING`,
		tr.ID, tr.InboundEmailID, tr.MessageID, tr.FromEmail,
		tr.WithinDeadline, tr.GracePeriodUsed, tr.Settled, nullString(string(tr.Disposition)),
		tr.ReceivedAt, nullTime(tr.SettledAt),
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

const trackingColumns = `id, inbound_email_id, message_id, from_email,
		       within_deadline, grace_period_used, settled, disposition,
		       received_at, settled_at`

func (p *PostgresTrackingStore) Get(ctx context.Context, id string) (*Tracking, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+trackingColumns+` FROM email_response_tracking WHERE id = $1`, id)

	tr, err := scanTracking(row)
	if err == sql.ErrNoRows {
		return nil, ErrTrackingNotFound
	}
	return tr, err
}

func (p *PostgresTrackingStore) GetByInboundEmailID(ctx context.Context, inboundEmailID string) (*Tracking, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+trackingColumns+` FROM email_response_tracking WHERE inbound_email_id = $1`, inboundEmailID)

	tr, err := scanTracking(row)
	if err == sql.ErrNoRows {
		return nil, ErrTrackingNotFound
	}
	return tr, err
}

func (p *PostgresTrackingStore) MarkSettled(ctx context.Context, id string, disposition Disposition, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE email_response_tracking
		SET settled = TRUE, disposition = $1, settled_at = $2
		WHERE id = $3`, string(disposition), at, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTrackingNotFound
	}
	return nil
}

func (p *PostgresTrackingStore) ListUnsettled(ctx context.Context, olderThan time.Time, limit int) ([]*Tracking, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+trackingColumns+`
		FROM email_response_tracking
		WHERE NOT settled AND received_at < $1
		ORDER BY received_at ASC
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Tracking
	for rows.Next() {
		tr, err := scanTracking(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tr)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTracking(s scanner) (*Tracking, error) {
	tr := &Tracking{}
	var (
		disposition sql.NullString
		settledAt   sql.NullTime
	)
	err := s.Scan(
		&tr.ID, &tr.InboundEmailID, &tr.MessageID, &tr.FromEmail,
		&tr.WithinDeadline, &tr.GracePeriodUsed, &tr.Settled, &disposition,
		&tr.ReceivedAt, &settledAt,
	)
	if err != nil {
		return nil, err
	}
	tr.Disposition = Disposition(disposition.String)
	if settledAt.Valid {
		tr.SettledAt = &settledAt.Time
	}
	return tr, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ TrackingStore = (*PostgresTrackingStore)(nil)
