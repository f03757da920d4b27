package notify

import (
	"context"
	"database/sql"
	"time"
)

// PostgresLogStore persists delivery records in PostgreSQL.
type PostgresLogStore struct {
	db *sql.DB
}

// NewPostgresLogStore creates a new PostgreSQL-backed delivery log.
func NewPostgresLogStore(db *sql.DB) *PostgresLogStore {
	return &PostgresLogStore{db: db}
}

// Migrate creates the notification_deliveries table if it does not exist.
func (p *PostgresLogStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS notification_deliveries (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			recipient TEXT NOT NULL,
			status TEXT NOT NULL,
			provider_message_id TEXT,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			sent_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_notification_deliveries_message
			ON notification_deliveries (message_id, type);
		CREATE INDEX IF NOT EXISTS idx_notification_deliveries_txn
			ON notification_deliveries (transaction_id)`)
	return err
}

func (p *PostgresLogStore) Create(ctx context.Context, d *Delivery) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO notification_deliveries (
			id, type, transaction_id, message_id, recipient,
			status, provider_message_id, error, created_at, sent_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, string(d.Type), d.TransactionID, d.MessageID, d.Recipient,
		d.Status, nullString(d.ProviderMessageID), nullString(d.Error),
		d.CreatedAt, nullTime(d.SentAt),
	)
	return err
}

func (p *PostgresLogStore) Update(ctx context.Context, d *Delivery) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE notification_deliveries SET
			status = $1, provider_message_id = $2, error = $3, sent_at = $4
		WHERE id = $5`,
		d.Status, nullString(d.ProviderMessageID), nullString(d.Error),
		nullTime(d.SentAt), d.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDeliveryNotFound
	}
	return nil
}

const deliveryColumns = `id, type, transaction_id, message_id, recipient,
			status, provider_message_id, error, created_at, sent_at`

func (p *PostgresLogStore) Get(ctx context.Context, id string) (*Delivery, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM notification_deliveries WHERE id = $1`, id)

	d, err := scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, ErrDeliveryNotFound
	}
	return d, err
}

func (p *PostgresLogStore) Exists(ctx context.Context, messageID string, t OutcomeType) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM notification_deliveries
			WHERE message_id = $1 AND type = $2 AND status <> $3
		)`, messageID, string(t), StatusFailed).Scan(&exists)
	return exists, err
}

func (p *PostgresLogStore) ListByTransaction(ctx context.Context, transactionID string) ([]*Delivery, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+`
		FROM notification_deliveries
		WHERE transaction_id = $1
		ORDER BY created_at DESC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDelivery(s scanner) (*Delivery, error) {
	d := &Delivery{}
	var (
		typ        string
		providerID sql.NullString
		errMsg     sql.NullString
		sentAt     sql.NullTime
	)

	err := s.Scan(
		&d.ID, &typ, &d.TransactionID, &d.MessageID, &d.Recipient,
		&d.Status, &providerID, &errMsg, &d.CreatedAt, &sentAt,
	)
	if err != nil {
		return nil, err
	}

	d.Type = OutcomeType(typ)
	d.ProviderMessageID = providerID.String
	d.Error = errMsg.String
	if sentAt.Valid {
		d.SentAt = &sentAt.Time
	}
	return d, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresLogStore implements LogStore.
var _ LogStore = (*PostgresLogStore)(nil)
