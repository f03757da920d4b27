package escrow

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrow transactions, message responses and the
// settlement audit trail in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the escrow tables if they do not exist. The goose
// migrations in migrations/ remain the source of truth for managed
// deployments; this keeps fresh local databases working without them.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS escrow_transactions (
			id                       VARCHAR(32) PRIMARY KEY,
			message_id               VARCHAR(64) NOT NULL UNIQUE,
			amount_cents             BIGINT NOT NULL,
			currency                 VARCHAR(8) NOT NULL,
			sender_email             VARCHAR(320) NOT NULL,
			recipient_user_id        VARCHAR(64) NOT NULL,
			recipient_email          VARCHAR(320) NOT NULL,
			recipient_share_percent  INT NOT NULL,
			status                   VARCHAR(24) NOT NULL,
			payment_intent_id        VARCHAR(64),
			payout_account_id        VARCHAR(64),
			transfer_id              VARCHAR(64),
			refund_id                VARCHAR(64),
			failure_reason           TEXT,
			created_at               TIMESTAMPTZ NOT NULL,
			expires_at               TIMESTAMPTZ NOT NULL,
			resolved_at              TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_escrow_status_expires ON escrow_transactions(status, expires_at);
		CREATE INDEX IF NOT EXISTS idx_escrow_payment_intent ON escrow_transactions(payment_intent_id);
		CREATE INDEX IF NOT EXISTS idx_escrow_recipient ON escrow_transactions(recipient_user_id);

		CREATE TABLE IF NOT EXISTS message_responses (
			message_id            VARCHAR(64) PRIMARY KEY,
			has_response          BOOLEAN NOT NULL DEFAULT FALSE,
			response_received_at  TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS settlement_audit (
			id              VARCHAR(32) PRIMARY KEY,
			transaction_id  VARCHAR(32) NOT NULL,
			from_status     VARCHAR(24) NOT NULL,
			to_status       VARCHAR(24) NOT NULL,
			cause           VARCHAR(32) NOT NULL,
			detail          TEXT,
			created_at      TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_settlement_audit_txn ON settlement_audit(transaction_id, created_at);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_transactions (
			id, message_id, amount_cents, currency,
			sender_email, recipient_user_id, recipient_email, recipient_share_percent,
			status, payment_intent_id, payout_account_id,
			transfer_id, refund_id, failure_reason,
			created_at, expires_at, resolved_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11,
			$12, $13, $14,
			$15, $16, $17
		)`,
		t.ID, t.MessageID, t.AmountCents, t.Currency,
		t.SenderEmail, t.RecipientUserID, t.RecipientEmail, t.RecipientSharePercent,
		string(t.Status), nullString(t.PaymentIntentID), nullString(t.PayoutAccountID),
		nullString(t.TransferID), nullString(t.RefundID), nullString(t.FailureReason),
		t.CreatedAt, t.ExpiresAt, nullTime(t.ResolvedAt),
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrMessageExists
	}
	return err
}

const transactionColumns = `id, message_id, amount_cents, currency,
		       sender_email, recipient_user_id, recipient_email, recipient_share_percent,
		       status, payment_intent_id, payout_account_id,
		       transfer_id, refund_id, failure_reason,
		       created_at, expires_at, resolved_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM escrow_transactions WHERE id = $1`, id)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) GetByMessageID(ctx context.Context, messageID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM escrow_transactions WHERE message_id = $1`, messageID)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM escrow_transactions WHERE payment_intent_id = $1`, paymentIntentID)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

// Transition is a conditional status update. The WHERE clause on the prior
// status makes it a compare-and-set; zero rows affected means another writer
// moved the row first.
func (p *PostgresStore) Transition(ctx context.Context, id string, from, to Status, resolvedAt *time.Time, failureReason string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions
		SET status = $1,
		    resolved_at = COALESCE($2, resolved_at),
		    failure_reason = COALESCE($3, failure_reason)
		WHERE id = $4 AND status = $5`,
		string(to), nullTime(resolvedAt), nullString(failureReason), id, string(from),
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

func (p *PostgresStore) RecordTransfer(ctx context.Context, id, transferID string) error {
	return p.setColumn(ctx, id, "transfer_id", transferID)
}

func (p *PostgresStore) RecordRefund(ctx context.Context, id, refundID string) error {
	return p.setColumn(ctx, id, "refund_id", refundID)
}

func (p *PostgresStore) UpdatePayoutAccount(ctx context.Context, id, payoutAccountID string) error {
	return p.setColumn(ctx, id, "payout_account_id", payoutAccountID)
}

func (p *PostgresStore) setColumn(ctx context.Context, id, column, value string) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE escrow_transactions SET `+column+` = $1 WHERE id = $2`, value, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListRefundable(ctx context.Context, expiredBefore time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM escrow_transactions t
		WHERE t.status = 'held'
		  AND t.expires_at < $1
		  AND NOT EXISTS (
		      SELECT 1 FROM message_responses r
		      WHERE r.message_id = t.message_id AND r.has_response
		  )
		ORDER BY t.expires_at ASC
		LIMIT $2`, expiredBefore, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListReminderDue(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM escrow_transactions t
		WHERE t.status = 'held'
		  AND t.created_at + (t.expires_at - t.created_at) / 2 <= $1
		  AND t.expires_at > $1
		  AND NOT EXISTS (
		      SELECT 1 FROM message_responses r
		      WHERE r.message_id = t.message_id AND r.has_response
		  )
		ORDER BY t.expires_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListPendingSetup(ctx context.Context, recipientUserID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM escrow_transactions
		WHERE status = 'pending_user_setup' AND recipient_user_id = $1
		ORDER BY expires_at ASC
		LIMIT $2`, recipientUserID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

// MarkResponded is write-once: ON CONFLICT DO NOTHING keeps the first
// recorded response time.
func (p *PostgresStore) MarkResponded(ctx context.Context, messageID string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO message_responses (message_id, has_response, response_received_at)
		VALUES ($1, TRUE, $2)
		ON CONFLICT (message_id) DO NOTHING`, messageID, at)
	return err
}

func (p *PostgresStore) HasResponse(ctx context.Context, messageID string) (bool, error) {
	var has bool
	err := p.db.QueryRowContext(ctx,
		`SELECT has_response FROM message_responses WHERE message_id = $1`, messageID).Scan(&has)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return has, err
}

func (p *PostgresStore) Append(ctx context.Context, entry *AuditEntry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settlement_audit (id, transaction_id, from_status, to_status, cause, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.TransactionID, string(entry.FromStatus), string(entry.ToStatus),
		string(entry.Cause), nullString(entry.Detail), entry.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListByTransaction(ctx context.Context, transactionID string) ([]*AuditEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, transaction_id, from_status, to_status, cause, detail, created_at
		FROM settlement_audit
		WHERE transaction_id = $1
		ORDER BY created_at ASC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		var from, to, cause string
		var detail sql.NullString
		if err := rows.Scan(&entry.ID, &entry.TransactionID, &from, &to, &cause, &detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.FromStatus = Status(from)
		entry.ToStatus = Status(to)
		entry.Cause = Cause(cause)
		entry.Detail = detail.String
		result = append(result, entry)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		status        string
		paymentIntent sql.NullString
		payoutAccount sql.NullString
		transferID    sql.NullString
		refundID      sql.NullString
		failureReason sql.NullString
		resolvedAt    sql.NullTime
	)

	err := s.Scan(
		&t.ID, &t.MessageID, &t.AmountCents, &t.Currency,
		&t.SenderEmail, &t.RecipientUserID, &t.RecipientEmail, &t.RecipientSharePercent,
		&status, &paymentIntent, &payoutAccount,
		&transferID, &refundID, &failureReason,
		&t.CreatedAt, &t.ExpiresAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.PaymentIntentID = paymentIntent.String
	t.PayoutAccountID = payoutAccount.String
	t.TransferID = transferID.String
	t.RefundID = refundID.String
	t.FailureReason = failureReason.String
	if resolvedAt.Valid {
		t.ResolvedAt = &resolvedAt.Time
	}

	return t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
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

var (
	_ Store    = (*PostgresStore)(nil)
	_ AuditLog = (*PostgresStore)(nil)
)
