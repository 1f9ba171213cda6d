package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Colombia-Blockchain/snowrail-core/types"
)

// SQLiteStore persists intents in a single table.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens dsn with the modernc driver and migrates the schema.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS intents (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		amount INTEGER NOT NULL,
		currency TEXT NOT NULL,
		token TEXT NOT NULL,
		chain TEXT NOT NULL,
		sender TEXT NOT NULL,
		recipient TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		validation_id TEXT NOT NULL DEFAULT '',
		trust_score INTEGER NOT NULL DEFAULT 0,
		attempt INTEGER NOT NULL DEFAULT 0,
		nonce TEXT NOT NULL DEFAULT '',
		signature TEXT NOT NULL DEFAULT '',
		settlement_tx TEXT NOT NULL DEFAULT '',
		receipt JSON,
		failure_reason TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL
	);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return err
	}
	// tables created before settlement_tx existed
	_, err := s.db.ExecContext(context.Background(),
		`ALTER TABLE intents ADD COLUMN settlement_tx TEXT NOT NULL DEFAULT ''`)
	if err != nil && !strings.Contains(err.Error(), "duplicate column") {
		return fmt.Errorf("failed to migrate intents: %w", err)
	}
	_, err = s.db.ExecContext(context.Background(),
		`CREATE INDEX IF NOT EXISTS idx_intents_status ON intents (status, created_at)`)
	return err
}

const intentColumns = `id, url, amount, currency, token, chain, sender, recipient, status,
	created_at, expires_at, updated_at, validation_id, trust_score, attempt, nonce,
	signature, settlement_tx, receipt, failure_reason, version`

func (s *SQLiteStore) Insert(ctx context.Context, p *types.PaymentIntent) error {
	receipt, err := encodeReceipt(p.Receipt)
	if err != nil {
		return err
	}
	query := `INSERT INTO intents (` + intentColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		p.ID, p.URL, p.Amount, p.Currency, p.Token, p.Chain, p.Sender, p.Recipient, string(p.Status),
		formatTime(p.CreatedAt), formatTime(p.ExpiresAt), formatTime(p.UpdatedAt),
		p.ValidationID, p.TrustScore, p.Attempt, p.Nonce, p.Signature, p.SettlementTx, receipt, p.FailureReason, p.Version,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return conflict(p.ID)
		}
		return fmt.Errorf("failed to insert intent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*types.PaymentIntent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE id = ?`, id)
	p, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	return p, err
}

func (s *SQLiteStore) Update(ctx context.Context, p *types.PaymentIntent, expected int64) error {
	receipt, err := encodeReceipt(p.Receipt)
	if err != nil {
		return err
	}
	query := `UPDATE intents SET
		status = ?, updated_at = ?, attempt = ?, nonce = ?, signature = ?,
		settlement_tx = ?, receipt = ?, failure_reason = ?, version = ?
	WHERE id = ? AND version = ?`
	res, err := s.db.ExecContext(ctx, query,
		string(p.Status), formatTime(p.UpdatedAt), p.Attempt, p.Nonce, p.Signature,
		p.SettlementTx, receipt, p.FailureReason, p.Version,
		p.ID, expected,
	)
	if err != nil {
		return fmt.Errorf("failed to update intent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Get(ctx, p.ID); err != nil {
			return err
		}
		return conflict(p.ID)
	}
	return nil
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, status types.IntentStatus, limit int) ([]*types.PaymentIntent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+intentColumns+` FROM intents WHERE status = ? ORDER BY created_at LIMIT ?`,
		string(status), limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*types.PaymentIntent
	for rows.Next() {
		p, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row rowScanner) (*types.PaymentIntent, error) {
	var (
		p                              types.PaymentIntent
		status                         string
		createdAt, expiresAt, updateAt string
		receipt                        sql.NullString
	)
	err := row.Scan(
		&p.ID, &p.URL, &p.Amount, &p.Currency, &p.Token, &p.Chain, &p.Sender, &p.Recipient, &status,
		&createdAt, &expiresAt, &updateAt, &p.ValidationID, &p.TrustScore, &p.Attempt, &p.Nonce,
		&p.Signature, &p.SettlementTx, &receipt, &p.FailureReason, &p.Version,
	)
	if err != nil {
		return nil, err
	}
	p.Status = types.IntentStatus(status)
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updateAt); err != nil {
		return nil, err
	}
	if receipt.Valid && receipt.String != "" {
		var r types.Receipt
		if err := json.Unmarshal([]byte(receipt.String), &r); err != nil {
			return nil, fmt.Errorf("failed to decode receipt: %w", err)
		}
		p.Receipt = &r
	}
	return &p, nil
}

func encodeReceipt(r *types.Receipt) (any, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode receipt: %w", err)
	}
	return string(b), nil
}

// timeLayout is fixed width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
