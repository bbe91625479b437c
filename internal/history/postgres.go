package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/txrisk/internal/risk"
)

// PostgresStore persists history in PostgreSQL. The schema lives in
// migrations/ (user_accounts, user_transactions).
type PostgresStore struct {
	db   *sql.DB
	opts options
}

// NewPostgresStore creates a PostgreSQL-backed history store.
func NewPostgresStore(db *sql.DB, opts ...Option) *PostgresStore {
	return &PostgresStore{db: db, opts: buildOptions(opts)}
}

func (s *PostgresStore) Append(ctx context.Context, userID string, tx risk.TxSummary) error {
	if err := Validate(userID, tx); err != nil {
		return err
	}
	userID = strings.ToLower(userID)
	if tx.Timestamp == 0 {
		tx.Timestamp = s.opts.now().UnixMilli()
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO user_accounts (user_id, created_at, total_volume, tx_count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (user_id) DO UPDATE
		SET total_volume = user_accounts.total_volume + EXCLUDED.total_volume,
		    tx_count     = user_accounts.tx_count + 1
	`, userID, s.opts.now(), tx.AmountUSD)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}

	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO user_transactions (user_id, recipient, amount_usd, occurred_at_ms)
		VALUES ($1, $2, $3, $4)
	`, userID, tx.Recipient, tx.AmountUSD, tx.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}

	return dbTx.Commit()
}

// OpenAccount records an account creation time. Existing accounts keep
// their original creation time.
func (s *PostgresStore) OpenAccount(ctx context.Context, userID string, createdAt time.Time) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUser
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_accounts (user_id, created_at) VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, strings.ToLower(userID), createdAt)
	if err != nil {
		return fmt.Errorf("failed to open account: %w", err)
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, userID string) (*risk.UserHistory, error) {
	userID = strings.ToLower(userID)
	now := s.opts.now()

	var (
		createdAt time.Time
		volume    float64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT created_at, total_volume FROM user_accounts WHERE user_id = $1
	`, userID).Scan(&createdAt, &volume)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot(nil, nil, 0, time.Time{}, now), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT recipient, amount_usd, occurred_at_ms
		FROM user_transactions
		WHERE user_id = $1
		ORDER BY occurred_at_ms DESC
		LIMIT $2
	`, userID, MaxSnapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var txs []risk.TxSummary
	for rows.Next() {
		var t risk.TxSummary
		if err := rows.Scan(&t.Recipient, &t.AmountUSD, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	known, err := s.recipients(ctx, userID)
	if err != nil {
		return nil, err
	}
	return Snapshot(txs, known, volume, createdAt, now), nil
}

// recipients lists every payee of userID in first-payment order, including
// those older than the snapshot window.
func (s *PostgresStore) recipients(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT recipient
		FROM user_transactions
		WHERE user_id = $1 AND recipient <> ''
		GROUP BY recipient
		ORDER BY MIN(occurred_at_ms), recipient
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load recipients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
