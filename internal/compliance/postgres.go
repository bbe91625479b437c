package compliance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PostgresStore persists compliance state in PostgreSQL. The schema is
// created by migrations/00004_compliance.sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed compliance store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) AddListing(ctx context.Context, l *Listing) error {
	if err := validateListing(l); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO address_listings (address, category, level, description, added_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (address) DO UPDATE SET
			category = EXCLUDED.category,
			level = EXCLUDED.level,
			description = EXCLUDED.description,
			added_at = EXCLUDED.added_at
	`, NormalizeAddress(l.Address), string(l.Category), l.Level.String(), l.Description, l.AddedAt)
	if err != nil {
		return fmt.Errorf("failed to add listing: %w", err)
	}
	return nil
}

func (p *PostgresStore) RemoveListing(ctx context.Context, addr string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM address_listings WHERE address = $1`, NormalizeAddress(addr))
	if err != nil {
		return fmt.Errorf("failed to remove listing: %w", err)
	}
	return expectOne(res)
}

func (p *PostgresStore) Whitelist(ctx context.Context, addr string, at time.Time) error {
	addr = NormalizeAddress(addr)
	if addr == "" {
		return ErrInvalidAddress
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO address_whitelist (address, whitelisted_at) VALUES ($1, $2)
		ON CONFLICT (address) DO NOTHING
	`, addr, at)
	if err != nil {
		return fmt.Errorf("failed to whitelist address: %w", err)
	}
	return nil
}

func (p *PostgresStore) RemoveWhitelist(ctx context.Context, addr string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM address_whitelist WHERE address = $1`, NormalizeAddress(addr))
	if err != nil {
		return fmt.Errorf("failed to remove whitelist entry: %w", err)
	}
	return expectOne(res)
}

func (p *PostgresStore) Screen(ctx context.Context, addr string) (Screening, error) {
	addr = NormalizeAddress(addr)
	s := Screening{Address: addr}

	var (
		category      sql.NullString
		level         sql.NullString
		description   sql.NullString
		addedAt       sql.NullTime
		whitelistedAt sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT l.category, l.level, l.description, l.added_at, w.whitelisted_at
		FROM (SELECT $1::varchar AS address) a
		LEFT JOIN address_listings l ON l.address = a.address
		LEFT JOIN address_whitelist w ON w.address = a.address
	`, addr).Scan(&category, &level, &description, &addedAt, &whitelistedAt)
	if err != nil {
		return s, fmt.Errorf("failed to screen address: %w", err)
	}

	if category.Valid {
		l := &Listing{
			Address:     addr,
			Category:    Category(category.String),
			Description: description.String,
			AddedAt:     addedAt.Time,
		}
		if err := l.Level.UnmarshalText([]byte(level.String)); err != nil {
			return s, err
		}
		s.Listing = l
	}
	if whitelistedAt.Valid {
		s.Whitelisted = true
		s.WhitelistedAt = &whitelistedAt.Time
	}
	return s, nil
}

func (p *PostgresStore) Block(ctx context.Context, b *Block) error {
	userID := strings.ToLower(strings.TrimSpace(b.UserID))
	if userID == "" {
		return ErrInvalidUser
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO blocked_users (user_id, reason, blocked_at) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET reason = EXCLUDED.reason, blocked_at = EXCLUDED.blocked_at
	`, userID, b.Reason, b.BlockedAt)
	if err != nil {
		return fmt.Errorf("failed to block user: %w", err)
	}
	return nil
}

func (p *PostgresStore) Unblock(ctx context.Context, userID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM blocked_users WHERE user_id = $1`,
		strings.ToLower(strings.TrimSpace(userID)))
	if err != nil {
		return fmt.Errorf("failed to unblock user: %w", err)
	}
	return expectOne(res)
}

func (p *PostgresStore) Blocked(ctx context.Context, userID string) (*Block, error) {
	b := &Block{}
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, reason, blocked_at FROM blocked_users WHERE user_id = $1
	`, strings.ToLower(strings.TrimSpace(userID))).Scan(&b.UserID, &b.Reason, &b.BlockedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load block: %w", err)
	}
	return b, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
