package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists webhook subscriptions in PostgreSQL. The schema is
// created by migrations/00003_webhooks.sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed webhook store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, owner, user_id, url, secret, events, min_severity, active,
	created_at, last_success, last_error, consecutive_failures`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	eventsJSON, err := json.Marshal(sub.Events)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, owner, user_id, url, secret, events, min_severity, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, sub.ID, sub.Owner, sub.UserID, sub.URL, sub.Secret, eventsJSON, sub.MinSeverity.String(), sub.Active, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create webhook: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM webhooks WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	return sub, err
}

func (p *PostgresStore) ListByOwner(ctx context.Context, owner string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhooks WHERE owner = $1 ORDER BY created_at DESC
	`, owner)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSubscriptions(rows)
}

func (p *PostgresStore) ListByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	eventsJSON, _ := json.Marshal([]string{string(eventType)})

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhooks
		WHERE active = TRUE AND events @> $1::jsonb
	`, string(eventsJSON))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSubscriptions(rows)
}

func (p *PostgresStore) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE webhooks SET
			last_success = $2,
			last_error = '',
			consecutive_failures = 0
		WHERE id = $1
	`, id, at)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// RecordFailure increments the streak in the UPDATE itself so concurrent
// deliveries to one subscription never lose a failure.
func (p *PostgresStore) RecordFailure(ctx context.Context, id, errMsg string, maxFailures int) (int, bool, error) {
	var (
		failures  int
		wasActive bool
		active    bool
	)
	err := p.db.QueryRowContext(ctx, `
		UPDATE webhooks w SET
			last_error = $2,
			consecutive_failures = w.consecutive_failures + 1,
			active = w.active AND ($3 <= 0 OR w.consecutive_failures + 1 < $3)
		FROM (SELECT id, active FROM webhooks WHERE id = $1 FOR UPDATE) prev
		WHERE w.id = prev.id
		RETURNING w.consecutive_failures, prev.active, w.active
	`, id, errMsg, maxFailures).Scan(&failures, &wasActive, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, ErrSubscriptionNotFound
	}
	if err != nil {
		return 0, false, err
	}
	return failures, wasActive && !active, nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (*Subscription, error) {
	sub := &Subscription{}
	var (
		eventsJSON  []byte
		severity    string
		lastSuccess sql.NullTime
		lastError   sql.NullString
	)
	if err := row.Scan(
		&sub.ID, &sub.Owner, &sub.UserID, &sub.URL, &sub.Secret, &eventsJSON, &severity,
		&sub.Active, &sub.CreatedAt, &lastSuccess, &lastError, &sub.ConsecutiveFailures,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(eventsJSON, &sub.Events); err != nil {
		return nil, err
	}
	if err := sub.MinSeverity.UnmarshalText([]byte(severity)); err != nil {
		return nil, err
	}
	if lastSuccess.Valid {
		sub.LastSuccess = &lastSuccess.Time
	}
	sub.LastError = lastError.String
	return sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
