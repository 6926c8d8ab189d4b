package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresSubscriptionStore persists webhook subscriptions in PostgreSQL.
type PostgresSubscriptionStore struct {
	db *sql.DB
}

func NewPostgresSubscriptionStore(db *sql.DB) *PostgresSubscriptionStore {
	return &PostgresSubscriptionStore{db: db}
}

func (p *PostgresSubscriptionStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO event_subscriptions (id, url, secret, statuses, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sub.ID, sub.URL, sub.Secret, pq.Array(sub.Statuses), sub.Active, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

func (p *PostgresSubscriptionStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, url, secret, statuses, active, created_at
		FROM event_subscriptions WHERE id = $1`, id)
	return scanSubscription(row.Scan)
}

func (p *PostgresSubscriptionStore) List(ctx context.Context) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, url, secret, statuses, active, created_at
		FROM event_subscriptions ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (p *PostgresSubscriptionStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM event_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func scanSubscription(scan func(dest ...any) error) (*Subscription, error) {
	var sub Subscription
	err := scan(&sub.ID, &sub.URL, &sub.Secret, pq.Array(&sub.Statuses), &sub.Active, &sub.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	return &sub, nil
}

var _ SubscriptionStore = (*PostgresSubscriptionStore)(nil)
