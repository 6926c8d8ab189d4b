package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, order_id, reason, description, initiated_by, status,
	proposed_resolution, resolution_notes, user_confirmed, merchant_confirmed,
	created_at, updated_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.OrderID, d.Reason, nullString(d.Description), d.InitiatedBy,
		string(d.Status), nullString(string(d.ProposedResolution)),
		nullString(d.ResolutionNotes), d.UserConfirmed, d.MerchantConfirmed,
		d.CreatedAt, d.UpdatedAt, nullTime(d.ResolvedAt))
	if err != nil {
		return fmt.Errorf("failed to insert dispute: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	return scanDispute(row)
}

func (p *PostgresStore) GetActiveByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE order_id = $1 AND status != 'resolved'
		ORDER BY created_at DESC LIMIT 1`, orderID)
	return scanDispute(row)
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $2, proposed_resolution = $3, resolution_notes = $4,
			user_confirmed = $5, merchant_confirmed = $6,
			updated_at = $7, resolved_at = $8
		WHERE id = $1`,
		d.ID, string(d.Status), nullString(string(d.ProposedResolution)),
		nullString(d.ResolutionNotes), d.UserConfirmed, d.MerchantConfirmed,
		d.UpdatedAt, nullTime(d.ResolvedAt))
	if err != nil {
		return fmt.Errorf("failed to update dispute: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list disputes: %w", err)
	}
	defer rows.Close()

	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDispute(s scanner) (*Dispute, error) {
	var d Dispute
	var status, description, proposed, notes sql.NullString
	var resolvedAt sql.NullTime

	err := s.Scan(&d.ID, &d.OrderID, &d.Reason, &description, &d.InitiatedBy,
		&status, &proposed, &notes, &d.UserConfirmed, &d.MerchantConfirmed,
		&d.CreatedAt, &d.UpdatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan dispute: %w", err)
	}

	d.Status = Status(status.String)
	d.Description = description.String
	d.ProposedResolution = Resolution(proposed.String)
	d.ResolutionNotes = notes.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return &d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
