package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists order data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, side, status, crypto_amount, fiat_amount, fiat_currency, rate, payment_method,
			user_id, merchant_id,
			escrow_trade_id, escrow_trade_addr, escrow_addr, escrow_creator_wallet, acceptor_wallet,
			escrow_tx_hash, release_tx_hash, refund_tx_hash,
			extension_count, max_extensions, extension_requested_by,
			needs_review, review_reason,
			created_at, updated_at, expires_at,
			accepted_at, escrowed_at, payment_sent_at, completed_at, cancelled_at
		) VALUES (
			$1, $2, $3, $4::NUMERIC(20,6), $5::NUMERIC(20,2), $6, $7::NUMERIC(20,8), $8,
			$9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, $18,
			$19, $20, $21,
			$22, $23,
			$24, $25, $26,
			$27, $28, $29, $30, $31
		)`,
		o.ID, string(o.Side), string(o.Status), o.CryptoAmount, o.FiatAmount, o.FiatCurrency, o.Rate, string(o.PaymentMethod),
		o.UserID, o.MerchantID,
		nullTradeID(o.EscrowTradeID), nullString(o.EscrowTradeAddr), nullString(o.EscrowAddr),
		nullString(o.EscrowCreatorWallet), nullString(o.AcceptorWallet),
		nullString(o.EscrowTxHash), nullString(o.ReleaseTxHash), nullString(o.RefundTxHash),
		o.ExtensionCount, o.MaxExtensions, nullString(o.ExtensionRequestedBy),
		o.NeedsReview, nullString(o.ReviewReason),
		o.CreatedAt, o.UpdatedAt, o.ExpiresAt,
		nullTime(o.AcceptedAt), nullTime(o.EscrowedAt), nullTime(o.PaymentSentAt),
		nullTime(o.CompletedAt), nullTime(o.CancelledAt),
	)
	return err
}

const orderColumns = `id, side, status, crypto_amount, fiat_amount, fiat_currency, rate, payment_method,
		user_id, merchant_id,
		escrow_trade_id, escrow_trade_addr, escrow_addr, escrow_creator_wallet, acceptor_wallet,
		escrow_tx_hash, release_tx_hash, refund_tx_hash,
		extension_count, max_extensions, extension_requested_by,
		needs_review, review_reason,
		created_at, updated_at, expires_at,
		accepted_at, escrowed_at, payment_sent_at, completed_at, cancelled_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

// milestoneColumn maps a target status to the timestamp column it stamps.
var milestoneColumn = map[Status]string{
	StatusAccepted:    "accepted_at",
	StatusEscrowed:    "escrowed_at",
	StatusPaymentSent: "payment_sent_at",
	StatusCompleted:   "completed_at",
	StatusCancelled:   "cancelled_at",
	StatusExpired:     "cancelled_at",
}

func (p *PostgresStore) TransitionStatus(ctx context.Context, id string, from, to Status) (*Order, error) {
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return p.setStatus(ctx, id, from, to)
}

func (p *PostgresStore) CorrectStatus(ctx context.Context, id string, from, to Status) (*Order, error) {
	return p.setStatus(ctx, id, from, to)
}

func (p *PostgresStore) setStatus(ctx context.Context, id string, from, to Status) (*Order, error) {
	query := `UPDATE orders SET status = $1, updated_at = $2`
	if col, ok := milestoneColumn[to]; ok {
		query += `, ` + col + ` = $2`
	}
	query += ` WHERE id = $3 AND status = $4`

	now := time.Now().UTC()
	result, err := p.db.ExecContext(ctx, query, string(to), now, id, string(from))
	if err != nil {
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		// Distinguish a missing order from a concurrent transition
		current, err := p.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: expected %s, found %s", ErrStaleStatus, from, current.Status)
	}

	return p.Get(ctx, id)
}

func (p *PostgresStore) UpdateAcceptance(ctx context.Context, id, acceptorWallet string) (*Order, error) {
	now := time.Now().UTC()
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $1, acceptor_wallet = $2, accepted_at = $3, updated_at = $3
		WHERE id = $4 AND status = $5`,
		string(StatusAccepted), acceptorWallet, now, id, string(StatusPending),
	)
	if err != nil {
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		current, err := p.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: expected %s, found %s", ErrStaleStatus, StatusPending, current.Status)
	}

	return p.Get(ctx, id)
}

func (p *PostgresStore) RecordEscrowRefs(ctx context.Context, id string, refs EscrowRefs) error {
	now := time.Now().UTC()
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			escrow_trade_id = $1, escrow_trade_addr = $2, escrow_addr = $3,
			escrow_creator_wallet = $4, updated_at = $5
		WHERE id = $6 AND escrow_trade_addr IS NULL`,
		nullTradeID(refs.TradeID), refs.TradeAddr, refs.EscrowAddr, refs.CreatorWallet, now, id,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		current, err := p.Get(ctx, id)
		if err != nil {
			return err
		}
		if current.EscrowTradeID == refs.TradeID && current.EscrowTradeAddr == refs.TradeAddr {
			return nil // idempotent re-record of the same identity
		}
		return ErrEscrowRefsSet
	}
	return nil
}

func (p *PostgresStore) RecordSettlementTx(ctx context.Context, id string, kind TxKind, txHash string) error {
	var query string
	switch kind {
	case TxLock:
		query = `UPDATE orders SET escrow_tx_hash = $1, updated_at = $2
			WHERE id = $3 AND escrow_tx_hash IS NULL`
	case TxRelease:
		query = `UPDATE orders SET release_tx_hash = $1, updated_at = $2
			WHERE id = $3 AND release_tx_hash IS NULL AND refund_tx_hash IS NULL`
	case TxRefund:
		query = `UPDATE orders SET refund_tx_hash = $1, updated_at = $2
			WHERE id = $3 AND refund_tx_hash IS NULL AND release_tx_hash IS NULL`
	default:
		return fmt.Errorf("unknown settlement tx kind %q", kind)
	}

	result, err := p.db.ExecContext(ctx, query, txHash, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		current, err := p.Get(ctx, id)
		if err != nil {
			return err
		}
		switch kind {
		case TxLock:
			if current.EscrowTxHash == txHash {
				return nil
			}
		case TxRelease:
			if current.ReleaseTxHash == txHash {
				return nil
			}
			if current.RefundTxHash != "" {
				return ErrTxConflict
			}
		case TxRefund:
			if current.RefundTxHash == txHash {
				return nil
			}
			if current.ReleaseTxHash != "" {
				return ErrTxConflict
			}
		}
		return ErrTxAlreadyRecorded
	}
	return nil
}

func (p *PostgresStore) SetExtensionPending(ctx context.Context, id, requestedBy string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET extension_requested_by = $1, updated_at = $2
		WHERE id = $3 AND extension_requested_by IS NULL AND extension_count < max_extensions`,
		requestedBy, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		current, err := p.Get(ctx, id)
		if err != nil {
			return err
		}
		if current.ExtensionRequestedBy != "" {
			return ErrExtensionPending
		}
		return ErrExtensionLimit
	}
	return nil
}

func (p *PostgresStore) ApplyExtension(ctx context.Context, id string, newExpiry time.Time) (*Order, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			extension_count = extension_count + 1,
			expires_at = $1,
			extension_requested_by = NULL,
			updated_at = $2
		WHERE id = $3 AND extension_requested_by IS NOT NULL AND extension_count < max_extensions`,
		newExpiry, time.Now().UTC(), id,
	)
	if err != nil {
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		current, err := p.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.ExtensionRequestedBy == "" {
			return nil, ErrNoExtensionPending
		}
		return nil, ErrExtensionLimit
	}

	return p.Get(ctx, id)
}

func (p *PostgresStore) ClearExtensionPending(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET extension_requested_by = NULL, updated_at = $1
		WHERE id = $2`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (p *PostgresStore) FlagReview(ctx context.Context, id, reason string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET needs_review = TRUE, review_reason = $1, updated_at = $2
		WHERE id = $3`,
		reason, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (p *PostgresStore) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE escrow_trade_addr IS NOT NULL
		  AND release_tx_hash IS NULL
		  AND refund_tx_hash IS NULL
		  AND status NOT IN ('completed', 'cancelled', 'expired')
		  AND updated_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

func (p *PostgresStore) ListExpiring(ctx context.Context, before time.Time, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status IN ('pending', 'accepted', 'escrow_pending')
		  AND escrow_trade_addr IS NULL
		  AND expires_at < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

func (p *PostgresStore) ListByParticipant(ctx context.Context, participantID string, limit int, opts ...ListOption) ([]*Order, error) {
	lo := applyListOpts(opts)

	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE (user_id = $1 OR merchant_id = $1)`
	args := []interface{}{participantID}

	if lo.cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, lo.cursor.CreatedAt, lo.cursor.ID)
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		side                 string
		status               string
		paymentMethod        string
		escrowTradeID        sql.NullInt64
		escrowTradeAddr      sql.NullString
		escrowAddr           sql.NullString
		escrowCreatorWallet  sql.NullString
		acceptorWallet       sql.NullString
		escrowTxHash         sql.NullString
		releaseTxHash        sql.NullString
		refundTxHash         sql.NullString
		extensionRequestedBy sql.NullString
		reviewReason         sql.NullString
		acceptedAt           sql.NullTime
		escrowedAt           sql.NullTime
		paymentSentAt        sql.NullTime
		completedAt          sql.NullTime
		cancelledAt          sql.NullTime
	)

	err := s.Scan(
		&o.ID, &side, &status, &o.CryptoAmount, &o.FiatAmount, &o.FiatCurrency, &o.Rate, &paymentMethod,
		&o.UserID, &o.MerchantID,
		&escrowTradeID, &escrowTradeAddr, &escrowAddr, &escrowCreatorWallet, &acceptorWallet,
		&escrowTxHash, &releaseTxHash, &refundTxHash,
		&o.ExtensionCount, &o.MaxExtensions, &extensionRequestedBy,
		&o.NeedsReview, &reviewReason,
		&o.CreatedAt, &o.UpdatedAt, &o.ExpiresAt,
		&acceptedAt, &escrowedAt, &paymentSentAt, &completedAt, &cancelledAt,
	)
	if err != nil {
		return nil, err
	}

	o.Side = Side(side)
	o.Status = Status(status)
	o.PaymentMethod = PaymentMethod(paymentMethod)
	if escrowTradeID.Valid {
		o.EscrowTradeID = uint64(escrowTradeID.Int64)
	}
	o.EscrowTradeAddr = escrowTradeAddr.String
	o.EscrowAddr = escrowAddr.String
	o.EscrowCreatorWallet = escrowCreatorWallet.String
	o.AcceptorWallet = acceptorWallet.String
	o.EscrowTxHash = escrowTxHash.String
	o.ReleaseTxHash = releaseTxHash.String
	o.RefundTxHash = refundTxHash.String
	o.ExtensionRequestedBy = extensionRequestedBy.String
	o.ReviewReason = reviewReason.String
	if acceptedAt.Valid {
		o.AcceptedAt = &acceptedAt.Time
	}
	if escrowedAt.Valid {
		o.EscrowedAt = &escrowedAt.Time
	}
	if paymentSentAt.Valid {
		o.PaymentSentAt = &paymentSentAt.Time
	}
	if completedAt.Valid {
		o.CompletedAt = &completedAt.Time
	}
	if cancelledAt.Valid {
		o.CancelledAt = &cancelledAt.Time
	}

	return o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
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

// nullTradeID treats trade ID zero as unset.
func nullTradeID(id uint64) sql.NullInt64 {
	if id == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(id), Valid: true}
}
