package order

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	orders map[string]*Order
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*Order),
	}
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) TransitionStatus(_ context.Context, id string, from, to Status) (*Order, error) {
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.Status != from {
		return nil, fmt.Errorf("%w: expected %s, found %s", ErrStaleStatus, from, o.Status)
	}

	now := time.Now().UTC()
	o.Status = to
	o.UpdatedAt = now
	stampTransition(o, to, now)

	cp := *o
	return &cp, nil
}

func (m *MemoryStore) CorrectStatus(_ context.Context, id string, from, to Status) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.Status != from {
		return nil, fmt.Errorf("%w: expected %s, found %s", ErrStaleStatus, from, o.Status)
	}

	now := time.Now().UTC()
	o.Status = to
	o.UpdatedAt = now
	stampTransition(o, to, now)

	cp := *o
	return &cp, nil
}

// stampTransition sets the milestone timestamp matching the new status.
func stampTransition(o *Order, to Status, now time.Time) {
	switch to {
	case StatusAccepted:
		o.AcceptedAt = &now
	case StatusEscrowed:
		o.EscrowedAt = &now
	case StatusPaymentSent:
		o.PaymentSentAt = &now
	case StatusCompleted:
		o.CompletedAt = &now
	case StatusCancelled, StatusExpired:
		o.CancelledAt = &now
	}
}

func (m *MemoryStore) UpdateAcceptance(_ context.Context, id, acceptorWallet string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.Status != StatusPending {
		return nil, fmt.Errorf("%w: expected %s, found %s", ErrStaleStatus, StatusPending, o.Status)
	}

	now := time.Now().UTC()
	o.Status = StatusAccepted
	o.AcceptorWallet = acceptorWallet
	o.AcceptedAt = &now
	o.UpdatedAt = now

	cp := *o
	return &cp, nil
}

func (m *MemoryStore) RecordEscrowRefs(_ context.Context, id string, refs EscrowRefs) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	if o.EscrowTradeAddr != "" {
		if o.EscrowTradeID == refs.TradeID && o.EscrowTradeAddr == refs.TradeAddr {
			return nil // idempotent re-record of the same identity
		}
		return ErrEscrowRefsSet
	}

	o.EscrowTradeID = refs.TradeID
	o.EscrowTradeAddr = refs.TradeAddr
	o.EscrowAddr = refs.EscrowAddr
	o.EscrowCreatorWallet = refs.CreatorWallet
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) RecordSettlementTx(_ context.Context, id string, kind TxKind, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}

	switch kind {
	case TxLock:
		if o.EscrowTxHash != "" {
			if o.EscrowTxHash == txHash {
				return nil
			}
			return ErrTxAlreadyRecorded
		}
		o.EscrowTxHash = txHash
	case TxRelease:
		if o.RefundTxHash != "" {
			return ErrTxConflict
		}
		if o.ReleaseTxHash != "" {
			if o.ReleaseTxHash == txHash {
				return nil
			}
			return ErrTxAlreadyRecorded
		}
		o.ReleaseTxHash = txHash
	case TxRefund:
		if o.ReleaseTxHash != "" {
			return ErrTxConflict
		}
		if o.RefundTxHash != "" {
			if o.RefundTxHash == txHash {
				return nil
			}
			return ErrTxAlreadyRecorded
		}
		o.RefundTxHash = txHash
	default:
		return fmt.Errorf("unknown settlement tx kind %q", kind)
	}

	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) SetExtensionPending(_ context.Context, id, requestedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	if o.ExtensionRequestedBy != "" {
		return ErrExtensionPending
	}
	if o.ExtensionCount >= o.MaxExtensions {
		return ErrExtensionLimit
	}

	o.ExtensionRequestedBy = requestedBy
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ApplyExtension(_ context.Context, id string, newExpiry time.Time) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.ExtensionRequestedBy == "" {
		return nil, ErrNoExtensionPending
	}
	if o.ExtensionCount >= o.MaxExtensions {
		return nil, ErrExtensionLimit
	}

	o.ExtensionCount++
	o.ExpiresAt = newExpiry
	o.ExtensionRequestedBy = ""
	o.UpdatedAt = time.Now().UTC()

	cp := *o
	return &cp, nil
}

func (m *MemoryStore) ClearExtensionPending(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	o.ExtensionRequestedBy = ""
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) FlagReview(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	o.NeedsReview = true
	o.ReviewReason = reason
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListStuck(_ context.Context, cutoff time.Time, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.Status.IsTerminal() || !o.HasEscrowRefs() || o.HasSettlementTx() {
			continue
		}
		if !o.UpdatedAt.Before(cutoff) {
			continue
		}
		cp := *o
		result = append(result, &cp)
	}
	// Oldest stuck orders get priority attention
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListExpiring(_ context.Context, before time.Time, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if !o.Status.IsPreEscrow() || o.HasEscrowRefs() {
			continue
		}
		if !o.ExpiresAt.Before(before) {
			continue
		}
		cp := *o
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByParticipant(_ context.Context, participantID string, limit int, opts ...ListOption) ([]*Order, error) {
	lo := applyListOpts(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.UserID != participantID && o.MerchantID != participantID {
			continue
		}
		if lo.cursor != nil && !beforeCursor(o, lo.cursor.CreatedAt, lo.cursor.ID) {
			continue
		}
		cp := *o
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// beforeCursor reports whether o sorts strictly after the cursor position
// in the (created_at DESC, id DESC) listing order.
func beforeCursor(o *Order, createdAt time.Time, id string) bool {
	if o.CreatedAt.Equal(createdAt) {
		return o.ID < id
	}
	return o.CreatedAt.Before(createdAt)
}
