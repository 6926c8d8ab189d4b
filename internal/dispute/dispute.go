// Package dispute implements the escalation workflow for contested
// trades.
//
// Flow:
//  1. Either party opens a dispute → order frozen in disputed
//  2. Arbiter proposes a resolution → pending_confirmation
//  3. Both parties accept → finalized on the ledger
//  4. Either party rejects → back to arbiter review (no auto-reverse)
//
// Finalization is the only step that touches the ledger, and it must be
// safely re-triggerable: both confirmations are durably recorded before
// any ledger call, so a failed call leaves the dispute in
// pending_confirmation for retry.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fiatbridge/fiatbridge/internal/chain"
	"github.com/fiatbridge/fiatbridge/internal/idgen"
	"github.com/fiatbridge/fiatbridge/internal/order"
)

var (
	ErrDisputeNotFound    = errors.New("dispute not found")
	ErrDisputeOpen        = errors.New("order already has an open dispute")
	ErrInvalidState       = errors.New("invalid dispute status for this operation")
	ErrUnauthorized       = errors.New("not authorized for this dispute operation")
	ErrInvalidResolution  = errors.New("invalid resolution")
	ErrOrderNotDisputable = errors.New("order cannot be disputed in its current status")
)

// Status represents the state of a dispute.
type Status string

const (
	StatusOpen                Status = "open"                 // Raised, waiting for arbiter proposal
	StatusPendingConfirmation Status = "pending_confirmation" // Proposal out, waiting for both parties
	StatusResolved            Status = "resolved"             // Finalized
)

// Resolution is the arbiter's proposed outcome.
type Resolution string

const (
	ResolutionRefund  Resolution = "refund_depositor"
	ResolutionRelease Resolution = "release_counterparty"
	// ResolutionSplit is settled off-ledger by the operator; both-party
	// acceptance flags the order for manual settlement instead of an
	// automatic ledger call.
	ResolutionSplit Resolution = "split"
)

func (r Resolution) valid() bool {
	switch r {
	case ResolutionRefund, ResolutionRelease, ResolutionSplit:
		return true
	}
	return false
}

// Dispute tracks one escalation on an order.
type Dispute struct {
	ID                 string     `json:"id"`
	OrderID            string     `json:"orderId"`
	Reason             string     `json:"reason"`
	Description        string     `json:"description,omitempty"`
	InitiatedBy        string     `json:"initiatedBy"`
	Status             Status     `json:"status"`
	ProposedResolution Resolution `json:"proposedResolution,omitempty"`
	ResolutionNotes    string     `json:"resolutionNotes,omitempty"`
	UserConfirmed      bool       `json:"userConfirmed"`
	MerchantConfirmed  bool       `json:"merchantConfirmed"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
	ResolvedAt         *time.Time `json:"resolvedAt,omitempty"`
}

// BothConfirmed reports whether finalization may fire.
func (d *Dispute) BothConfirmed() bool {
	return d.UserConfirmed && d.MerchantConfirmed
}

// Store persists dispute records.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetActiveByOrder(ctx context.Context, orderID string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error)
}

// Finalizer applies a ledger resolution to a disputed order. Satisfied
// by the settlement coordinator.
type Finalizer interface {
	ResolveOnLedger(ctx context.Context, orderID string, resolution chain.Resolution) (*order.Order, error)
}

// Service implements the dispute workflow.
type Service struct {
	store     Store
	orders    order.Store
	finalizer Finalizer
	notifier  order.Notifier
	arbiterID string
	logger    *slog.Logger
}

// NewService creates a dispute service. arbiterID is the only identity
// allowed to propose resolutions; empty disables the check (tests,
// single-operator deployments).
func NewService(store Store, orders order.Store, finalizer Finalizer, arbiterID string, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		orders:    orders,
		finalizer: finalizer,
		arbiterID: arbiterID,
		logger:    logger,
	}
}

// WithNotifier adds a status-change event sink.
func (s *Service) WithNotifier(n order.Notifier) *Service {
	s.notifier = n
	return s
}

// Open escalates an order into a dispute. Legal only from active order
// states; freezes party-driven transitions until resolution.
func (s *Service) Open(ctx context.Context, orderID, initiator, reason, description string) (*Dispute, error) {
	if reason == "" {
		return nil, errors.New("reason is required")
	}

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.IsParticipant(initiator) {
		return nil, ErrUnauthorized
	}
	if !o.Status.CanDispute() {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotDisputable, o.Status)
	}

	if existing, err := s.store.GetActiveByOrder(ctx, orderID); err == nil && existing != nil {
		return nil, ErrDisputeOpen
	}

	prev := o.Status
	if _, err := s.orders.TransitionStatus(ctx, orderID, prev, order.StatusDisputed); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	d := &Dispute{
		ID:          idgen.WithPrefix("dsp_"),
		OrderID:     orderID,
		Reason:      reason,
		Description: description,
		InitiatedBy: initiator,
		Status:      StatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to create dispute record: %w", err)
	}

	s.logger.Info("dispute opened",
		"disputeId", d.ID, "orderId", orderID, "initiator", initiator, "reason", reason)
	if s.notifier != nil {
		updated, gerr := s.orders.Get(ctx, orderID)
		if gerr == nil {
			s.notifier.NotifyStatusChange(ctx, updated, prev, map[string]string{"disputeId": d.ID})
		}
	}
	return d, nil
}

// ProposeResolution records the arbiter's proposal and moves the dispute
// to pending_confirmation. Re-proposing after a rejection is the normal
// path, not an error.
func (s *Service) ProposeResolution(ctx context.Context, disputeID, arbiterID string, resolution Resolution, notes string) (*Dispute, error) {
	if s.arbiterID != "" && arbiterID != s.arbiterID {
		return nil, ErrUnauthorized
	}
	if !resolution.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidResolution, resolution)
	}

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, d.Status)
	}

	d.Status = StatusPendingConfirmation
	d.ProposedResolution = resolution
	d.ResolutionNotes = notes
	d.UserConfirmed = false
	d.MerchantConfirmed = false
	d.UpdatedAt = time.Now().UTC()

	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	s.logger.Info("resolution proposed",
		"disputeId", d.ID, "orderId", d.OrderID, "resolution", resolution)
	return d, nil
}

// Respond records a party's accept/reject of the proposed resolution.
// Finalization fires automatically once both parties accept; a single
// reject returns the dispute to arbiter review.
func (s *Service) Respond(ctx context.Context, disputeID, responder string, accept bool) (*Dispute, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusPendingConfirmation {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, d.Status)
	}

	o, err := s.orders.Get(ctx, d.OrderID)
	if err != nil {
		return nil, err
	}
	if !o.IsParticipant(responder) {
		return nil, ErrUnauthorized
	}

	if !accept {
		// Rejection is a valid workflow state, not an error. Back to
		// arbiter review; nothing auto-finalizes, nothing auto-reverses.
		d.Status = StatusOpen
		d.ProposedResolution = ""
		d.ResolutionNotes = ""
		d.UserConfirmed = false
		d.MerchantConfirmed = false
		d.UpdatedAt = time.Now().UTC()
		if err := s.store.Update(ctx, d); err != nil {
			return nil, err
		}
		s.logger.Info("resolution rejected, returned to arbiter review",
			"disputeId", d.ID, "orderId", d.OrderID, "rejectedBy", responder)
		return d, nil
	}

	if responder == o.UserID {
		d.UserConfirmed = true
	} else {
		d.MerchantConfirmed = true
	}
	d.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	if !d.BothConfirmed() {
		return d, nil
	}
	return s.finalize(ctx, d)
}

// ForceResolve lets the arbiter override the both-party requirement and
// finalize directly.
func (s *Service) ForceResolve(ctx context.Context, disputeID, arbiterID string) (*Dispute, error) {
	if s.arbiterID != "" && arbiterID != s.arbiterID {
		return nil, ErrUnauthorized
	}

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusPendingConfirmation {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, d.Status)
	}
	return s.finalize(ctx, d)
}

// finalize applies the resolution. Both confirmations (or the arbiter
// override) are already durably recorded, so this is safe to re-trigger
// after a ledger failure: the dispute stays pending_confirmation until
// the ledger call and local writes succeed.
func (s *Service) finalize(ctx context.Context, d *Dispute) (*Dispute, error) {
	switch d.ProposedResolution {
	case ResolutionSplit:
		// Off-ledger remedy: hand the order to the operator
		if err := s.orders.FlagReview(ctx, d.OrderID, "dispute resolved as split; settle manually"); err != nil {
			return nil, fmt.Errorf("failed to flag split resolution: %w", err)
		}
	case ResolutionRefund, ResolutionRelease:
		resolution := chain.ResolutionRefundDepositor
		if d.ProposedResolution == ResolutionRelease {
			resolution = chain.ResolutionReleaseCounterparty
		}
		if _, err := s.finalizer.ResolveOnLedger(ctx, d.OrderID, resolution); err != nil {
			s.logger.Warn("dispute finalization failed, left pending for retry",
				"disputeId", d.ID, "orderId", d.OrderID, "error", err)
			return nil, fmt.Errorf("failed to finalize dispute: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidResolution, d.ProposedResolution)
	}

	now := time.Now().UTC()
	d.Status = StatusResolved
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		// The ledger side is done and idempotent to re-trigger; the next
		// Respond/ForceResolve retry will land here again.
		return nil, fmt.Errorf("failed to mark dispute resolved: %w", err)
	}

	s.logger.Info("dispute finalized",
		"disputeId", d.ID, "orderId", d.OrderID, "resolution", d.ProposedResolution)
	return d, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// GetByOrder returns the active dispute on an order, if any.
func (s *Service) GetByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	return s.store.GetActiveByOrder(ctx, orderID)
}
