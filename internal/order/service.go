package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/fiatbridge/fiatbridge/internal/chain"
	"github.com/fiatbridge/fiatbridge/internal/idgen"
	"github.com/fiatbridge/fiatbridge/internal/metrics"
	"github.com/fiatbridge/fiatbridge/internal/token"
	"github.com/fiatbridge/fiatbridge/internal/validation"
)

// DefaultExpiry is how long a new order waits for acceptance and escrow
// funding before the expiry timer may reap it.
const DefaultExpiry = 30 * time.Minute

// DefaultMaxExtensions bounds the extension negotiation per order.
const DefaultMaxExtensions = 2

// CreateRequest contains the parameters for creating an order.
type CreateRequest struct {
	Side          Side          `json:"side" binding:"required"`
	CryptoAmount  string        `json:"cryptoAmount" binding:"required"`
	FiatAmount    string        `json:"fiatAmount" binding:"required"`
	FiatCurrency  string        `json:"fiatCurrency" binding:"required"`
	Rate          string        `json:"rate" binding:"required"`
	PaymentMethod PaymentMethod `json:"paymentMethod" binding:"required"`
	UserID        string        `json:"userId" binding:"required"`
	MerchantID    string        `json:"merchantId" binding:"required"`
}

// Service implements order business logic up to the escrow boundary.
// Settlement actions (lock/release/refund) live in the settlement
// coordinator; this service never calls the ledger.
type Service struct {
	store         Store
	notifier      Notifier
	expiry        time.Duration
	maxExtensions int
	now           func() time.Time
}

// NewService creates a new order service.
func NewService(store Store) *Service {
	return &Service{
		store:         store,
		expiry:        DefaultExpiry,
		maxExtensions: DefaultMaxExtensions,
		now:           time.Now,
	}
}

// WithNotifier adds a status-change event sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithExpiry overrides the acceptance/funding deadline.
func (s *Service) WithExpiry(d time.Duration) *Service {
	if d > 0 {
		s.expiry = d
	}
	return s
}

// WithMaxExtensions overrides the per-order extension cap.
func (s *Service) WithMaxExtensions(n int) *Service {
	if n >= 0 {
		s.maxExtensions = n
	}
	return s
}

// Store exposes the underlying store to sibling coordinators.
func (s *Service) Store() Store { return s.store }

// Create validates and persists a new order in pending status.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	if req.Side != SideBuy && req.Side != SideSell {
		return nil, fmt.Errorf("invalid side %q", req.Side)
	}
	if req.PaymentMethod != PaymentBank && req.PaymentMethod != PaymentCash {
		return nil, fmt.Errorf("invalid payment method %q", req.PaymentMethod)
	}
	if req.UserID == req.MerchantID {
		return nil, errors.New("user and merchant cannot be the same participant")
	}

	cryptoRaw, ok := token.Parse(req.CryptoAmount)
	if !ok || cryptoRaw.Sign() <= 0 {
		return nil, fmt.Errorf("invalid crypto amount %q", req.CryptoAmount)
	}
	if errs := validation.Validate(
		validation.ValidFiatAmount("fiat_amount", req.FiatAmount),
	); len(errs) > 0 {
		return nil, errors.New(errs.Error())
	}
	fiat, err := decimal.NewFromString(req.FiatAmount)
	if err != nil {
		return nil, fmt.Errorf("invalid fiat amount %q", req.FiatAmount)
	}
	rate, err := decimal.NewFromString(req.Rate)
	if err != nil || !rate.IsPositive() {
		return nil, fmt.Errorf("invalid rate %q", req.Rate)
	}

	now := s.now().UTC()
	o := &Order{
		ID:            idgen.WithPrefix("ord_"),
		Side:          req.Side,
		Status:        StatusPending,
		CryptoAmount:  token.Format(cryptoRaw),
		FiatAmount:    fiat,
		FiatCurrency:  req.FiatCurrency,
		Rate:          rate,
		PaymentMethod: req.PaymentMethod,
		UserID:        req.UserID,
		MerchantID:    req.MerchantID,
		MaxExtensions: s.maxExtensions,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(s.expiry),
	}

	if err := s.store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	s.notify(ctx, o, "", nil)
	return o, nil
}

// Accept records the merchant's acceptance and wallet proof. When
// walletSig is supplied it must be the acceptor wallet's personal-sign
// signature over chain.AcceptanceChallenge(id), proving the merchant
// controls the payout address. An empty walletSig skips the check for
// clients that have not wired signing yet.
func (s *Service) Accept(ctx context.Context, id, merchantID, acceptorWallet, walletSig string) (*Order, error) {
	if !validation.IsValidWalletAddress(acceptorWallet) {
		return nil, fmt.Errorf("invalid acceptor wallet %q", validation.SanitizeString(acceptorWallet, 64))
	}
	if walletSig != "" {
		if err := chain.VerifyOwnership(common.HexToAddress(acceptorWallet), chain.AcceptanceChallenge(id), walletSig); err != nil {
			return nil, err
		}
	}

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.MerchantID != merchantID {
		return nil, ErrUnauthorized
	}
	if o.Status != StatusPending {
		return nil, fmt.Errorf("%w: cannot accept from %s", ErrInvalidTransition, o.Status)
	}

	updated, err := s.store.UpdateAcceptance(ctx, id, acceptorWallet)
	if err != nil {
		return nil, err
	}

	s.notify(ctx, updated, StatusPending, map[string]string{"acceptorWallet": acceptorWallet})
	return updated, nil
}

// MarkPaymentSent records the fiat sender's assertion that payment went
// out. Off-chain only; no ledger interaction.
func (s *Service) MarkPaymentSent(ctx context.Context, id, callerID string) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !o.IsParticipant(callerID) {
		return nil, ErrUnauthorized
	}
	// The fiat sender is the escrow counterparty
	if callerID != o.Counterparty() {
		return nil, ErrUnauthorized
	}
	if o.Status != StatusEscrowed && o.Status != StatusPaymentPending {
		return nil, fmt.Errorf("%w: cannot mark payment sent from %s", ErrInvalidTransition, o.Status)
	}

	updated, err := s.store.TransitionStatus(ctx, id, o.Status, StatusPaymentSent)
	if err != nil {
		return nil, err
	}

	s.notify(ctx, updated, o.Status, nil)
	return updated, nil
}

// Cancel terminates an order before any funds were locked. Funded orders
// must go through refund or dispute instead.
func (s *Service) Cancel(ctx context.Context, id, callerID string) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !o.IsParticipant(callerID) {
		return nil, ErrUnauthorized
	}
	if !o.Status.IsPreEscrow() || o.HasEscrowRefs() {
		return nil, ErrNotCancellable
	}

	updated, err := s.store.TransitionStatus(ctx, id, o.Status, StatusCancelled)
	if err != nil {
		return nil, err
	}

	s.notify(ctx, updated, o.Status, map[string]string{"cancelledBy": callerID})
	return updated, nil
}

// Expire moves a deadline-lapsed pre-escrow order to expired. Called by
// the expiry timer, never by a party action. An order that escrowed in
// the meantime is left alone.
func (s *Service) Expire(ctx context.Context, o *Order) error {
	fresh, err := s.store.Get(ctx, o.ID)
	if err != nil {
		return err
	}
	if !fresh.Status.IsPreEscrow() || fresh.HasEscrowRefs() {
		return nil
	}
	if fresh.ExpiresAt.After(s.now()) {
		return nil
	}

	updated, err := s.store.TransitionStatus(ctx, fresh.ID, fresh.Status, StatusExpired)
	if err != nil {
		if errors.Is(err, ErrStaleStatus) {
			return nil // raced with a party action, which wins
		}
		return err
	}

	s.notify(ctx, updated, fresh.Status, nil)
	return nil
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// ListByParticipant returns orders involving a participant.
func (s *Service) ListByParticipant(ctx context.Context, participantID string, limit int, opts ...ListOption) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParticipant(ctx, participantID, limit, opts...)
}

func (s *Service) notify(ctx context.Context, o *Order, previous Status, metadata map[string]string) {
	metrics.OrderTransitionsTotal.WithLabelValues(string(o.Status)).Inc()
	if s.notifier != nil {
		s.notifier.NotifyStatusChange(ctx, o, previous, metadata)
	}
}
