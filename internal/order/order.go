// Package order owns the local trade record and its state machine.
//
// Flow:
//  1. User posts a trade intent → order created (pending)
//  2. Merchant accepts with a wallet proof → accepted
//  3. Seller side locks crypto in escrow → escrowed
//  4. Fiat moves out-of-band → payment_sent → payment_confirmed
//  5. Fiat recipient's confirmation releases the escrow → completed
//
// The order record is the single source of truth for what the application
// believes is happening; the ledger is the single source of truth for
// where the funds actually are. Everything else in this repository exists
// to keep the two in agreement.
package order

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fiatbridge/fiatbridge/internal/pagination"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrStaleStatus        = errors.New("order status changed concurrently")
	ErrUnauthorized       = errors.New("not authorized for this order operation")
	ErrNotCancellable     = errors.New("order can no longer be cancelled")
	ErrEscrowRefsSet      = errors.New("escrow references already recorded")
	ErrTxAlreadyRecorded  = errors.New("settlement tx already recorded")
	ErrTxConflict         = errors.New("conflicting settlement tx already recorded")
	ErrExtensionPending   = errors.New("an extension request is already pending")
	ErrNoExtensionPending = errors.New("no extension request is pending")
	ErrExtensionLimit     = errors.New("extension limit reached")
)

// Status represents the local lifecycle state of an order.
type Status string

const (
	StatusPending          Status = "pending"           // Created, waiting for merchant acceptance
	StatusAccepted         Status = "accepted"          // Merchant accepted, wallet proof captured
	StatusEscrowPending    Status = "escrow_pending"    // Lock requested, not yet confirmed on-chain
	StatusEscrowed         Status = "escrowed"          // Ledger confirmed the escrow lock
	StatusPaymentPending   Status = "payment_pending"   // Waiting for the fiat sender to act
	StatusPaymentSent      Status = "payment_sent"      // Fiat sender asserts payment went out
	StatusPaymentConfirmed Status = "payment_confirmed" // Fiat recipient confirmed receipt
	StatusReleasing        Status = "releasing"         // Release broadcast, awaiting local confirmation
	StatusCompleted        Status = "completed"         // Escrow released, trade done
	StatusCancelled        Status = "cancelled"         // Terminated before or via refund
	StatusExpired          Status = "expired"           // Deadline passed before escrow was funded
	StatusDisputed         Status = "disputed"          // A party escalated; settlement is frozen
)

// transitions is the status graph. Statuses never move backward except
// through the disputed branch and its resolution.
var transitions = map[Status][]Status{
	StatusPending:          {StatusAccepted, StatusCancelled, StatusExpired},
	StatusAccepted:         {StatusEscrowPending, StatusEscrowed, StatusCancelled, StatusExpired, StatusDisputed},
	StatusEscrowPending:    {StatusEscrowed, StatusCancelled, StatusExpired, StatusDisputed},
	StatusEscrowed:         {StatusPaymentPending, StatusPaymentSent, StatusCancelled, StatusDisputed},
	StatusPaymentPending:   {StatusPaymentSent, StatusCancelled, StatusDisputed},
	StatusPaymentSent:      {StatusPaymentConfirmed, StatusReleasing, StatusDisputed},
	StatusPaymentConfirmed: {StatusReleasing, StatusCompleted, StatusDisputed},
	StatusReleasing:        {StatusCompleted},
	StatusDisputed:         {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true for states that end the order's lifecycle.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// IsPreEscrow reports whether no funds could have been locked yet.
// Only these states may expire or be cancelled without a ledger call.
func (s Status) IsPreEscrow() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusEscrowPending:
		return true
	}
	return false
}

// CanDispute reports whether a party may still escalate from s.
func (s Status) CanDispute() bool {
	return CanTransition(s, StatusDisputed)
}

// Side is the trade direction from the user's perspective.
type Side string

const (
	SideBuy  Side = "buy"  // User buys crypto, merchant deposits escrow
	SideSell Side = "sell" // User sells crypto, user deposits escrow
)

// PaymentMethod is how the fiat leg moves.
type PaymentMethod string

const (
	PaymentBank PaymentMethod = "bank"
	PaymentCash PaymentMethod = "cash"
)

// TxKind identifies which settlement transaction a hash belongs to.
type TxKind string

const (
	TxLock    TxKind = "lock"
	TxRelease TxKind = "release"
	TxRefund  TxKind = "refund"
)

// EscrowRefs are the on-chain identity of an order's trade. Immutable
// once recorded: the trade record's identity never changes after
// creation.
type EscrowRefs struct {
	TradeID       uint64 `json:"tradeId"`
	TradeAddr     string `json:"tradeAddr"`
	EscrowAddr    string `json:"escrowAddr"`
	CreatorWallet string `json:"creatorWallet"`
}

// Order is the local record of a trade.
type Order struct {
	ID            string          `json:"id"`
	Side          Side            `json:"side"`
	Status        Status          `json:"status"`
	CryptoAmount  string          `json:"cryptoAmount"` // human-readable USDT
	FiatAmount    decimal.Decimal `json:"fiatAmount"`
	FiatCurrency  string          `json:"fiatCurrency"`
	Rate          decimal.Decimal `json:"rate"`
	PaymentMethod PaymentMethod   `json:"paymentMethod"`

	UserID     string `json:"userId"`
	MerchantID string `json:"merchantId"`

	// On-chain references
	EscrowTradeID       uint64 `json:"escrowTradeId,omitempty"`
	EscrowTradeAddr     string `json:"escrowTradeAddr,omitempty"`
	EscrowAddr          string `json:"escrowAddr,omitempty"`
	EscrowCreatorWallet string `json:"escrowCreatorWallet,omitempty"`
	AcceptorWallet      string `json:"acceptorWallet,omitempty"`

	// Settlement tx hashes. Release and refund are mutually exclusive
	// and each settable at most once.
	EscrowTxHash  string `json:"escrowTxHash,omitempty"`
	ReleaseTxHash string `json:"releaseTxHash,omitempty"`
	RefundTxHash  string `json:"refundTxHash,omitempty"`

	// Extension negotiation
	ExtensionCount       int    `json:"extensionCount"`
	MaxExtensions        int    `json:"maxExtensions"`
	ExtensionRequestedBy string `json:"extensionRequestedBy,omitempty"`

	// Reconciliation flags
	NeedsReview  bool   `json:"needsReview,omitempty"`
	ReviewReason string `json:"reviewReason,omitempty"`

	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	AcceptedAt    *time.Time `json:"acceptedAt,omitempty"`
	EscrowedAt    *time.Time `json:"escrowedAt,omitempty"`
	PaymentSentAt *time.Time `json:"paymentSentAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	CancelledAt   *time.Time `json:"cancelledAt,omitempty"`
}

// HasEscrowRefs reports whether an on-chain trade was ever created.
func (o *Order) HasEscrowRefs() bool {
	return o.EscrowTradeAddr != ""
}

// HasSettlementTx reports whether a terminal settlement already landed.
func (o *Order) HasSettlementTx() bool {
	return o.ReleaseTxHash != "" || o.RefundTxHash != ""
}

// Depositor returns the participant ID of whoever locked the escrow.
// On a sell order the user deposits; on a buy order the merchant does.
func (o *Order) Depositor() string {
	if o.Side == SideSell {
		return o.UserID
	}
	return o.MerchantID
}

// Counterparty returns the participant ID on the receiving end of the
// escrow.
func (o *Order) Counterparty() string {
	if o.Side == SideSell {
		return o.MerchantID
	}
	return o.UserID
}

// FiatRecipient returns the participant ID who receives the fiat leg,
// i.e. the crypto depositor.
func (o *Order) FiatRecipient() string {
	return o.Depositor()
}

// IsParticipant reports whether id is a party to this order.
func (o *Order) IsParticipant(id string) bool {
	return id != "" && (id == o.UserID || id == o.MerchantID)
}

// OtherParty returns the opposite participant of id.
func (o *Order) OtherParty(id string) string {
	if id == o.UserID {
		return o.MerchantID
	}
	return o.UserID
}

// Store persists order records. Every mutating method is a conditional
// write: it states what it expects the current record to look like and
// fails with a typed error when reality disagrees. That read-then-
// conditionally-write discipline is what serializes settlement actions
// per order.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)

	// TransitionStatus flips status from → to, rejecting the write with
	// ErrStaleStatus when the stored status is no longer from, and
	// ErrInvalidTransition when the edge is not in the graph.
	TransitionStatus(ctx context.Context, id string, from, to Status) (*Order, error)

	// CorrectStatus flips status from → to without graph validation.
	// Reserved for reconciliation against ledger truth, which may cross
	// edges the party-driven flow never takes. Still conditional on the
	// current status being from.
	CorrectStatus(ctx context.Context, id string, from, to Status) (*Order, error)

	// UpdateAcceptance records the merchant's wallet proof alongside the
	// pending → accepted transition.
	UpdateAcceptance(ctx context.Context, id, acceptorWallet string) (*Order, error)

	// RecordEscrowRefs stores the on-chain trade identity, once.
	// Recording identical refs again is a no-op; different refs fail
	// with ErrEscrowRefsSet.
	RecordEscrowRefs(ctx context.Context, id string, refs EscrowRefs) error

	// RecordSettlementTx stores a settlement tx hash, enforcing the
	// write-once and release/refund mutual-exclusion invariants.
	RecordSettlementTx(ctx context.Context, id string, kind TxKind, txHash string) error

	// SetExtensionPending marks an extension request, failing when one
	// is pending or the cap is reached.
	SetExtensionPending(ctx context.Context, id, requestedBy string) error

	// ApplyExtension consumes the pending request: bumps the count and
	// moves the deadline.
	ApplyExtension(ctx context.Context, id string, newExpiry time.Time) (*Order, error)

	// ClearExtensionPending drops the pending request without extending.
	ClearExtensionPending(ctx context.Context, id string) error

	// FlagReview marks an order for manual operator attention.
	FlagReview(ctx context.Context, id, reason string) error

	// ListStuck returns non-terminal orders with escrow refs but no
	// settlement tx, last touched before cutoff, oldest first.
	ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]*Order, error)

	// ListExpiring returns pre-escrow orders whose deadline passed.
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]*Order, error)

	// ListByParticipant returns a participant's orders, newest first.
	ListByParticipant(ctx context.Context, participantID string, limit int, opts ...ListOption) ([]*Order, error)
}

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor filters results to items after the given cursor position.
func WithCursor(cursor string) ListOption {
	return func(o *listOpts) {
		c, err := pagination.Decode(cursor)
		if err == nil {
			o.cursor = c
		}
	}
}

// Notifier receives status-change events for downstream delivery.
// Delivery is at-least-once; consumers deduplicate.
type Notifier interface {
	NotifyStatusChange(ctx context.Context, o *Order, previous Status, metadata map[string]string)
}
