// Package settlement sequences the on-chain side of a trade: lock,
// release, refund, and dispute finalization.
//
// Every action follows the same shape: intend locally, call the ledger,
// confirm, persist. The failure contract when the last step diverges is
// the whole point of this package: a ledger call that confirmed but whose
// local write failed must NEVER be blindly retried, because settlement
// actions are not idempotent on the ledger. Such orders are flagged and
// repaired by the reconciliation sweep from ledger truth.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fiatbridge/fiatbridge/internal/chain"
	"github.com/fiatbridge/fiatbridge/internal/metrics"
	"github.com/fiatbridge/fiatbridge/internal/order"
	"github.com/fiatbridge/fiatbridge/internal/syncutil"
	"github.com/fiatbridge/fiatbridge/internal/token"
	"github.com/fiatbridge/fiatbridge/internal/validation"
)

var (
	ErrNoEscrowRefs = errors.New("order has no escrow references")
	ErrWrongWallet  = errors.New("stored counterparty wallet mismatch")
	// ErrPendingReconciliation marks the confirmed-but-unrecorded case:
	// the funds moved on the ledger but the local record could not be
	// updated. The order is flagged and the sweep will repair it; the
	// caller should tell the user to wait, not to retry.
	ErrPendingReconciliation = errors.New("ledger call confirmed but local record update failed; queued for reconciliation")
)

// SignerResolver maps a participant to their signing capability. Absent
// participants have no connected wallet and cannot sign.
type SignerResolver interface {
	SignerFor(participantID string) (chain.Signer, bool)
}

// Coordinator orchestrates settlement actions against the ledger.
type Coordinator struct {
	orders   order.Store
	ledger   chain.Client
	asSigner func(chain.Signer) chain.Client
	signers  SignerResolver
	notifier order.Notifier
	locks    *syncutil.ContextShardedMutex
	logger   *slog.Logger
}

// NewCoordinator creates a settlement coordinator. The ledger client
// signs with the service's operational key; party-signed actions go
// through the signer resolver when one is configured.
func NewCoordinator(orders order.Store, ledger chain.Client, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		orders: orders,
		ledger: ledger,
		locks:  syncutil.NewContextShardedMutex(),
		logger: logger,
	}
}

// WithSigners adds per-party signing. The factory rebinds the ledger
// client to a party's signer without touching the shared connection.
func (c *Coordinator) WithSigners(resolver SignerResolver, factory func(chain.Signer) chain.Client) *Coordinator {
	c.signers = resolver
	c.asSigner = factory
	return c
}

// WithNotifier adds a status-change event sink.
func (c *Coordinator) WithNotifier(n order.Notifier) *Coordinator {
	c.notifier = n
	return c
}

// ledgerFor returns the ledger client signing as the given participant,
// falling back to the operational key when the party has no signer.
func (c *Coordinator) ledgerFor(participantID string) chain.Client {
	if c.signers == nil || c.asSigner == nil {
		return c.ledger
	}
	s, ok := c.signers.SignerFor(participantID)
	if !ok {
		return c.ledger
	}
	return c.asSigner(s)
}

// TradeIDForOrder derives the on-chain trade ID from the order ID. The
// mapping is deterministic so a retried create lands on the same trade
// record.
func TradeIDForOrder(orderID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(orderID))
	id := h.Sum64()
	if id == 0 {
		id = 1 // zero means "unset" in the order record
	}
	return id
}

// Lock funds the escrow for an accepted order: creates the trade record
// (idempotent via deterministic addressing) and locks the deposit.
func (c *Coordinator) Lock(ctx context.Context, orderID, callerID string) (*order.Order, error) {
	unlock, err := c.locks.LockContext(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.IsParticipant(callerID) || callerID != o.Depositor() {
		return nil, order.ErrUnauthorized
	}
	if o.Status != order.StatusAccepted && o.Status != order.StatusEscrowPending {
		return nil, fmt.Errorf("%w: cannot lock from %s", order.ErrInvalidTransition, o.Status)
	}
	if !validation.IsValidWalletAddress(o.AcceptorWallet) {
		return nil, fmt.Errorf("invalid counterparty wallet %q", validation.SanitizeString(o.AcceptorWallet, 64))
	}

	amount, ok := token.Parse(o.CryptoAmount)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("invalid crypto amount %q", o.CryptoAmount)
	}

	// Mark intent before any ledger traffic
	if o.Status == order.StatusAccepted {
		if o, err = c.orders.TransitionStatus(ctx, orderID, order.StatusAccepted, order.StatusEscrowPending); err != nil {
			return nil, err
		}
		c.notify(ctx, o, order.StatusAccepted, nil)
	}

	ledger := c.ledgerFor(callerID)

	// Create is retry-safe: the trade record address is a pure function
	// of (creator, tradeID).
	ref, err := ledger.CreateTrade(ctx, chain.CreateTradeParams{
		TradeID: TradeIDForOrder(orderID),
		Amount:  amount,
		Side:    chainSide(o.Side),
	})
	if err != nil {
		metrics.SettlementCallsTotal.WithLabelValues("lock", "error").Inc()
		return nil, fmt.Errorf("failed to create trade record: %w", err)
	}

	if err := c.orders.RecordEscrowRefs(ctx, orderID, order.EscrowRefs{
		TradeID:       ref.TradeID,
		TradeAddr:     ref.TradeAddr.Hex(),
		EscrowAddr:    ref.EscrowAddr.Hex(),
		CreatorWallet: ref.Creator.Hex(),
	}); err != nil {
		return nil, fmt.Errorf("failed to record escrow refs: %w", err)
	}

	txHash, err := ledger.LockEscrow(ctx, ref, o.AcceptorWallet)
	if err != nil {
		return nil, c.handleCallFailure(ctx, o, "lock", err)
	}
	metrics.SettlementCallsTotal.WithLabelValues("lock", "ok").Inc()

	if err := c.persistSettled(ctx, o, order.TxLock, txHash, order.StatusEscrowed); err != nil {
		return nil, err
	}

	updated, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	c.notify(ctx, updated, order.StatusEscrowPending, map[string]string{"txHash": txHash})
	return updated, nil
}

// ConfirmFiatReceived is the fiat recipient's assertion that the money
// arrived, which triggers the escrow release. The status flip and the
// ledger call are coupled here.
func (c *Coordinator) ConfirmFiatReceived(ctx context.Context, orderID, callerID string) (*order.Order, error) {
	unlock, err := c.locks.LockContext(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.IsParticipant(callerID) || callerID != o.FiatRecipient() {
		return nil, order.ErrUnauthorized
	}
	if !o.HasEscrowRefs() {
		return nil, ErrNoEscrowRefs
	}

	// Local idempotency first: a recorded release means the money
	// already moved, so finish the paperwork and report success.
	if o.ReleaseTxHash != "" {
		return c.finishRelease(ctx, o, o.ReleaseTxHash)
	}
	if o.RefundTxHash != "" {
		return nil, order.ErrTxConflict
	}

	switch o.Status {
	case order.StatusPaymentSent:
		if o, err = c.orders.TransitionStatus(ctx, orderID, order.StatusPaymentSent, order.StatusPaymentConfirmed); err != nil {
			return nil, err
		}
		c.notify(ctx, o, order.StatusPaymentSent, nil)
		fallthrough
	case order.StatusPaymentConfirmed:
		if o, err = c.orders.TransitionStatus(ctx, orderID, order.StatusPaymentConfirmed, order.StatusReleasing); err != nil {
			return nil, err
		}
		c.notify(ctx, o, order.StatusPaymentConfirmed, nil)
	case order.StatusReleasing:
		// Retry of an earlier attempt; re-check ledger truth below
	default:
		return nil, fmt.Errorf("%w: cannot release from %s", order.ErrInvalidTransition, o.Status)
	}

	ref, err := c.tradeRef(o)
	if err != nil {
		return nil, err
	}

	// Never re-issue a release that may already have landed: consult the
	// ledger before calling.
	trade, err := c.ledger.FetchTrade(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch trade before release: %w", err)
	}
	if trade.Status.IsTerminal() {
		// Terminal does not mean released: a sweep may have refunded this
		// escrow already. Follow the ledger's outcome, whatever it is.
		c.logger.Info("trade already settled on ledger, correcting local record",
			"orderId", o.ID, "ledgerStatus", trade.Status)
		return c.correctFromLedger(ctx, o, trade.Status)
	}

	// The destination is the wallet recorded at lock time, never
	// re-derived at release time.
	if !strings.EqualFold(trade.Counterparty.Hex(), o.AcceptorWallet) {
		return nil, fmt.Errorf("%w: ledger has %s, order has %s",
			ErrWrongWallet, trade.Counterparty.Hex(), o.AcceptorWallet)
	}

	txHash, err := c.ledgerFor(callerID).ReleaseEscrow(ctx, ref, o.AcceptorWallet)
	if err != nil {
		return nil, c.handleCallFailure(ctx, o, "release", err)
	}
	metrics.SettlementCallsTotal.WithLabelValues("release", "ok").Inc()

	if err := c.persistSettled(ctx, o, order.TxRelease, txHash, order.StatusCompleted); err != nil {
		return nil, err
	}

	updated, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	c.notify(ctx, updated, order.StatusReleasing, map[string]string{"txHash": txHash})
	return updated, nil
}

// Refund returns the escrow to the depositor. Used by the sweep for
// abandoned funded orders and by dispute finalization.
func (c *Coordinator) Refund(ctx context.Context, orderID string) (*order.Order, error) {
	unlock, err := c.locks.LockContext(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.HasEscrowRefs() {
		return nil, ErrNoEscrowRefs
	}
	if o.RefundTxHash != "" {
		return o, nil // already refunded
	}
	if o.ReleaseTxHash != "" {
		return nil, order.ErrTxConflict
	}

	ref, err := c.tradeRef(o)
	if err != nil {
		return nil, err
	}

	trade, err := c.ledger.FetchTrade(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch trade before refund: %w", err)
	}
	if trade.Status.IsTerminal() {
		c.logger.Info("refund already settled on ledger, correcting local record",
			"orderId", o.ID, "ledgerStatus", trade.Status)
		return c.correctFromLedger(ctx, o, trade.Status)
	}

	txHash, err := c.ledger.RefundEscrow(ctx, ref)
	if err != nil {
		return nil, c.handleCallFailure(ctx, o, "refund", err)
	}
	metrics.SettlementCallsTotal.WithLabelValues("refund", "ok").Inc()

	if err := c.persistSettled(ctx, o, order.TxRefund, txHash, order.StatusCancelled); err != nil {
		return nil, err
	}

	updated, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	c.notify(ctx, updated, o.Status, map[string]string{"txHash": txHash})
	return updated, nil
}

// ResolveOnLedger applies an arbiter resolution to a disputed order's
// escrow and persists the matching terminal state. Safe to re-trigger:
// an already-settled ledger state is corrected locally without a call.
func (c *Coordinator) ResolveOnLedger(ctx context.Context, orderID string, resolution chain.Resolution) (*order.Order, error) {
	unlock, err := c.locks.LockContext(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.HasEscrowRefs() {
		return nil, ErrNoEscrowRefs
	}
	if o.HasSettlementTx() {
		return o, nil // finalization already landed
	}

	ref, err := c.tradeRef(o)
	if err != nil {
		return nil, err
	}

	trade, err := c.ledger.FetchTrade(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch trade before resolution: %w", err)
	}
	if trade.Status.IsTerminal() {
		return c.correctFromLedger(ctx, o, trade.Status)
	}

	txHash, err := c.ledger.ResolveDispute(ctx, ref, resolution)
	if err != nil {
		return nil, c.handleCallFailure(ctx, o, "resolve", err)
	}
	metrics.SettlementCallsTotal.WithLabelValues("resolve", "ok").Inc()

	kind := order.TxRefund
	target := order.StatusCancelled
	if resolution == chain.ResolutionReleaseCounterparty {
		kind = order.TxRelease
		target = order.StatusCompleted
	}
	if err := c.persistSettled(ctx, o, kind, txHash, target); err != nil {
		return nil, err
	}

	updated, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	c.notify(ctx, updated, o.Status, map[string]string{"txHash": txHash, "resolution": string(resolution)})
	return updated, nil
}

// tradeRef rebuilds the on-chain reference from the stored identity and
// cross-checks it against the recorded address. A mismatch means the
// local record is corrupt and must not drive settlement.
func (c *Coordinator) tradeRef(o *order.Order) (chain.TradeRef, error) {
	if !common.IsHexAddress(o.EscrowCreatorWallet) {
		return chain.TradeRef{}, fmt.Errorf("invalid stored creator wallet %q", o.EscrowCreatorWallet)
	}
	ref := chain.NewTradeRef(common.HexToAddress(o.EscrowCreatorWallet), o.EscrowTradeID)
	if !strings.EqualFold(ref.TradeAddr.Hex(), o.EscrowTradeAddr) {
		return chain.TradeRef{}, fmt.Errorf("stored trade address %s does not match derivation %s",
			o.EscrowTradeAddr, ref.TradeAddr.Hex())
	}
	return ref, nil
}

// handleCallFailure classifies a failed ledger call. Signing rejections
// and clean pre-broadcast failures are retryable no-ops; anything that
// may have broadcast gets flagged for the sweep with the tx hash
// surfaced so funds are never reported as lost.
func (c *Coordinator) handleCallFailure(ctx context.Context, o *order.Order, action string, err error) error {
	if errors.Is(err, chain.ErrSigningRejected) {
		metrics.SettlementCallsTotal.WithLabelValues(action, "rejected").Inc()
		return fmt.Errorf("signing rejected, no funds moved: %w", err)
	}

	var callErr *chain.CallError
	if errors.As(err, &callErr) && callErr.TxHash != "" {
		metrics.SettlementCallsTotal.WithLabelValues(action, "unknown").Inc()
		reason := fmt.Sprintf("%s outcome unknown (tx: %s): %v", action, callErr.TxHash, callErr.Err)
		if flagErr := c.orders.FlagReview(ctx, o.ID, reason); flagErr != nil {
			c.logger.Error("CRITICAL: failed to flag order after ambiguous ledger call",
				"orderId", o.ID, "txHash", callErr.TxHash, "error", flagErr)
		}
		metrics.OrdersNeedingReview.Inc()
		return fmt.Errorf("%w (tx: %s)", ErrPendingReconciliation, callErr.TxHash)
	}

	metrics.SettlementCallsTotal.WithLabelValues(action, "error").Inc()
	return fmt.Errorf("ledger %s failed: %w", action, err)
}

// persistSettled records the settlement tx and flips the order to its
// terminal-or-escrowed status. Funds have already moved when this runs,
// so a persistent write failure is flagged for the sweep, never
// compensated by another ledger call.
func (c *Coordinator) persistSettled(ctx context.Context, o *order.Order, kind order.TxKind, txHash string, target order.Status) error {
	writeErr := c.orders.RecordSettlementTx(ctx, o.ID, kind, txHash)
	if writeErr != nil {
		// Retry once — funds already moved, we must persist the hash
		writeErr = c.orders.RecordSettlementTx(ctx, o.ID, kind, txHash)
	}
	if writeErr != nil {
		// CRITICAL: ledger settled but the local record is stale. There
		// is no inverse ledger operation; the sweep repairs from truth.
		c.logger.Error("CRITICAL: settlement confirmed but local tx record failed",
			"orderId", o.ID, "kind", kind, "txHash", txHash, "error", writeErr)
		if flagErr := c.orders.FlagReview(ctx, o.ID, fmt.Sprintf("%s confirmed (tx: %s) but local write failed", kind, txHash)); flagErr != nil {
			c.logger.Error("CRITICAL: failed to flag order for reconciliation",
				"orderId", o.ID, "error", flagErr)
		}
		metrics.OrdersNeedingReview.Inc()
		return fmt.Errorf("%w (tx: %s)", ErrPendingReconciliation, txHash)
	}

	fresh, err := c.orders.Get(ctx, o.ID)
	if err != nil {
		return fmt.Errorf("%w (tx: %s)", ErrPendingReconciliation, txHash)
	}
	if fresh.Status == target {
		return nil
	}
	if _, err := c.orders.TransitionStatus(ctx, o.ID, fresh.Status, target); err != nil {
		c.logger.Error("CRITICAL: settlement recorded but status flip failed",
			"orderId", o.ID, "from", fresh.Status, "to", target, "txHash", txHash, "error", err)
		if flagErr := c.orders.FlagReview(ctx, o.ID, fmt.Sprintf("status flip to %s failed after tx %s", target, txHash)); flagErr != nil {
			c.logger.Error("CRITICAL: failed to flag order for reconciliation",
				"orderId", o.ID, "error", flagErr)
		}
		metrics.OrdersNeedingReview.Inc()
		return fmt.Errorf("%w (tx: %s)", ErrPendingReconciliation, txHash)
	}
	return nil
}

// finishRelease completes the local paperwork for a release that already
// settled, issuing no ledger call.
func (c *Coordinator) finishRelease(ctx context.Context, o *order.Order, txHash string) (*order.Order, error) {
	if o.Status != order.StatusCompleted {
		from := o.Status
		if _, err := c.orders.TransitionStatus(ctx, o.ID, from, order.StatusCompleted); err != nil && !errors.Is(err, order.ErrStaleStatus) {
			return nil, err
		}
	}
	updated, err := c.orders.Get(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	if updated.Status != o.Status {
		c.notify(ctx, updated, o.Status, map[string]string{"txHash": txHash})
	}
	return updated, nil
}

// correctFromLedger aligns the local record with a terminal ledger state
// without issuing any ledger call.
func (c *Coordinator) correctFromLedger(ctx context.Context, o *order.Order, ledgerStatus chain.TradeStatus) (*order.Order, error) {
	target := order.StatusCancelled
	if ledgerStatus == chain.TradeReleased {
		target = order.StatusCompleted
	}
	if o.Status == target {
		return o, nil
	}
	// Reconciliation may cross edges the party-driven graph forbids, so
	// this is a correction, not a transition.
	if _, err := c.orders.CorrectStatus(ctx, o.ID, o.Status, target); err != nil && !errors.Is(err, order.ErrStaleStatus) {
		return nil, err
	}
	updated, err := c.orders.Get(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	c.notify(ctx, updated, o.Status, map[string]string{"correctedFrom": string(ledgerStatus)})
	return updated, nil
}

func (c *Coordinator) notify(ctx context.Context, o *order.Order, previous order.Status, metadata map[string]string) {
	metrics.OrderTransitionsTotal.WithLabelValues(string(o.Status)).Inc()
	if c.notifier != nil {
		c.notifier.NotifyStatusChange(ctx, o, previous, metadata)
	}
}

// chainSide maps the order's user-perspective side to the ledger wire
// side, which is the depositor's perspective.
func chainSide(s order.Side) chain.TradeSide {
	if s == order.SideSell {
		return chain.SideSell
	}
	return chain.SideBuy
}
