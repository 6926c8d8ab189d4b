// Package sweep reconciles stuck orders against ledger truth. An order
// is stuck when it holds escrow references but no settlement tx and has
// not moved for longer than the cutoff. The sweep classifies each one by
// fetching its on-chain trade and, in execute mode, drives it to a
// terminal state through the settlement coordinator. The ledger is the
// source of truth throughout; the sweep only ever corrects the local
// record toward it.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fiatbridge/fiatbridge/internal/chain"
	"github.com/fiatbridge/fiatbridge/internal/metrics"
	"github.com/fiatbridge/fiatbridge/internal/order"
	"github.com/fiatbridge/fiatbridge/internal/settlement"
)

// Classification buckets a stuck order by what the ledger says about it.
type Classification string

const (
	// ClassAlreadySettled: the ledger reached a terminal state but the
	// local record never caught up. Fixed with a local correction only.
	ClassAlreadySettled Classification = "already_settled"
	// ClassRefundable: escrow is held and no payment was asserted.
	// Safe to refund the depositor directly.
	ClassRefundable Classification = "refundable"
	// ClassNeedsResolution: payment was asserted or a dispute is open
	// on the ledger; settled through the dispute-resolution path.
	ClassNeedsResolution Classification = "needs_resolution"
	// ClassUnresolvable: the trade cannot be fetched or the record is
	// inconsistent. Flagged for an operator.
	ClassUnresolvable Classification = "unresolvable"
)

// DefaultStuckCutoff is how long an order must sit untouched before the
// sweep considers it stuck.
const DefaultStuckCutoff = 2 * time.Hour

// Result is the outcome for a single swept order.
type Result struct {
	OrderID        string         `json:"orderId"`
	OrderStatus    order.Status   `json:"orderStatus"`
	Classification Classification `json:"classification"`
	LedgerStatus   string         `json:"ledgerStatus,omitempty"`
	Action         string         `json:"action"` // none, refund, resolve, correct, flag
	Error          string         `json:"error,omitempty"`
}

// Report aggregates one sweep run.
type Report struct {
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
	DryRun       bool      `json:"dryRun"`
	Examined     int       `json:"examined"`
	Settled      int       `json:"settled"`
	Unresolvable int       `json:"unresolvable"`
	Failed       int       `json:"failed"`
	Results      []Result  `json:"results"`
}

// Runner performs reconciliation sweeps.
type Runner struct {
	orders      order.Store
	ledger      chain.Client
	coordinator *settlement.Coordinator
	logger      *slog.Logger

	cutoff          time.Duration
	batchSize       int
	abandonedPolicy chain.Resolution
}

// NewRunner creates a sweep runner. The coordinator carries out the
// actual settlement calls so the sweep inherits its idempotency and
// ambiguous-outcome discipline.
func NewRunner(orders order.Store, ledger chain.Client, coordinator *settlement.Coordinator, logger *slog.Logger) *Runner {
	return &Runner{
		orders:          orders,
		ledger:          ledger,
		coordinator:     coordinator,
		logger:          logger,
		cutoff:          DefaultStuckCutoff,
		batchSize:       100,
		abandonedPolicy: chain.ResolutionRefundDepositor,
	}
}

// WithCutoff overrides the stuck threshold.
func (r *Runner) WithCutoff(d time.Duration) *Runner {
	if d > 0 {
		r.cutoff = d
	}
	return r
}

// WithBatchSize overrides how many orders one run examines.
func (r *Runner) WithBatchSize(n int) *Runner {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

// WithAbandonedPolicy overrides the resolution applied to abandoned
// orders where payment was asserted but never confirmed.
func (r *Runner) WithAbandonedPolicy(res chain.Resolution) *Runner {
	r.abandonedPolicy = res
	return r
}

// Run executes one sweep. With execute false it only classifies; no
// ledger or local mutations happen. Failures on one order never stop
// the rest of the batch.
func (r *Runner) Run(ctx context.Context, execute bool) (*Report, error) {
	report := &Report{
		StartedAt: time.Now().UTC(),
		DryRun:    !execute,
	}

	stuck, err := r.orders.ListStuck(ctx, time.Now().UTC().Add(-r.cutoff), r.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck orders: %w", err)
	}

	for _, o := range stuck {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		res := r.sweepOne(ctx, o, execute)
		report.Examined++
		switch {
		case res.Error != "":
			report.Failed++
		case res.Classification == ClassUnresolvable:
			report.Unresolvable++
		case execute:
			report.Settled++
		}
		metrics.SweepClassificationsTotal.WithLabelValues(string(res.Classification)).Inc()
		report.Results = append(report.Results, res)
	}

	report.FinishedAt = time.Now().UTC()
	r.logger.Info("sweep finished",
		"examined", report.Examined, "settled", report.Settled,
		"unresolvable", report.Unresolvable, "failed", report.Failed,
		"dryRun", report.DryRun)
	return report, nil
}

func (r *Runner) sweepOne(ctx context.Context, o *order.Order, execute bool) Result {
	res := Result{OrderID: o.ID, OrderStatus: o.Status, Action: "none"}

	class, ledgerStatus := r.classify(ctx, o)
	res.Classification = class
	res.LedgerStatus = ledgerStatus

	if class == ClassUnresolvable {
		res.Action = "flag"
		if execute {
			reason := "sweep could not reconcile order against ledger"
			if err := r.orders.FlagReview(ctx, o.ID, reason); err != nil {
				res.Error = err.Error()
			}
		}
		return res
	}
	if !execute {
		res.Action = plannedAction(class)
		return res
	}

	var err error
	switch class {
	case ClassAlreadySettled:
		// Refund on a terminal ledger trade only corrects the local
		// record; no mutating call goes out.
		res.Action = "correct"
		_, err = r.coordinator.Refund(ctx, o.ID)
	case ClassRefundable:
		res.Action = "refund"
		_, err = r.coordinator.Refund(ctx, o.ID)
	case ClassNeedsResolution:
		res.Action = "resolve"
		resolution := r.abandonedPolicy
		if o.Status == order.StatusPaymentConfirmed || o.Status == order.StatusReleasing {
			// Fiat receipt was confirmed; the depositor's counterparty
			// is owed the escrow regardless of the abandonment policy.
			resolution = chain.ResolutionReleaseCounterparty
		}
		if o.Status != order.StatusDisputed && o.Status != order.StatusReleasing {
			// Route through disputed so the resolution lands on a legal
			// edge of the status graph.
			if _, terr := r.orders.TransitionStatus(ctx, o.ID, o.Status, order.StatusDisputed); terr != nil && !errors.Is(terr, order.ErrStaleStatus) {
				res.Error = terr.Error()
				return res
			}
		}
		_, err = r.coordinator.ResolveOnLedger(ctx, o.ID, resolution)
	}
	if err != nil {
		res.Error = err.Error()
		if errors.Is(err, settlement.ErrPendingReconciliation) {
			// Already flagged by the coordinator; next sweep skips it
			r.logger.Warn("sweep left order pending reconciliation", "orderId", o.ID)
		} else {
			r.logger.Error("sweep failed to settle order",
				"orderId", o.ID, "classification", class, "error", err)
		}
	}
	return res
}

// classify fetches the on-chain trade and buckets the order.
func (r *Runner) classify(ctx context.Context, o *order.Order) (Classification, string) {
	if !common.IsHexAddress(o.EscrowCreatorWallet) || o.EscrowTradeID == 0 {
		return ClassUnresolvable, ""
	}
	ref := chain.NewTradeRef(common.HexToAddress(o.EscrowCreatorWallet), o.EscrowTradeID)

	trade, err := r.ledger.FetchTrade(ctx, ref)
	if err != nil {
		return ClassUnresolvable, ""
	}

	switch trade.Status {
	case chain.TradeReleased, chain.TradeRefunded:
		return ClassAlreadySettled, string(trade.Status)
	case chain.TradePaymentSent, chain.TradeDisputed:
		return ClassNeedsResolution, string(trade.Status)
	case chain.TradeCreated, chain.TradeFunded, chain.TradeLocked:
		// The ledger never hears about fiat movement, so the local
		// record decides whether a payment claim is in flight.
		switch o.Status {
		case order.StatusPaymentSent, order.StatusPaymentConfirmed,
			order.StatusReleasing, order.StatusDisputed:
			return ClassNeedsResolution, string(trade.Status)
		}
		return ClassRefundable, string(trade.Status)
	}
	return ClassUnresolvable, string(trade.Status)
}

func plannedAction(c Classification) string {
	switch c {
	case ClassAlreadySettled:
		return "correct"
	case ClassRefundable:
		return "refund"
	case ClassNeedsResolution:
		return "resolve"
	}
	return "flag"
}
