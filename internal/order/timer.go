package order

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically expires orders whose acceptance/funding deadline
// lapsed before any escrow was created. Funded orders are never expired
// here; they are the reconciliation sweep's problem.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new order expiry timer.
func NewTimer(service *Service, store Store, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the expiry loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeExpire(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeExpire(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in order expiry timer", "panic", fmt.Sprint(r))
		}
	}()
	t.expireLapsed(ctx)
}

func (t *Timer) expireLapsed(ctx context.Context) {
	lapsed, err := t.store.ListExpiring(ctx, time.Now(), 100)
	if err != nil {
		t.logger.Warn("failed to list expiring orders", "error", err)
		return
	}

	for _, o := range lapsed {
		if err := t.service.Expire(ctx, o); err != nil {
			t.logger.Warn("failed to expire order",
				"orderId", o.ID,
				"error", err,
			)
			continue
		}
		t.logger.Info("expired order",
			"orderId", o.ID,
			"status", o.Status,
			"expiresAt", o.ExpiresAt,
		)
	}
}
