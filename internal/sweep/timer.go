package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer runs the reconciliation sweep on an interval inside the server
// process. The CLI remains the operator-driven entry point; the timer
// covers deployments that want continuous reconciliation.
type Timer struct {
	runner   *Runner
	interval time.Duration
	execute  bool
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a periodic sweep timer. execute false keeps the timer
// in classify-and-report mode.
func NewTimer(runner *Runner, interval time.Duration, execute bool, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		execute:  execute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
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
			t.safeRun(ctx)
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

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation sweep", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.runner.Run(ctx, t.execute)
	if err != nil {
		t.logger.Warn("periodic sweep failed", "error", err)
		return
	}
	if report.Examined > 0 {
		t.logger.Info("periodic sweep report",
			"examined", report.Examined, "settled", report.Settled,
			"unresolvable", report.Unresolvable, "failed", report.Failed,
			"dryRun", report.DryRun)
	}
}
