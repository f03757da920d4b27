package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer runs reconciliation on a fixed interval.
type Timer struct {
	reconciler *Reconciler
	interval   time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

func NewTimer(reconciler *Reconciler, interval time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		reconciler: reconciler,
		interval:   interval,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the reconciliation loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the reconciliation loop. Call in a goroutine.
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
			t.logger.Error("panic in reconciliation", "panic", fmt.Sprint(r))
		}
	}()
	stats, err := t.reconciler.RunOnce(ctx)
	if err != nil {
		t.logger.Warn("reconciliation failed", "error", err)
		return
	}
	if stats.Examined > 0 {
		t.logger.Info("reconciliation complete",
			"examined", stats.Examined,
			"replayed", stats.Replayed,
			"closed", stats.Closed,
		)
	}
}
