// Package reconcile closes the insert-then-act gap. The response detector
// records a tracking row before proposing settlement; a crash between the
// two leaves an accepted reply whose escrow is still held. The reconciler
// periodically finds those rows and replays the settlement proposal.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/replygate/replygate/internal/escrow"
	"github.com/replygate/replygate/internal/metrics"
	"github.com/replygate/replygate/internal/response"
)

const batchSize = 100

// Settler is the slice of the escrow engine the reconciler needs.
type Settler interface {
	GetByMessageID(ctx context.Context, messageID string) (*escrow.Transaction, error)
	Release(ctx context.Context, messageID string, cause escrow.Cause, respondedAt time.Time) (*escrow.Transaction, error)
}

// Reconciler replays settlements for orphaned tracking rows.
type Reconciler struct {
	tracking response.TrackingStore
	settler  Settler
	logger   *slog.Logger
	// minAge keeps the reconciler from racing a detector call that is
	// still in flight.
	minAge time.Duration
	now    func() time.Time
}

func New(tracking response.TrackingStore, settler Settler, minAge time.Duration, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		tracking: tracking,
		settler:  settler,
		logger:   logger,
		minAge:   minAge,
		now:      time.Now,
	}
}

// WithClock overrides the reconciler's time source. Tests only.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Stats summarizes one reconciliation pass.
type Stats struct {
	Examined int `json:"examined"`
	Replayed int `json:"replayed"`
	Closed   int `json:"closed"` // rows settled without a new proposal
}

// RunOnce replays settlement for every orphaned tracking row.
func (r *Reconciler) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	cutoff := r.now().UTC().Add(-r.minAge)
	orphans, err := r.tracking.ListUnsettled(ctx, cutoff, batchSize)
	if err != nil {
		return stats, err
	}
	stats.Examined = len(orphans)

	for _, tr := range orphans {
		disposition, replayed := r.resolve(ctx, tr)
		if disposition == "" {
			continue // transient failure, next pass retries
		}
		if err := r.tracking.MarkSettled(ctx, tr.ID, disposition, r.now().UTC()); err != nil {
			r.logger.Error("failed to close tracking row",
				"tracking_id", tr.ID, "error", err)
			continue
		}
		if replayed {
			stats.Replayed++
			metrics.ReconcileReplaysTotal.Inc()
		} else {
			stats.Closed++
		}
		r.logger.Info("tracking row reconciled",
			"tracking_id", tr.ID,
			"message_id", tr.MessageID,
			"disposition", string(disposition),
			"replayed", replayed,
		)
	}
	return stats, nil
}

// resolve decides what an orphaned row should have become. An empty
// disposition means "leave it for the next pass".
func (r *Reconciler) resolve(ctx context.Context, tr *response.Tracking) (response.Disposition, bool) {
	txn, err := r.settler.GetByMessageID(ctx, tr.MessageID)
	if errors.Is(err, escrow.ErrNotFound) {
		return response.DispositionNotApplicable, false
	}
	if err != nil {
		r.logger.Warn("failed to load escrow during reconciliation",
			"message_id", tr.MessageID, "error", err)
		return "", false
	}

	// Already resolved: the detector's proposal landed (or another path
	// settled the escrow) and only the tracking row is stale.
	if txn.Status.Terminal() {
		if txn.Status == escrow.StatusReleased {
			return response.DispositionReleased, false
		}
		return response.DispositionConflict, false
	}

	_, err = r.settler.Release(ctx, tr.MessageID, escrow.CauseReconciliation, tr.ReceivedAt)
	switch {
	case errors.Is(err, escrow.ErrAwaitingSetup):
		// Recipient still onboarding; activation will replay the release.
		// Keep the row open so a missed activation webhook is also covered.
		return "", false
	case errors.Is(err, escrow.ErrConflict), errors.Is(err, escrow.ErrInvalidStatus):
		return response.DispositionConflict, false
	case err != nil:
		r.logger.Warn("reconciliation replay failed",
			"message_id", tr.MessageID, "error", err)
		return "", false
	}
	return response.DispositionReleased, true
}
