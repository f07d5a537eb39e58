package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/onnwee/stitch/announce"
	"github.com/onnwee/stitch/ledger"
	"github.com/onnwee/stitch/lifecycle"
	"github.com/onnwee/stitch/telemetry"
)

// Resyncer re-drives one stream's announcement; *lifecycle.Engine implements it.
type Resyncer interface {
	Resync(ctx context.Context, streamID int64) (announce.Outcome, error)
}

// Pending is a suture service that retries announcements flagged pending.
type Pending struct {
	Store    Store
	Engine   Resyncer
	Interval time.Duration
}

// Serve runs passes until ctx is done.
func (p *Pending) Serve(ctx context.Context) error {
	return every(ctx, p.Interval, func(ctx context.Context) { p.RunOnce(ctx) })
}

// RunOnce resyncs every pending stream and returns how many were delivered.
func (p *Pending) RunOnce(ctx context.Context) int {
	logger := slog.Default().With(slog.String("component", "reconcile"), slog.String("job", "pending"))
	pending, err := p.Store.PendingAnnouncements(ctx)
	if err != nil {
		logger.Warn("list pending announcements failed", slog.Any("err", err))
		telemetry.CountReconcile("pending", "error")
		return 0
	}
	telemetry.SetPending(len(pending))
	delivered := 0
	for _, st := range pending {
		out, err := p.Engine.Resync(ctx, st.ID)
		if errors.Is(err, lifecycle.ErrDraining) || ctx.Err() != nil {
			break
		}
		if err != nil {
			logger.Warn("resync failed", slog.Int64("stream_id", st.ID), slog.Any("err", err))
			continue
		}
		if out != announce.OutcomePending {
			delivered++
		}
	}
	if delivered > 0 {
		logger.Info("pending announcements resolved", slog.Int("resolved", delivered), slog.Int("pending", len(pending)))
	}
	telemetry.SetPending(len(pending) - delivered)
	telemetry.CountReconcile("pending", "ok")
	return delivered
}

func (p *Pending) String() string { return "pending-announcements" }

// Pruner is a suture service that evicts expired ledger records.
type Pruner struct {
	Dedup    *ledger.Deduplicator
	Store    ledger.Pruner
	Interval time.Duration
}

func (p *Pruner) Serve(ctx context.Context) error {
	return every(ctx, p.Interval, func(ctx context.Context) { _, _ = p.RunOnce(ctx) })
}

// RunOnce prunes once and returns how many records were removed.
func (p *Pruner) RunOnce(ctx context.Context) (int64, error) {
	n, err := p.Dedup.Prune(ctx, p.Store)
	if err != nil {
		slog.Warn("ledger prune failed", slog.String("component", "reconcile"), slog.Any("err", err))
		telemetry.CountReconcile("prune", "error")
		return 0, err
	}
	telemetry.AddLedgerPruned(n)
	telemetry.CountReconcile("prune", "ok")
	if n > 0 {
		slog.Debug("ledger pruned", slog.String("component", "reconcile"), slog.Int64("removed", n))
	}
	return n, nil
}

func (p *Pruner) String() string { return "ledger-pruner" }
