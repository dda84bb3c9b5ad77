package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/loom/store"
)

// Dropper physically removes a data table once nothing references it. The
// data layer owns the tables; the lifecycle package only decides when they
// can go.
type Dropper interface {
	Drop(ctx context.Context, table string) error
}

// DropperFunc adapts a function to Dropper.
type DropperFunc func(ctx context.Context, table string) error

func (f DropperFunc) Drop(ctx context.Context, table string) error {
	return f(ctx, table)
}

// Reaper periodically reclaims resources: it clears context pins of terminal
// jobs, drops tables whose aggregate refcount reached zero, and sweeps
// workers whose heartbeat went stale. Every pass is best-effort; a failed
// step is logged and retried on the next tick.
type Reaper struct {
	store       *store.Store
	dropper     Dropper
	interval    time.Duration
	deadTimeout time.Duration
	logger      *zap.SugaredLogger
}

// NewReaper creates a reaper. A nil dropper disables table dropping (pins
// are still swept); a nil logger disables logging.
func NewReaper(s *store.Store, dropper Dropper, interval, deadTimeout time.Duration, logger *zap.SugaredLogger) *Reaper {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Reaper{
		store:       s,
		dropper:     dropper,
		interval:    interval,
		deadTimeout: deadTimeout,
		logger:      logger.Named("lifecycle.reaper"),
	}
}

// Run executes sweep passes on the configured interval until ctx is
// cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Infow("Reaper started", "interval", r.interval, "dead_timeout", r.deadTimeout)
	for {
		select {
		case <-ctx.Done():
			r.logger.Infow("Reaper stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single sweep pass.
func (r *Reaper) RunOnce(ctx context.Context) {
	if removed, err := r.store.SweepTerminalContextPins(); err != nil {
		r.logger.Errorw("Failed to sweep terminal context pins", "error", err)
	} else if removed > 0 {
		r.logger.Infow("Swept terminal context pins", "removed", removed)
	}

	r.dropUnreferenced(ctx)

	if swept, err := r.store.SweepDeadWorkers(r.deadTimeout); err != nil {
		r.logger.Errorw("Failed to sweep dead workers", "error", err)
	} else if len(swept) > 0 {
		r.logger.Warnw("Swept dead workers", "worker_ids", swept, "timeout", r.deadTimeout)
	}
}

// dropUnreferenced drops tables whose aggregate refcount is zero or below.
// Refcount tracking is forgotten only after a successful drop, so a failed
// drop is retried on the next pass rather than leaking the table silently.
func (r *Reaper) dropUnreferenced(ctx context.Context) {
	if r.dropper == nil {
		return
	}

	tables, err := r.store.ListDroppableTables()
	if err != nil {
		r.logger.Errorw("Failed to list droppable tables", "error", err)
		return
	}

	for _, table := range tables {
		if err := r.dropper.Drop(ctx, table); err != nil {
			r.logger.Warnw("Failed to drop table, will retry", "table", table, "error", err)
			continue
		}
		if err := r.store.ForgetTable(table); err != nil {
			r.logger.Errorw("Dropped table but failed to clear its refcounts", "table", table, "error", err)
			continue
		}
		r.logger.Infow("Dropped unreferenced table", "table", table)
	}
}
