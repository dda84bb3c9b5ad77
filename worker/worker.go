// Package worker runs the claim-execute loop: each Worker registers itself,
// heartbeats while alive, claims eligible tasks one at a time, hands them to
// the execution engine, and deregisters on the way out.
package worker

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/loom/exec"
	"github.com/teranos/loom/model"
	"github.com/teranos/loom/store"
)

// Options bound and pace a worker's loop.
type Options struct {
	// HeartbeatInterval is how often the worker refreshes its liveness row.
	HeartbeatInterval time.Duration

	// PollInterval is the sleep between claim attempts when nothing was
	// eligible.
	PollInterval time.Duration

	// MaxTasks stops the loop after executing this many tasks. Zero means
	// unbounded.
	MaxTasks int

	// MaxIdlePolls stops the loop after this many consecutive empty claim
	// attempts. Zero means unbounded. Useful for drain-and-exit runs.
	MaxIdlePolls int
}

// DefaultOptions returns the loop defaults used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: 10 * time.Second,
		PollInterval:      time.Second,
	}
}

const (
	maxConsecutiveErrors = 5
	maxErrorBackoff      = 30 * time.Second
)

// Worker is a single claim-execute loop bound to one registered worker row.
type Worker struct {
	store  *store.Store
	engine *exec.Engine
	opts   Options
	logger *zap.SugaredLogger
}

// New creates a worker. Zero option fields fall back to DefaultOptions; a
// nil logger disables logging.
func New(s *store.Store, engine *exec.Engine, opts Options, logger *zap.SugaredLogger) *Worker {
	defaults := DefaultOptions()
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Worker{store: s, engine: engine, opts: opts, logger: logger}
}

// Run registers the worker and drives the loop until the context is
// cancelled or a configured bound is reached. The worker row is always
// deregistered on the way out, including on error paths; only a crash leaves
// an ACTIVE row behind, and the reaper handles that.
func (w *Worker) Run(ctx context.Context) error {
	hostname, _ := os.Hostname()
	registered, err := w.store.RegisterWorker(hostname, os.Getpid())
	if err != nil {
		return err
	}
	log := w.logger.With("worker_id", registered.ID)
	log.Infow("Worker registered", systemSnapshot()...)
	defer func() {
		if _, err := w.store.DeregisterWorker(registered.ID); err != nil {
			log.Warnw("Failed to deregister worker", "error", err)
		} else {
			log.Infow("Worker deregistered")
		}
	}()

	heartbeat := time.NewTicker(w.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(w.opts.PollInterval)
	defer poll.Stop()

	executed := 0
	idlePolls := 0
	errorCount := 0
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-heartbeat.C:
			if _, err := w.store.WorkerHeartbeat(registered.ID); err != nil {
				log.Warnw("Heartbeat failed", "error", err)
			}

		case <-poll.C:
			// Claim back to back while the queue has work; the poll
			// ticker only paces misses.
		claiming:
			for {
				task, err := w.step(ctx, registered.ID)
				if err != nil {
					select {
					case <-ctx.Done():
						return nil
					default:
					}
					errorCount++
					log.Errorw("Worker loop error", "error", err, "consecutive_errors", errorCount)
					if errorCount >= maxConsecutiveErrors {
						log.Warnw("Worker backing off after consecutive errors", "backoff", backoff)
						time.Sleep(backoff)
						backoff = min(backoff*2, maxErrorBackoff)
					}
					break claiming
				}
				if errorCount > 0 {
					log.Infow("Worker recovered from errors", "previous_error_count", errorCount)
				}
				errorCount = 0
				backoff = time.Second

				if task == nil {
					idlePolls++
					if w.opts.MaxIdlePolls > 0 && idlePolls >= w.opts.MaxIdlePolls {
						log.Infow("Idle poll limit reached, draining", "idle_polls", idlePolls)
						return nil
					}
					break claiming
				}
				idlePolls = 0
				executed++
				if w.opts.MaxTasks > 0 && executed >= w.opts.MaxTasks {
					log.Infow("Task limit reached, stopping", "executed", executed)
					return nil
				}

				// Stay responsive to shutdown and liveness between
				// back-to-back claims.
				select {
				case <-ctx.Done():
					return nil
				case <-heartbeat.C:
					if _, err := w.store.WorkerHeartbeat(registered.ID); err != nil {
						log.Warnw("Heartbeat failed", "error", err)
					}
				default:
				}
			}
		}
	}
}

// step claims and executes at most one task, updating the worker's counters.
// Returns the executed task, or nil when nothing was eligible.
func (w *Worker) step(ctx context.Context, workerID int64) (*model.Task, error) {
	task, err := w.store.ClaimNextTask(workerID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, nil
	}

	executed, err := w.engine.ExecuteTask(ctx, task)
	if err != nil {
		return nil, err
	}

	completed, failed := int64(0), int64(0)
	if executed.Status == model.TaskStatusCompleted {
		completed = 1
	} else {
		failed = 1
	}
	if err := w.store.BumpWorkerCounters(workerID, completed, failed); err != nil {
		return nil, err
	}
	return executed, nil
}
