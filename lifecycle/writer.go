// Package lifecycle manages the lifetime of data tables shared between jobs:
// refcount bookkeeping through a single-consumer writer, and a background
// reaper that drops tables nobody references anymore and sweeps dead workers.
package lifecycle

import (
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/store"
)

// DefaultMailboxSize is the writer's default op buffer. Incref/Decref only
// block once this many ops are waiting to be applied.
const DefaultMailboxSize = 4096

// refOp is one queued refcount adjustment. A zero contextID targets the
// global count; non-zero targets a job-scoped pin.
type refOp struct {
	table     string
	contextID int64
	delta     int64
}

// Writer serializes refcount adjustments from any number of goroutines into
// a single consumer, so callers on the task execution path never contend on
// the database for bookkeeping. Adjustments are applied in submission order.
type Writer struct {
	store  *store.Store
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	closed bool
	ops    chan refOp
	wg     sync.WaitGroup
}

// NewWriter creates a writer and starts its consumer. bufferSize <= 0 selects
// DefaultMailboxSize. A nil logger disables logging.
func NewWriter(s *store.Store, bufferSize int, logger *zap.SugaredLogger) *Writer {
	if bufferSize <= 0 {
		bufferSize = DefaultMailboxSize
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	w := &Writer{
		store:  s,
		logger: logger.Named("lifecycle.writer"),
		ops:    make(chan refOp, bufferSize),
	}
	w.wg.Add(1)
	go w.consume()
	return w
}

// Incref queues a +1 on a table's global refcount.
func (w *Writer) Incref(table string) error {
	return w.enqueue(refOp{table: table, delta: 1})
}

// Decref queues a -1 on a table's global refcount.
func (w *Writer) Decref(table string) error {
	return w.enqueue(refOp{table: table, delta: -1})
}

// IncrefContext queues a +1 on a table's pin for the given job.
func (w *Writer) IncrefContext(table string, jobID int64) error {
	return w.enqueue(refOp{table: table, contextID: jobID, delta: 1})
}

// DecrefContext queues a -1 on a table's pin for the given job.
func (w *Writer) DecrefContext(table string, jobID int64) error {
	return w.enqueue(refOp{table: table, contextID: jobID, delta: -1})
}

// Close stops accepting ops, drains everything already queued, and waits for
// the consumer to finish. Subsequent calls are no-ops.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.ops)
	w.mu.Unlock()

	w.wg.Wait()
	return nil
}

func (w *Writer) enqueue(o refOp) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return errors.Wrapf(errors.ErrClosed, "refcount writer")
	}
	// Blocks only when the mailbox is full.
	w.ops <- o
	return nil
}

// consume applies ops in order until Close. A failed adjustment is logged
// and skipped; refcounts err toward leaking a table (the reaper never drops
// something still referenced, but may keep something that is not).
func (w *Writer) consume() {
	defer w.wg.Done()
	for o := range w.ops {
		var err error
		if o.contextID == 0 {
			err = w.store.AdjustTableRefcount(o.table, o.delta)
		} else {
			err = w.store.AdjustTableContextRefcount(o.table, o.contextID, o.delta)
		}
		if err != nil {
			w.logger.Errorw("Failed to apply refcount adjustment",
				"table", o.table,
				"context_id", o.contextID,
				"delta", o.delta,
				"error", err)
		}
	}
}
