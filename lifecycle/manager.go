package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/loom/store"
)

// Manager bundles the refcount writer and the reaper behind one start/stop
// surface, and hands out table handles that pin a table for a job's
// lifetime.
type Manager struct {
	Writer *Writer
	reaper *Reaper

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ManagerConfig configures a lifecycle manager.
type ManagerConfig struct {
	// ReapInterval is the pause between reaper passes.
	ReapInterval time.Duration

	// DeadWorkerTimeout is how stale a heartbeat may be before the reaper
	// declares the worker dead.
	DeadWorkerTimeout time.Duration

	// MailboxSize overrides the writer buffer; zero selects the default.
	MailboxSize int
}

// NewManager creates a manager over the given store. The dropper may be nil
// to disable physical table drops.
func NewManager(s *store.Store, dropper Dropper, cfg ManagerConfig, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		Writer: NewWriter(s, cfg.MailboxSize, logger),
		reaper: NewReaper(s, dropper, cfg.ReapInterval, cfg.DeadWorkerTimeout, logger),
	}
}

// Start launches the reaper loop. The writer consumer is already running
// from construction.
func (m *Manager) Start(ctx context.Context) {
	reapCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.reaper.Run(reapCtx)
	}()
}

// Stop halts the reaper and drains the writer. Queued refcount adjustments
// are applied before Stop returns.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.Writer.Close()
}

// Handle pins one table on behalf of one job. Releasing the handle removes
// the pin; a job that never releases is cleaned up by the reaper's terminal
// pin sweep once the job finishes.
type Handle struct {
	Table    string
	jobID    int64
	writer   *Writer
	released atomic.Bool
}

// AcquireHandle pins a table for the given job and returns the handle.
func (m *Manager) AcquireHandle(table string, jobID int64) (*Handle, error) {
	if err := m.Writer.IncrefContext(table, jobID); err != nil {
		return nil, err
	}
	return &Handle{Table: table, jobID: jobID, writer: m.Writer}, nil
}

// Release removes the handle's pin. Safe to call more than once; only the
// first call takes effect.
func (h *Handle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	return h.writer.DecrefContext(h.Table, h.jobID)
}
