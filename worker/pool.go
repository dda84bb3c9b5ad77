package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/loom/exec"
	"github.com/teranos/loom/store"
)

// stopTimeout bounds how long Stop waits for workers to finish their current
// task before returning.
const stopTimeout = 30 * time.Second

// Pool runs a fixed number of worker loops against one store. Each loop has
// its own registration row, so a pool of N looks to the registry exactly like
// N independent worker processes.
type Pool struct {
	store  *store.Store
	engine *exec.Engine
	opts   Options
	count  int
	logger *zap.SugaredLogger

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewPool creates a pool of count workers sharing one engine. The parent
// context bounds the pool's whole lifetime; cancelling it stops every loop.
func NewPool(ctx context.Context, s *store.Store, engine *exec.Engine, opts Options, count int, logger *zap.SugaredLogger) *Pool {
	if count < 1 {
		count = 1
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	poolCtx, cancel := context.WithCancel(ctx)
	return &Pool{
		store:     s,
		engine:    engine,
		opts:      opts,
		count:     count,
		logger:    logger.Named("pool"),
		parentCtx: ctx,
		ctx:       poolCtx,
		cancel:    cancel,
	}
}

// Start launches the worker loops. Safe to call again after Stop; a fresh
// child context is derived from the parent.
func (p *Pool) Start() {
	select {
	case <-p.ctx.Done():
		p.ctx, p.cancel = context.WithCancel(p.parentCtx)
	default:
	}

	if warning := checkMemoryPressure(p.count); warning != "" {
		p.logger.Warnw("Memory pressure warning", "warning", warning, "workers", p.count)
	}

	p.logger.Infow("Starting workers", "count", p.count)
	for i := 0; i < p.count; i++ {
		p.wg.Add(1)
		go func(i int) {
			defer p.wg.Done()
			w := New(p.store, p.engine, p.opts, p.logger.With("slot", i))
			if err := w.Run(p.ctx); err != nil {
				p.logger.Errorw("Worker exited with error", "slot", i, "error", err)
			}
		}(i)
	}
}

// Stop cancels the loops and waits, bounded by stopTimeout, for them to
// finish their in-flight task and deregister.
func (p *Pool) Stop() {
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Infow("All workers stopped")
	case <-time.After(stopTimeout):
		p.logger.Warnw("Timed out waiting for workers to stop", "timeout", stopTimeout)
	}
}

// Wait blocks until every loop has exited, without cancelling. Used by
// bounded runs (MaxTasks/MaxIdlePolls) that drain and stop on their own.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Workers returns the configured loop count.
func (p *Pool) Workers() int {
	return p.count
}
