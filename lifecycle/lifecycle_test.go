package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/loom/errors"
	loomtest "github.com/teranos/loom/internal/testing"
	"github.com/teranos/loom/model"
	"github.com/teranos/loom/store"
)

func newLifecycleStore(t *testing.T) *store.Store {
	t.Helper()
	return store.NewStore(loomtest.CreateTestDB(t))
}

// recordingDropper remembers drop calls and can be told to fail.
type recordingDropper struct {
	mu      sync.Mutex
	dropped []string
	failOn  map[string]error
}

func (d *recordingDropper) Drop(_ context.Context, table string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.failOn[table]; ok {
		return err
	}
	d.dropped = append(d.dropped, table)
	return nil
}

func (d *recordingDropper) tables() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dropped...)
}

func TestWriterAppliesOpsInOrder(t *testing.T) {
	s := newLifecycleStore(t)
	w := NewWriter(s, 16, nil)

	require.NoError(t, w.Incref("tbl_a"))
	require.NoError(t, w.Incref("tbl_a"))
	require.NoError(t, w.Decref("tbl_a"))
	require.NoError(t, w.Close())

	sum, err := s.SumTableRefcount("tbl_a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum)
}

func TestWriterDrainsOnClose(t *testing.T) {
	s := newLifecycleStore(t)
	w := NewWriter(s, 128, nil)

	for i := 0; i < 100; i++ {
		require.NoError(t, w.Incref("tbl_busy"))
	}
	require.NoError(t, w.Close())

	// Close drained everything queued before returning.
	sum, err := s.SumTableRefcount("tbl_busy")
	require.NoError(t, err)
	assert.Equal(t, int64(100), sum)
}

func TestWriterRejectsAfterClose(t *testing.T) {
	s := newLifecycleStore(t)
	w := NewWriter(s, 1, nil)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "second close is a no-op")

	err := w.Incref("tbl_late")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrClosed))
}

func TestWriterContextPins(t *testing.T) {
	s := newLifecycleStore(t)
	job, err := s.CreateJob("pinner")
	require.NoError(t, err)

	w := NewWriter(s, 16, nil)
	require.NoError(t, w.IncrefContext("tbl_ctx", job.ID))
	require.NoError(t, w.IncrefContext("tbl_ctx", job.ID))
	require.NoError(t, w.DecrefContext("tbl_ctx", job.ID))
	require.NoError(t, w.Close())

	sum, err := s.SumTableRefcount("tbl_ctx")
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum)
}

func TestReaperDropsUnreferencedTables(t *testing.T) {
	s := newLifecycleStore(t)
	dropper := &recordingDropper{}
	reaper := NewReaper(s, dropper, time.Hour, time.Hour, nil)

	require.NoError(t, s.AdjustTableRefcount("tbl_dead", 0))
	require.NoError(t, s.AdjustTableRefcount("tbl_live", 1))

	reaper.RunOnce(context.Background())

	assert.Equal(t, []string{"tbl_dead"}, dropper.tables())

	// The dropped table's tracking is gone; the live one survives.
	droppable, err := s.ListDroppableTables()
	require.NoError(t, err)
	assert.Empty(t, droppable)
	sum, err := s.SumTableRefcount("tbl_live")
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum)
}

func TestReaperRetriesFailedDrops(t *testing.T) {
	s := newLifecycleStore(t)
	dropper := &recordingDropper{failOn: map[string]error{
		"tbl_stuck": errors.New("table is busy"),
	}}
	reaper := NewReaper(s, dropper, time.Hour, time.Hour, nil)

	require.NoError(t, s.AdjustTableRefcount("tbl_stuck", 0))

	reaper.RunOnce(context.Background())
	assert.Empty(t, dropper.tables())

	// Tracking survives a failed drop so the next pass retries.
	dropper.mu.Lock()
	delete(dropper.failOn, "tbl_stuck")
	dropper.mu.Unlock()

	reaper.RunOnce(context.Background())
	assert.Equal(t, []string{"tbl_stuck"}, dropper.tables())
}

func TestReaperClearsTerminalPinsThenDrops(t *testing.T) {
	s := newLifecycleStore(t)
	dropper := &recordingDropper{}
	reaper := NewReaper(s, dropper, time.Hour, time.Hour, nil)

	job, err := s.CreateJob("holder")
	require.NoError(t, err)
	require.NoError(t, s.AdjustTableRefcount("tbl_result", 0))
	require.NoError(t, s.AdjustTableContextRefcount("tbl_result", job.ID, 1))

	// Pinned by a live job: nothing to drop.
	reaper.RunOnce(context.Background())
	assert.Empty(t, dropper.tables())

	job.Start()
	job.Complete()
	require.NoError(t, s.UpdateJob(job))

	// The pin sweep runs before the drop scan, so one pass suffices.
	reaper.RunOnce(context.Background())
	assert.Equal(t, []string{"tbl_result"}, dropper.tables())
}

func TestReaperSweepsDeadWorkers(t *testing.T) {
	s := newLifecycleStore(t)
	reaper := NewReaper(s, nil, time.Hour, 10*time.Millisecond, nil)

	worker, err := s.RegisterWorker("stale-host", 1)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	reaper.RunOnce(context.Background())

	swept, err := s.GetWorker(worker.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkerStatusStopped, swept.Status)
}

func TestManagerHandleLifetime(t *testing.T) {
	s := newLifecycleStore(t)
	dropper := &recordingDropper{}
	m := NewManager(s, dropper, ManagerConfig{
		ReapInterval:      time.Hour,
		DeadWorkerTimeout: time.Hour,
	}, nil)
	m.Start(context.Background())

	job, err := s.CreateJob("handled")
	require.NoError(t, err)

	require.NoError(t, s.AdjustTableRefcount("tbl_handled", 0))
	handle, err := m.AcquireHandle("tbl_handled", job.ID)
	require.NoError(t, err)

	require.NoError(t, handle.Release())
	require.NoError(t, handle.Release(), "double release is safe")

	m.Stop()

	// The pin came and went; the table is droppable again.
	sum, err := s.SumTableRefcount("tbl_handled")
	require.NoError(t, err)
	assert.Zero(t, sum)

	// Stop closed the writer.
	err = m.Writer.Incref("tbl_handled")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrClosed))
}
