package exec

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loomtest "github.com/teranos/loom/internal/testing"
	"github.com/teranos/loom/model"
	"github.com/teranos/loom/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store, *Registry) {
	t.Helper()
	s := store.NewStore(loomtest.CreateTestDB(t))
	registry := NewRegistry()
	engine := NewEngine(s, registry, t.TempDir(), nil)
	return engine, s, registry
}

func claimForTest(t *testing.T, s *store.Store) *model.Task {
	t.Helper()
	worker, err := s.RegisterWorker("exec-test", os.Getpid())
	require.NoError(t, err)
	task, err := s.ClaimNextTask(worker.ID)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

func TestRegistryPanicsOnDuplicate(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterFunc("dup", func(ctx context.Context, call *Call) (any, error) {
		return nil, nil
	})

	assert.Panics(t, func() {
		registry.RegisterFunc("dup", func(ctx context.Context, call *Call) (any, error) {
			return nil, nil
		})
	})

	assert.True(t, registry.Has("dup"))
	assert.Equal(t, []string{"dup"}, registry.Names())
}

func TestExecuteTaskCompletesWithResult(t *testing.T) {
	engine, s, registry := newTestEngine(t)

	var got map[string]any
	registry.RegisterFunc("sum", func(ctx context.Context, call *Call) (any, error) {
		got = call.Params
		fmt.Fprintln(call.Output, "computing")
		return map[string]int{"total": 5}, nil
	})

	job, err := s.CreateJob("arith")
	require.NoError(t, err)
	_, err = s.CreateTask(job.ID, nil, "sum", model.Params{
		"a": model.MustNative(2),
		"b": model.MustNative(3),
	})
	require.NoError(t, err)

	task := claimForTest(t, s)
	executed, err := engine.ExecuteTask(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, executed.Status)
	require.NotNil(t, executed.Result)
	assert.JSONEq(t, `{"total":5}`, string(executed.Result.Value))
	assert.Equal(t, float64(2), got["a"])
	assert.Equal(t, float64(3), got["b"])

	// Handler output landed in the per-task log file.
	require.NotEmpty(t, executed.LogPath)
	content, err := os.ReadFile(executed.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "computing")

	// The sole task completed, so the job was finalized too.
	finished, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, finished.Status)
}

func TestExecuteTaskFailsOnUnknownEntrypoint(t *testing.T) {
	engine, s, _ := newTestEngine(t)

	job, err := s.CreateJob("unroutable")
	require.NoError(t, err)
	_, err = s.CreateTask(job.ID, nil, "no.such.entrypoint", nil)
	require.NoError(t, err)

	task := claimForTest(t, s)
	executed, err := engine.ExecuteTask(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, executed.Status)
	assert.Contains(t, executed.Error, "no handler registered")

	failed, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, failed.Status)
}

func TestExecuteTaskFailsFastOnHandleParameter(t *testing.T) {
	engine, s, registry := newTestEngine(t)

	called := false
	registry.RegisterFunc("consume", func(ctx context.Context, call *Call) (any, error) {
		called = true
		return nil, nil
	})

	job, err := s.CreateJob("handles")
	require.NoError(t, err)
	_, err = s.CreateTask(job.ID, nil, "consume", model.Params{
		"input": model.HandleRef("tbl_source"),
	})
	require.NoError(t, err)

	task := claimForTest(t, s)
	executed, err := engine.ExecuteTask(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, executed.Status)
	assert.Contains(t, executed.Error, "not implemented")
	assert.Contains(t, executed.Error, "tbl_source")
	assert.False(t, called, "handler must not run when materialization fails")
}

// A store that breaks mid-execution surfaces as an error return; it must
// not be recorded on the task as if the handler had failed.
func TestExecuteTaskPropagatesStoreFailure(t *testing.T) {
	database := loomtest.CreateTestDB(t)
	s := store.NewStore(database)
	registry := NewRegistry()
	engine := NewEngine(s, registry, t.TempDir(), nil)

	called := false
	registry.RegisterFunc("work", func(ctx context.Context, call *Call) (any, error) {
		called = true
		return nil, nil
	})

	job, err := s.CreateJob("unreachable-store")
	require.NoError(t, err)
	_, err = s.CreateTask(job.ID, nil, "work", nil)
	require.NoError(t, err)

	task := claimForTest(t, s)
	require.NoError(t, database.Close())

	_, err = engine.ExecuteTask(context.Background(), task)
	require.Error(t, err)
	assert.NotEqual(t, model.TaskStatusFailed, task.Status,
		"a store failure must not count against the task")
	assert.Empty(t, task.Error)
	assert.False(t, called, "handler must not run once persistence is gone")
}

func TestExecuteTaskRecoversHandlerPanic(t *testing.T) {
	engine, s, registry := newTestEngine(t)

	registry.RegisterFunc("explode", func(ctx context.Context, call *Call) (any, error) {
		panic("kaboom")
	})

	job, err := s.CreateJob("volatile")
	require.NoError(t, err)
	_, err = s.CreateTask(job.ID, nil, "explode", nil)
	require.NoError(t, err)

	task := claimForTest(t, s)
	executed, err := engine.ExecuteTask(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, executed.Status)
	assert.Contains(t, executed.Error, "kaboom")
}

func TestRunJobExecutesInDependencyOrder(t *testing.T) {
	engine, s, registry := newTestEngine(t)

	var order []string
	registry.RegisterFunc("record", func(ctx context.Context, call *Call) (any, error) {
		order = append(order, call.Params["name"].(string))
		return nil, nil
	})

	job, err := s.CreateJob("ordered-run")
	require.NoError(t, err)
	a, err := s.CreateTask(job.ID, nil, "record", model.Params{"name": model.MustNative("a")})
	require.NoError(t, err)
	b, err := s.CreateTask(job.ID, nil, "record", model.Params{"name": model.MustNative("b")})
	require.NoError(t, err)
	require.NoError(t, s.AddDependencies(model.Then(
		[]model.Endpoint{a.Endpoint()},
		[]model.Endpoint{b.Endpoint()},
	)))

	finished, err := engine.RunJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, finished.Status)
	assert.Equal(t, []string{"a", "b"}, order)

	// The ephemeral runner deregistered itself.
	active := model.WorkerStatusActive
	workers, err := s.ListWorkers(&active)
	require.NoError(t, err)
	assert.Empty(t, workers)
}

func TestRunJobFailsFast(t *testing.T) {
	engine, s, registry := newTestEngine(t)

	executions := 0
	registry.RegisterFunc("count", func(ctx context.Context, call *Call) (any, error) {
		executions++
		return nil, nil
	})
	registry.RegisterFunc("fail", func(ctx context.Context, call *Call) (any, error) {
		executions++
		return nil, fmt.Errorf("deliberate failure")
	})

	job, err := s.CreateJob("doomed-run")
	require.NoError(t, err)
	bad, err := s.CreateTask(job.ID, nil, "fail", nil)
	require.NoError(t, err)
	after, err := s.CreateTask(job.ID, nil, "count", nil)
	require.NoError(t, err)
	require.NoError(t, s.AddDependencies(model.Then(
		[]model.Endpoint{bad.Endpoint()},
		[]model.Endpoint{after.Endpoint()},
	)))

	finished, err := engine.RunJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, finished.Status)
	assert.Equal(t, 1, executions, "downstream task must not run after the failure")

	stranded, err := s.GetTask(after.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, stranded.Status)
}

func TestRunJobIgnoresOtherJobs(t *testing.T) {
	engine, s, registry := newTestEngine(t)

	var ran []string
	registry.RegisterFunc("tag", func(ctx context.Context, call *Call) (any, error) {
		ran = append(ran, call.Params["who"].(string))
		return nil, nil
	})

	mine, err := s.CreateJob("mine")
	require.NoError(t, err)
	_, err = s.CreateTask(mine.ID, nil, "tag", model.Params{"who": model.MustNative("mine")})
	require.NoError(t, err)

	other, err := s.CreateJob("other")
	require.NoError(t, err)
	_, err = s.CreateTask(other.ID, nil, "tag", model.Params{"who": model.MustNative("other")})
	require.NoError(t, err)

	finished, err := engine.RunJob(context.Background(), mine.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, finished.Status)
	assert.Equal(t, []string{"mine"}, ran)

	untouched, err := s.GetJob(other.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, untouched.Status)
}
