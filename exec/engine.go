package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/model"
	"github.com/teranos/loom/store"
)

// Engine executes claimed tasks against the store. It is the only component
// that moves a task CLAIMED→RUNNING and on to a terminal status; handlers
// never touch task state themselves.
type Engine struct {
	store    *store.Store
	registry *Registry
	logDir   string
	logger   *zap.SugaredLogger
}

// NewEngine creates an execution engine. logDir is where per-task log files
// go; empty selects the user cache directory. A nil logger disables engine
// logging.
func NewEngine(s *store.Store, registry *Registry, logDir string, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Engine{
		store:    s,
		registry: registry,
		logDir:   logDir,
		logger:   logger,
	}
}

// ExecuteTask runs one claimed task to a terminal status and returns the
// updated record. Execution failures (missing handler, bad parameters,
// handler error, handler panic) are recorded on the task, not returned; the
// error return is reserved for store failures, which leave the task's
// recorded state alone so another worker can pick it up after recovery.
//
// After the task reaches a terminal status the owning job is re-resolved, so
// a job whose last task just finished is finalized by the worker that
// finished it.
func (e *Engine) ExecuteTask(ctx context.Context, task *model.Task) (*model.Task, error) {
	execErr, storeErr := e.runTask(ctx, task)
	if storeErr != nil {
		return nil, storeErr
	}
	if execErr != nil {
		task.Fail(execErr)
		e.logger.Warnw("Task failed",
			"task_id", task.ID,
			"job_id", task.JobID,
			"entrypoint", task.Entrypoint,
			"error", execErr)
	} else {
		e.logger.Infow("Task completed",
			"task_id", task.ID,
			"job_id", task.JobID,
			"entrypoint", task.Entrypoint)
	}

	if err := e.store.UpdateTask(task); err != nil {
		return nil, err
	}
	if _, err := e.store.ResolveJob(task.JobID); err != nil {
		return nil, err
	}
	return task, nil
}

// runTask performs the fallible part of execution: resolve, materialize,
// open the log, run the handler, record the result. execErr belongs to the
// task and the caller marks it FAILED; storeErr means persistence itself
// broke mid-execution, which must not count against the task.
func (e *Engine) runTask(ctx context.Context, task *model.Task) (execErr, storeErr error) {
	handler, err := e.registry.Get(task.Entrypoint)
	if err != nil {
		return err, nil
	}

	params, err := materializeParams(task.Params)
	if err != nil {
		return err, nil
	}

	logFile, logPath, err := e.openTaskLog(task.ID)
	if err != nil {
		return err, nil
	}
	defer logFile.Close()
	task.LogPath = logPath

	task.Start()
	if err := e.store.UpdateTask(task); err != nil {
		return nil, err
	}

	result, err := e.invoke(ctx, handler, &Call{
		Task:   task,
		Params: params,
		Output: io.MultiWriter(logFile, os.Stderr),
	})
	if err != nil {
		return err, nil
	}

	if result == nil {
		task.Complete(nil)
		return nil, nil
	}
	value, err := model.Native(result)
	if err != nil {
		return errors.Wrap(err, "failed to encode task result"), nil
	}
	task.Complete(&value)
	return nil, nil
}

// invoke runs the handler with panic recovery. A panicking handler fails its
// task; it must not take the worker process down with it.
func (e *Engine) invoke(ctx context.Context, handler Handler, call *Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("handler panic in %q: %v", handler.Name(), r)
		}
	}()
	return handler.Execute(ctx, call)
}

// materializeParams decodes stored parameter values into plain Go values for
// the handler. Handle-typed parameters are an extension point for an external
// data layer and fail fast until that layer exists.
func materializeParams(params model.Params) (map[string]any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(params))
	for name, value := range params {
		switch value.Kind {
		case model.ValueKindHandle:
			return nil, errors.Wrapf(errors.ErrNotImplemented,
				"handle-typed parameter %q (handle %s)", name, value.Handle)
		case model.ValueKindNative:
			var v any
			if len(value.Value) > 0 {
				if err := json.Unmarshal(value.Value, &v); err != nil {
					return nil, errors.Wrapf(err, "failed to decode parameter %q", name)
				}
			}
			out[name] = v
		default:
			return nil, errors.Newf("parameter %q has unknown kind %q", name, value.Kind)
		}
	}
	return out, nil
}

// openTaskLog creates the per-task log file, creating the directory tree as
// needed.
func (e *Engine) openTaskLog(taskID int64) (*os.File, string, error) {
	dir := e.logDir
	if dir == "" {
		cache, err := os.UserCacheDir()
		if err != nil {
			return nil, "", errors.Wrap(err, "failed to locate user cache directory")
		}
		dir = filepath.Join(cache, "loom", "logs")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", errors.Wrapf(err, "failed to create log directory %s", dir)
	}

	path := filepath.Join(dir, fmt.Sprintf("task-%d.log", taskID))
	f, err := os.Create(path)
	if err != nil {
		return nil, "", errors.Wrapf(err, "failed to create task log %s", path)
	}
	return f, path, nil
}

// RunJob drives one job to a terminal status synchronously, failing fast: the
// first task failure finalizes the job as FAILED and stops execution. An
// ephemeral worker registration scopes the claims; it is deregistered before
// returning.
//
// Tasks left PENDING behind an unsatisfiable dependency (after a fail-fast
// stop, or a cycle) are simply never claimed; the job's terminal status comes
// from the tasks that did run.
func (e *Engine) RunJob(ctx context.Context, jobID int64) (*model.Job, error) {
	hostname, _ := os.Hostname()
	runner, err := e.store.RegisterWorker(hostname, os.Getpid())
	if err != nil {
		return nil, err
	}
	defer e.store.DeregisterWorker(runner.ID)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		task, err := e.store.ClaimNextTaskInJob(runner.ID, jobID)
		if err != nil {
			return nil, err
		}
		if task == nil {
			return e.finalizeRun(jobID)
		}

		executed, err := e.ExecuteTask(ctx, task)
		if err != nil {
			return nil, err
		}
		if executed.Status == model.TaskStatusFailed {
			return e.finalizeRun(jobID)
		}
	}
}

// finalizeRun resolves the job once no more tasks are claimable. A job that
// still is not terminal has tasks stranded behind dependencies that can never
// be satisfied; it is failed rather than left dangling.
func (e *Engine) finalizeRun(jobID int64) (*model.Job, error) {
	job, err := e.store.ResolveJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	job.Fail(errors.New("no claimable tasks remain and the job is incomplete"))
	if err := e.store.UpdateJob(job); err != nil {
		return nil, err
	}
	return job, nil
}
