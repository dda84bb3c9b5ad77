package store

import (
	"database/sql"
	"fmt"

	"github.com/teranos/loom/model"
)

// Scan plumbing for the three wide tables. Each record type gets a ScanArgs
// struct holding the nullable column targets, a targets builder in column
// order, and a process step that folds the scanned values into the model.

const jobSelectColumns = `id, name, status, created_at, started_at, completed_at, error`

type jobScanArgs struct {
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime
	ErrorMsg    sql.NullString
}

func jobScanTargets(job *model.Job, args *jobScanArgs) []any {
	return []any{
		&job.ID,
		&job.Name,
		&job.Status,
		&job.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&args.ErrorMsg,
	}
}

func processJobScanArgs(job *model.Job, args *jobScanArgs) {
	if args.StartedAt.Valid {
		job.StartedAt = &args.StartedAt.Time
	}
	if args.CompletedAt.Valid {
		job.CompletedAt = &args.CompletedAt.Time
	}
	if args.ErrorMsg.Valid {
		job.Error = args.ErrorMsg.String
	}
}

func scanJobFromRow(row *sql.Row, job *model.Job) error {
	args := &jobScanArgs{}
	if err := row.Scan(jobScanTargets(job, args)...); err != nil {
		return err
	}
	processJobScanArgs(job, args)
	return nil
}

func scanJobFromRows(rows *sql.Rows, job *model.Job) error {
	args := &jobScanArgs{}
	if err := rows.Scan(jobScanTargets(job, args)...); err != nil {
		return err
	}
	processJobScanArgs(job, args)
	return nil
}

const taskSelectColumns = `id, job_id, group_id, entrypoint, kwargs, status,
	created_at, claimed_at, started_at, completed_at,
	worker_id, result, log_path, error`

type taskScanArgs struct {
	GroupID     sql.NullInt64
	Kwargs      sql.NullString
	ClaimedAt   sql.NullTime
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime
	WorkerID    sql.NullInt64
	Result      sql.NullString
	LogPath     sql.NullString
	ErrorMsg    sql.NullString
}

func taskScanTargets(task *model.Task, args *taskScanArgs) []any {
	return []any{
		&task.ID,
		&task.JobID,
		&args.GroupID,
		&task.Entrypoint,
		&args.Kwargs,
		&task.Status,
		&task.CreatedAt,
		&args.ClaimedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&args.WorkerID,
		&args.Result,
		&args.LogPath,
		&args.ErrorMsg,
	}
}

func processTaskScanArgs(task *model.Task, args *taskScanArgs) error {
	if args.GroupID.Valid {
		task.GroupID = &args.GroupID.Int64
	}
	if args.Kwargs.Valid {
		params, err := model.UnmarshalParams(args.Kwargs.String)
		if err != nil {
			return fmt.Errorf("failed to unmarshal parameters for task %d: %w", task.ID, err)
		}
		task.Params = params
	}
	if args.ClaimedAt.Valid {
		task.ClaimedAt = &args.ClaimedAt.Time
	}
	if args.StartedAt.Valid {
		task.StartedAt = &args.StartedAt.Time
	}
	if args.CompletedAt.Valid {
		task.CompletedAt = &args.CompletedAt.Time
	}
	if args.WorkerID.Valid {
		task.WorkerID = &args.WorkerID.Int64
	}
	if args.Result.Valid {
		result, err := model.UnmarshalValue(args.Result.String)
		if err != nil {
			return fmt.Errorf("failed to unmarshal result for task %d: %w", task.ID, err)
		}
		task.Result = result
	}
	if args.LogPath.Valid {
		task.LogPath = args.LogPath.String
	}
	if args.ErrorMsg.Valid {
		task.Error = args.ErrorMsg.String
	}
	return nil
}

func scanTaskFromRow(row *sql.Row, task *model.Task) error {
	args := &taskScanArgs{}
	if err := row.Scan(taskScanTargets(task, args)...); err != nil {
		return err
	}
	return processTaskScanArgs(task, args)
}

func scanTaskFromRows(rows *sql.Rows, task *model.Task) error {
	args := &taskScanArgs{}
	if err := rows.Scan(taskScanTargets(task, args)...); err != nil {
		return err
	}
	return processTaskScanArgs(task, args)
}

const workerSelectColumns = `id, hostname, pid, status, created_at, started_at,
	last_heartbeat, tasks_completed, tasks_failed`

type workerScanArgs struct {
	StartedAt     sql.NullTime
	LastHeartbeat sql.NullTime
}

func workerScanTargets(w *model.Worker, args *workerScanArgs) []any {
	return []any{
		&w.ID,
		&w.Hostname,
		&w.PID,
		&w.Status,
		&w.CreatedAt,
		&args.StartedAt,
		&args.LastHeartbeat,
		&w.TasksCompleted,
		&w.TasksFailed,
	}
}

func processWorkerScanArgs(w *model.Worker, args *workerScanArgs) {
	if args.StartedAt.Valid {
		w.StartedAt = &args.StartedAt.Time
	}
	if args.LastHeartbeat.Valid {
		w.LastHeartbeat = &args.LastHeartbeat.Time
	}
}

func scanWorkerFromRow(row *sql.Row, w *model.Worker) error {
	args := &workerScanArgs{}
	if err := row.Scan(workerScanTargets(w, args)...); err != nil {
		return err
	}
	processWorkerScanArgs(w, args)
	return nil
}

func scanWorkerFromRows(rows *sql.Rows, w *model.Worker) error {
	args := &workerScanArgs{}
	if err := rows.Scan(workerScanTargets(w, args)...); err != nil {
		return err
	}
	processWorkerScanArgs(w, args)
	return nil
}
