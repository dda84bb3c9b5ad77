// Package store handles persistence of jobs, tasks, groups, workers,
// dependencies and table refcounts against the shared SQLite database.
// All cross-worker coordination is expressed as transactions here; there is
// no in-memory lock shared between processes.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/id"
	"github.com/teranos/loom/model"
)

// Store handles persistence for the orchestrator.
type Store struct {
	db  *sql.DB
	ids *id.Generator
}

// NewStore creates a store over an open database, generating identifiers
// from the process-wide generator.
func NewStore(db *sql.DB) *Store {
	return NewStoreWithGenerator(db, id.NewHostGenerator())
}

// NewStoreWithGenerator creates a store with an injected id generator.
// Tests use this to get deterministic id spacing.
func NewStoreWithGenerator(db *sql.DB, gen *id.Generator) *Store {
	return &Store{db: db, ids: gen}
}

// CreateJob inserts a new pending job and returns it.
func (s *Store) CreateJob(name string) (*model.Job, error) {
	job := model.NewJob(s.ids.Next(), name)

	_, err := s.db.Exec(`
		INSERT INTO jobs (id, name, status, created_at)
		VALUES (?, ?, ?, ?)`,
		job.ID, job.Name, job.Status, job.CreatedAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create job")
		err = errors.WithDetail(err, fmt.Sprintf("Job name: %s", name))
		return nil, err
	}
	return job, nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(jobID int64) (*model.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobSelectColumns+` FROM jobs WHERE id = ?`, jobID)

	var job model.Job
	if err := scanJobFromRow(row, &job); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(errors.ErrNotFound, "job %d", jobID)
		}
		return nil, errors.Wrapf(err, "failed to get job %d", jobID)
	}
	return &job, nil
}

// UpdateJob persists a job's mutable fields.
func (s *Store) UpdateJob(job *model.Job) error {
	_, err := s.db.Exec(`
		UPDATE jobs
		SET name = ?, status = ?, started_at = ?, completed_at = ?, error = ?
		WHERE id = ?`,
		job.Name, job.Status,
		nullTime(job.StartedAt), nullTime(job.CompletedAt), nullString(job.Error),
		job.ID,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to update job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %d", job.ID))
		return err
	}
	return nil
}

// ListJobs returns jobs, optionally filtered by status, newest last.
func (s *Store) ListJobs(status *model.JobStatus, limit int) ([]*model.Job, error) {
	query := `SELECT ` + jobSelectColumns + ` FROM jobs`
	args := []any{}
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		var job model.Job
		if err := scanJobFromRows(rows, &job); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

// ResolveJob inspects a job's tasks and finalizes the job record: FAILED if
// any task failed, COMPLETED once every task completed. Jobs with work still
// pending are left untouched.
func (s *Store) ResolveJob(jobID int64) (*model.Job, error) {
	job, err := s.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	var total, completed, failed int
	err = s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(status = 'COMPLETED'), 0),
		       COALESCE(SUM(status = 'FAILED'), 0)
		FROM tasks WHERE job_id = ?`, jobID,
	).Scan(&total, &completed, &failed)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to count tasks for job %d", jobID)
	}

	switch {
	case failed > 0:
		job.Fail(errors.Newf("%d of %d tasks failed", failed, total))
	case total > 0 && completed == total:
		job.Complete()
	default:
		return job, nil
	}

	if err := s.UpdateJob(job); err != nil {
		return nil, err
	}
	return job, nil
}

// CreateTask inserts a new pending task for the given job. groupID may be
// nil for ungrouped tasks.
func (s *Store) CreateTask(jobID int64, groupID *int64, entrypoint string, params model.Params) (*model.Task, error) {
	task := model.NewTask(s.ids.Next(), jobID, entrypoint, params)
	task.GroupID = groupID

	kwargs, err := model.MarshalParams(params)
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks (id, job_id, group_id, entrypoint, kwargs, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.JobID, nullInt64(task.GroupID), task.Entrypoint,
		nullString(kwargs), task.Status, task.CreatedAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create task")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %d", jobID))
		err = errors.WithDetail(err, fmt.Sprintf("Entrypoint: %s", entrypoint))
		return nil, err
	}
	return task, nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(taskID int64) (*model.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskSelectColumns+` FROM tasks WHERE id = ?`, taskID)

	var task model.Task
	if err := scanTaskFromRow(row, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(errors.ErrNotFound, "task %d", taskID)
		}
		return nil, errors.Wrapf(err, "failed to get task %d", taskID)
	}
	return &task, nil
}

// UpdateTask persists a task's mutable fields.
func (s *Store) UpdateTask(task *model.Task) error {
	kwargs, err := model.MarshalParams(task.Params)
	if err != nil {
		return err
	}
	result, err := model.MarshalValue(task.Result)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		UPDATE tasks
		SET group_id = ?, entrypoint = ?, kwargs = ?, status = ?,
		    claimed_at = ?, started_at = ?, completed_at = ?,
		    worker_id = ?, result = ?, log_path = ?, error = ?
		WHERE id = ?`,
		nullInt64(task.GroupID), task.Entrypoint, nullString(kwargs), task.Status,
		nullTime(task.ClaimedAt), nullTime(task.StartedAt), nullTime(task.CompletedAt),
		nullInt64(task.WorkerID), nullString(result), nullString(task.LogPath),
		nullString(task.Error),
		task.ID,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to update task")
		err = errors.WithDetail(err, fmt.Sprintf("Task ID: %d", task.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Status: %s", task.Status))
		return err
	}
	return nil
}

// ListTasks returns a job's tasks, optionally filtered by status, in id
// (creation) order.
func (s *Store) ListTasks(jobID int64, status *model.TaskStatus) ([]*model.Task, error) {
	query := `SELECT ` + taskSelectColumns + ` FROM tasks WHERE job_id = ?`
	args := []any{jobID}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list tasks for job %d", jobID)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		var task model.Task
		if err := scanTaskFromRows(rows, &task); err != nil {
			return nil, errors.Wrap(err, "failed to scan task")
		}
		tasks = append(tasks, &task)
	}
	return tasks, rows.Err()
}

// CreateGroup inserts a new group for the given job. parentGroupID may be
// nil; non-nil enables nesting.
func (s *Store) CreateGroup(jobID int64, parentGroupID *int64, name string) (*model.Group, error) {
	group := model.NewGroup(s.ids.Next(), jobID, name)
	group.ParentGroupID = parentGroupID

	_, err := s.db.Exec(`
		INSERT INTO groups (id, job_id, parent_group_id, name, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		group.ID, group.JobID, nullInt64(group.ParentGroupID), group.Name, group.CreatedAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create group")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %d", jobID))
		err = errors.WithDetail(err, fmt.Sprintf("Group name: %s", name))
		return nil, err
	}
	return group, nil
}

// GetGroup retrieves a group by id.
func (s *Store) GetGroup(groupID int64) (*model.Group, error) {
	var group model.Group
	var parent sql.NullInt64
	err := s.db.QueryRow(`
		SELECT id, job_id, parent_group_id, name, created_at
		FROM groups WHERE id = ?`, groupID,
	).Scan(&group.ID, &group.JobID, &parent, &group.Name, &group.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "group %d", groupID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get group %d", groupID)
	}
	if parent.Valid {
		group.ParentGroupID = &parent.Int64
	}
	return &group, nil
}

// ListGroupTasks returns the tasks currently assigned to a group.
func (s *Store) ListGroupTasks(groupID int64) ([]*model.Task, error) {
	rows, err := s.db.Query(`SELECT `+taskSelectColumns+` FROM tasks WHERE group_id = ? ORDER BY id ASC`, groupID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list tasks for group %d", groupID)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		var task model.Task
		if err := scanTaskFromRows(rows, &task); err != nil {
			return nil, errors.Wrap(err, "failed to scan task")
		}
		tasks = append(tasks, &task)
	}
	return tasks, rows.Err()
}

// AddDependency persists a single dependency edge.
func (s *Store) AddDependency(dep model.Dependency) error {
	_, err := s.db.Exec(`
		INSERT INTO dependencies (previous_id, previous_type, next_id, next_type, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		dep.Previous.ID, dep.Previous.Type, dep.Next.ID, dep.Next.Type, dep.CreatedAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to add dependency")
		err = errors.WithDetail(err, fmt.Sprintf("Edge: %s:%d >> %s:%d",
			dep.Previous.Type, dep.Previous.ID, dep.Next.Type, dep.Next.ID))
		return err
	}
	return nil
}

// AddDependencies persists a batch of dependency edges, typically the
// output of model.Then / model.After.
func (s *Store) AddDependencies(deps []model.Dependency) error {
	for _, dep := range deps {
		if err := s.AddDependency(dep); err != nil {
			return err
		}
	}
	return nil
}

// ListDependencies returns the edges pointing at the given endpoint.
func (s *Store) ListDependencies(next model.Endpoint) ([]model.Dependency, error) {
	rows, err := s.db.Query(`
		SELECT previous_id, previous_type, next_id, next_type, created_at
		FROM dependencies
		WHERE next_type = ? AND next_id = ?
		ORDER BY previous_type, previous_id`,
		next.Type, next.ID,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list dependencies for %s:%d", next.Type, next.ID)
	}
	defer rows.Close()

	var deps []model.Dependency
	for rows.Next() {
		var dep model.Dependency
		if err := rows.Scan(&dep.Previous.ID, &dep.Previous.Type, &dep.Next.ID, &dep.Next.Type, &dep.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan dependency")
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
