package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/model"
)

// RegisterWorker inserts an ACTIVE worker row with heartbeat = now.
// Empty hostname is stored as-is; callers usually pass os.Hostname().
func (s *Store) RegisterWorker(hostname string, pid int) (*model.Worker, error) {
	worker := model.NewWorker(s.ids.Next(), hostname, pid)

	_, err := s.db.Exec(`
		INSERT INTO workers (id, hostname, pid, status, created_at, started_at,
			last_heartbeat, tasks_completed, tasks_failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0)`,
		worker.ID, worker.Hostname, worker.PID, worker.Status,
		worker.CreatedAt, nullTime(worker.StartedAt), nullTime(worker.LastHeartbeat),
	)
	if err != nil {
		err = errors.Wrap(err, "failed to register worker")
		err = errors.WithDetail(err, fmt.Sprintf("Hostname: %s pid: %d", hostname, pid))
		return nil, err
	}
	return worker, nil
}

// WorkerHeartbeat refreshes a worker's liveness timestamp and forces its
// status back to ACTIVE. Returns false when the worker row does not exist;
// an error is reserved for store failures.
func (s *Store) WorkerHeartbeat(workerID int64) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE workers
		SET last_heartbeat = ?, status = ?
		WHERE id = ?`,
		time.Now().UTC(), model.WorkerStatusActive, workerID,
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to heartbeat worker %d", workerID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read heartbeat result")
	}
	return affected > 0, nil
}

// DeregisterWorker marks a worker STOPPED. The row is preserved for
// history, never deleted. Returns false when the worker does not exist.
func (s *Store) DeregisterWorker(workerID int64) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE workers SET status = ? WHERE id = ?`,
		model.WorkerStatusStopped, workerID,
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to deregister worker %d", workerID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read deregister result")
	}
	return affected > 0, nil
}

// GetWorker retrieves a worker by id.
func (s *Store) GetWorker(workerID int64) (*model.Worker, error) {
	row := s.db.QueryRow(`SELECT `+workerSelectColumns+` FROM workers WHERE id = ?`, workerID)

	var worker model.Worker
	if err := scanWorkerFromRow(row, &worker); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(errors.ErrNotFound, "worker %d", workerID)
		}
		return nil, errors.Wrapf(err, "failed to get worker %d", workerID)
	}
	return &worker, nil
}

// ListWorkers returns workers, optionally filtered by status.
func (s *Store) ListWorkers(status *model.WorkerStatus) ([]*model.Worker, error) {
	query := `SELECT ` + workerSelectColumns + ` FROM workers`
	args := []any{}
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list workers")
	}
	defer rows.Close()

	var workers []*model.Worker
	for rows.Next() {
		var worker model.Worker
		if err := scanWorkerFromRows(rows, &worker); err != nil {
			return nil, errors.Wrap(err, "failed to scan worker")
		}
		workers = append(workers, &worker)
	}
	return workers, rows.Err()
}

// BumpWorkerCounters adds the given deltas to a worker's task counters.
func (s *Store) BumpWorkerCounters(workerID int64, completed, failed int64) error {
	_, err := s.db.Exec(`
		UPDATE workers
		SET tasks_completed = tasks_completed + ?, tasks_failed = tasks_failed + ?
		WHERE id = ?`,
		completed, failed, workerID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to bump counters for worker %d", workerID)
	}
	return nil
}

// SweepDeadWorkers finds ACTIVE workers whose last heartbeat is older than
// timeout, marks them STOPPED, and fails their CLAIMED/RUNNING tasks with a
// heartbeat-timeout error. This is the sole recovery path for work orphaned
// by a crashed worker. Returns the ids of the workers swept.
//
// The sweep is idempotent: a swept worker is no longer ACTIVE, so a second
// pass with no newly-dead workers is a no-op, and each orphaned task is
// failed exactly once.
func (s *Store) SweepDeadWorkers(timeout time.Duration) ([]int64, error) {
	cutoff := time.Now().UTC().Add(-timeout)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin dead-worker sweep")
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id FROM workers
		WHERE status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)`,
		model.WorkerStatusActive, cutoff,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find dead workers")
	}
	var dead []int64
	for rows.Next() {
		var workerID int64
		if err := rows.Scan(&workerID); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan dead worker id")
		}
		dead = append(dead, workerID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate dead workers")
	}
	if len(dead) == 0 {
		return nil, tx.Commit()
	}

	now := time.Now().UTC()
	for _, workerID := range dead {
		if _, err := tx.Exec(`
			UPDATE workers SET status = ? WHERE id = ?`,
			model.WorkerStatusStopped, workerID,
		); err != nil {
			return nil, errors.Wrapf(err, "failed to stop dead worker %d", workerID)
		}

		if _, err := tx.Exec(`
			UPDATE tasks
			SET status = ?, error = ?, completed_at = ?
			WHERE worker_id = ? AND status IN ('CLAIMED', 'RUNNING')`,
			model.TaskStatusFailed,
			fmt.Sprintf("worker %d heartbeat timeout after %s", workerID, timeout),
			now, workerID,
		); err != nil {
			return nil, errors.Wrapf(err, "failed to fail tasks of dead worker %d", workerID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit dead-worker sweep")
	}
	return dead, nil
}
