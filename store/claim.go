package store

import (
	"database/sql"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/model"
)

// maxClaimAttempts bounds the retry loop when concurrent claimants race on
// the same candidate row. Each lost race removes one candidate, so the loop
// terminates long before this in practice; on exhaustion the caller simply
// polls again.
const maxClaimAttempts = 10

// claimCandidateBase selects the single best claimable task:
// PENDING, all four dependency conditions satisfied, belonging to the
// oldest-started RUNNING job (unstarted jobs come last), smallest task id
// as the tie-break.
//
// The dependency predicate is evaluated inside the claiming transaction,
// not as a separate pass, so eligibility and the claim are atomic with
// respect to concurrent status changes.
const claimCandidateBase = `
SELECT t.id, t.job_id
FROM tasks t
JOIN jobs j ON j.id = t.job_id
WHERE t.status = 'PENDING'
  AND j.status IN ('PENDING', 'RUNNING')
  -- (a) no incomplete upstream task -> this task
  AND NOT EXISTS (
      SELECT 1 FROM dependencies d
      JOIN tasks p ON p.id = d.previous_id
      WHERE d.next_type = 'task' AND d.next_id = t.id
        AND d.previous_type = 'task' AND p.status != 'COMPLETED')
  -- (b) no upstream group with incomplete members -> this task
  AND NOT EXISTS (
      SELECT 1 FROM dependencies d
      JOIN tasks p ON p.group_id = d.previous_id
      WHERE d.next_type = 'task' AND d.next_id = t.id
        AND d.previous_type = 'group' AND p.status != 'COMPLETED')
  -- (c) no incomplete upstream task -> this task's group
  AND (t.group_id IS NULL OR NOT EXISTS (
      SELECT 1 FROM dependencies d
      JOIN tasks p ON p.id = d.previous_id
      WHERE d.next_type = 'group' AND d.next_id = t.group_id
        AND d.previous_type = 'task' AND p.status != 'COMPLETED'))
  -- (d) no upstream group with incomplete members -> this task's group
  AND (t.group_id IS NULL OR NOT EXISTS (
      SELECT 1 FROM dependencies d
      JOIN tasks p ON p.group_id = d.previous_id
      WHERE d.next_type = 'group' AND d.next_id = t.group_id
        AND d.previous_type = 'group' AND p.status != 'COMPLETED'))`

const claimCandidateOrder = `
ORDER BY (j.started_at IS NULL) ASC, j.started_at ASC, t.id ASC
LIMIT 1`

// ClaimNextTask atomically picks one eligible PENDING task, marks it
// CLAIMED by the given worker, and returns it. The first claim against a
// job also moves the job PENDING→RUNNING with started_at set, in the same
// transaction. Returns (nil, nil) when no task is eligible.
//
// Concurrent callers never receive the same task: the claim transaction
// holds the write lock from BEGIN, the claiming UPDATE carries a status
// guard, and its rows-affected count decides the winner; losers retry
// against the remaining candidates. A candidate already taken by another
// claimant is simply invisible to the next attempt, and a busy database is
// treated the same way rather than surfaced as an error.
func (s *Store) ClaimNextTask(workerID int64) (*model.Task, error) {
	return s.claimNext(workerID, 0)
}

// ClaimNextTaskInJob is ClaimNextTask restricted to one job. The synchronous
// job runner uses it so an embedded run never picks up another job's work.
func (s *Store) ClaimNextTaskInJob(workerID, jobID int64) (*model.Task, error) {
	return s.claimNext(workerID, jobID)
}

func (s *Store) claimNext(workerID, jobID int64) (*model.Task, error) {
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		taskID, done, err := s.claimOnce(workerID, jobID)
		if err != nil {
			return nil, err
		}
		if done {
			if taskID == 0 {
				return nil, nil // no eligible task
			}
			return s.GetTask(taskID)
		}
		// Lost the race for this candidate; try the next one.
	}
	return nil, nil
}

// claimOnce runs a single claim transaction. done is false when the
// candidate was taken by a concurrent claimant and the caller should retry.
// A zero filterJobID means any job.
func (s *Store) claimOnce(workerID, filterJobID int64) (taskID int64, done bool, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		if isBusy(err) {
			return 0, false, nil
		}
		return 0, false, errors.Wrap(err, "failed to begin claim transaction")
	}
	defer tx.Rollback()

	query := claimCandidateBase
	args := []any{}
	if filterJobID != 0 {
		query += ` AND t.job_id = ?`
		args = append(args, filterJobID)
	}
	query += claimCandidateOrder

	var jobID int64
	err = tx.QueryRow(query, args...).Scan(&taskID, &jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, true, nil
	}
	if err != nil {
		if isBusy(err) {
			return 0, false, nil
		}
		return 0, false, errors.Wrap(err, "failed to select claim candidate")
	}

	now := time.Now().UTC()
	res, err := tx.Exec(`
		UPDATE tasks
		SET status = ?, worker_id = ?, claimed_at = ?
		WHERE id = ? AND status = 'PENDING'`,
		model.TaskStatusClaimed, workerID, now, taskID,
	)
	if err != nil {
		if isBusy(err) {
			return 0, false, nil
		}
		return 0, false, errors.Wrapf(err, "failed to claim task %d", taskID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, errors.Wrap(err, "failed to read claim result")
	}
	if affected == 0 {
		// Another claimant won this row between our snapshot and the
		// update. Not an error; the caller retries.
		return 0, false, nil
	}

	// First claimed task of the job starts the job.
	_, err = tx.Exec(`
		UPDATE jobs
		SET status = ?, started_at = ?
		WHERE id = ? AND status = 'PENDING'`,
		model.JobStatusRunning, now, jobID,
	)
	if err != nil {
		if isBusy(err) {
			return 0, false, nil
		}
		return 0, false, errors.Wrapf(err, "failed to start job %d", jobID)
	}

	if err := tx.Commit(); err != nil {
		if isBusy(err) {
			return 0, false, nil
		}
		return 0, false, errors.Wrap(err, "failed to commit claim")
	}
	return taskID, true, nil
}

// isBusy reports whether err is SQLite's busy or locked signal. In a claim
// transaction that just means another claimant holds the write lock; the
// caller treats it as a lost race, not a store failure.
func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}
