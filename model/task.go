package model

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusClaimed   TaskStatus = "CLAIMED"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
)

// IsValidTaskStatus returns true if the status string is a valid TaskStatus.
func IsValidTaskStatus(s string) bool {
	switch TaskStatus(s) {
	case TaskStatusPending, TaskStatusClaimed, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status is a terminal one.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Task is a single schedulable unit referencing an entrypoint and its
// parameters. Tasks are mutated exclusively through the claim and
// status-update store operations; claiming is atomic, so no two workers
// ever mutate the same task concurrently.
type Task struct {
	ID          int64      `json:"id"`
	JobID       int64      `json:"job_id"`
	GroupID     *int64     `json:"group_id,omitempty"`
	Entrypoint  string     `json:"entrypoint"`
	Params      Params     `json:"kwargs,omitempty"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	WorkerID    *int64     `json:"worker_id,omitempty"`
	Result      *Value     `json:"result,omitempty"`
	LogPath     string     `json:"log_path,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// NewTask creates a pending task for the given job.
func NewTask(id, jobID int64, entrypoint string, params Params) *Task {
	return &Task{
		ID:         id,
		JobID:      jobID,
		Entrypoint: entrypoint,
		Params:     params,
		Status:     TaskStatusPending,
		CreatedAt:  time.Now().UTC(),
	}
}

// InGroup assigns the task to a group and returns it, for chaining at
// construction time.
func (t *Task) InGroup(groupID int64) *Task {
	t.GroupID = &groupID
	return t
}

// Claim marks the task as claimed by the given worker.
func (t *Task) Claim(workerID int64) {
	now := time.Now().UTC()
	t.Status = TaskStatusClaimed
	t.WorkerID = &workerID
	t.ClaimedAt = &now
}

// Start marks the task as running.
func (t *Task) Start() {
	now := time.Now().UTC()
	t.Status = TaskStatusRunning
	t.StartedAt = &now
}

// Complete marks the task as completed with an optional result reference.
func (t *Task) Complete(result *Value) {
	now := time.Now().UTC()
	t.Status = TaskStatusCompleted
	t.Result = result
	t.CompletedAt = &now
}

// Fail marks the task as failed with the error text.
func (t *Task) Fail(err error) {
	now := time.Now().UTC()
	t.Status = TaskStatusFailed
	if err != nil {
		t.Error = err.Error()
	}
	t.CompletedAt = &now
}

// Endpoint returns the task as a dependency endpoint.
func (t *Task) Endpoint() Endpoint {
	return Endpoint{Type: EndpointTask, ID: t.ID}
}
