// Package model defines the persisted records of the orchestrator: jobs,
// tasks, groups, workers, and the dependency edges between them.
package model

import "time"

// JobStatus represents the current state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// IsValidJobStatus returns true if the status string is a valid JobStatus.
func IsValidJobStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status is a terminal one.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is a top-level unit of submitted work composed of one or more tasks.
// The store is the only authority over a job's state; no in-process state
// survives a crash.
type Job struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// NewJob creates a pending job with the given identifier and name.
func NewJob(id int64, name string) *Job {
	return &Job{
		ID:        id,
		Name:      name,
		Status:    JobStatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// Start marks the job as running. Called on the job's first task claim.
func (j *Job) Start() {
	now := time.Now().UTC()
	j.Status = JobStatusRunning
	j.StartedAt = &now
}

// Complete marks the job as completed.
func (j *Job) Complete() {
	now := time.Now().UTC()
	j.Status = JobStatusCompleted
	j.CompletedAt = &now
}

// Fail marks the job as failed with an error message.
func (j *Job) Fail(err error) {
	now := time.Now().UTC()
	j.Status = JobStatusFailed
	if err != nil {
		j.Error = err.Error()
	}
	j.CompletedAt = &now
}
