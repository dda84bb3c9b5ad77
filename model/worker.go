package model

import "time"

// WorkerStatus represents the current state of a worker process.
type WorkerStatus string

const (
	WorkerStatusActive  WorkerStatus = "ACTIVE"
	WorkerStatusIdle    WorkerStatus = "IDLE"
	WorkerStatusStopped WorkerStatus = "STOPPED"
)

// IsValidWorkerStatus returns true if the status string is a valid
// WorkerStatus.
func IsValidWorkerStatus(s string) bool {
	switch WorkerStatus(s) {
	case WorkerStatusActive, WorkerStatusIdle, WorkerStatusStopped:
		return true
	default:
		return false
	}
}

// Worker is the persisted record of a worker process. Created on
// registration, refreshed by heartbeats, and transitioned to STOPPED on
// graceful deregistration or by the reaper on heartbeat timeout. Rows are
// never deleted; history is preserved.
type Worker struct {
	ID             int64        `json:"id"`
	Hostname       string       `json:"hostname"`
	PID            int          `json:"pid"`
	Status         WorkerStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	LastHeartbeat  *time.Time   `json:"last_heartbeat,omitempty"`
	TasksCompleted int64        `json:"tasks_completed"`
	TasksFailed    int64        `json:"tasks_failed"`
}

// NewWorker creates an active worker record with heartbeat = now.
func NewWorker(id int64, hostname string, pid int) *Worker {
	now := time.Now().UTC()
	return &Worker{
		ID:            id,
		Hostname:      hostname,
		PID:           pid,
		Status:        WorkerStatusActive,
		CreatedAt:     now,
		StartedAt:     &now,
		LastHeartbeat: &now,
	}
}
