// Package config defines the loom configuration surface.
package config

import "time"

// Config represents the core loom configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Reaper   ReaperConfig   `mapstructure:"reaper"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatabaseConfig configures the shared SQLite store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// WorkerConfig configures worker processes.
type WorkerConfig struct {
	// HeartbeatInterval is how often a worker refreshes its liveness row.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	// DeadTimeout is how stale a worker heartbeat may be before the reaper
	// declares the worker dead and fails its in-flight tasks.
	DeadTimeout time.Duration `mapstructure:"dead_timeout"`

	// PollInterval is the sleep between claim attempts when no task is
	// eligible.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// Count is the number of worker loops the daemon runs.
	Count int `mapstructure:"count"`
}

// ReaperConfig configures the lifecycle reaper loop.
type ReaperConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// LogConfig configures logging and per-task log capture.
type LogConfig struct {
	// Dir overrides the per-task log directory. Empty means the
	// OS-appropriate default (user cache dir).
	Dir string `mapstructure:"dir"`

	// JSON switches the process logger to JSON output.
	JSON bool `mapstructure:"json"`
}
