package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "loom.db")

	// Worker defaults
	v.SetDefault("worker.heartbeat_interval", 10*time.Second)
	v.SetDefault("worker.dead_timeout", 60*time.Second)
	v.SetDefault("worker.poll_interval", 1*time.Second)
	v.SetDefault("worker.count", 1)

	// Reaper defaults
	v.SetDefault("reaper.interval", 30*time.Second)

	// Log defaults
	v.SetDefault("log.dir", "")
	v.SetDefault("log.json", false)
}
