package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads the loom configuration using Viper.
//
// Precedence, lowest to highest: built-in defaults, loom.yaml in the working
// directory, ~/.loom/loom.yaml, then LOOM_* environment variables
// (e.g. LOOM_DATABASE_PATH, LOOM_WORKER_POLL_INTERVAL).
func Load() (*Config, error) {
	return LoadWithViper(initViper())
}

// LoadWithViper loads configuration from a provided Viper instance.
// Tests use this to inject settings without touching the environment.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func initViper() *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	for _, path := range configPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		file := viper.New()
		file.SetConfigFile(path)
		file.SetConfigType("yaml")
		if err := file.ReadInConfig(); err != nil {
			continue
		}
		_ = v.MergeConfigMap(file.AllSettings())
	}

	return v
}

func configPaths() []string {
	paths := []string{}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".loom", "loom.yaml"))
	}
	// Project-local config wins over the user-level one.
	paths = append(paths, "loom.yaml")
	return paths
}
