package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/loom/cmd/loom/commands"
	"github.com/teranos/loom/logger"
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "loom - distributed job orchestrator",
	Long: `loom - database-coordinated job and task orchestration.

Jobs are composed of tasks with dependency edges between tasks and groups.
Worker processes coordinate exclusively through a shared SQLite database:
they claim eligible tasks atomically, heartbeat while alive, and a reaper
recovers work orphaned by crashed workers.

Available commands:
  start   - Start the worker daemon
  migrate - Apply pending database migrations
  status  - Show job, task, and worker counts
  version - Show version information

Examples:
  loom migrate                  # Prepare the database
  loom start --workers 3        # Run three workers in one process
  loom status                   # Inspect the store`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")

	rootCmd.AddCommand(commands.StartCmd)
	rootCmd.AddCommand(commands.MigrateCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
