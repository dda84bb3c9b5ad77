package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teranos/loom/config"
	"github.com/teranos/loom/exec"
	"github.com/teranos/loom/lifecycle"
	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/store"
	"github.com/teranos/loom/worker"
)

// Registry is the daemon's handler registry. Embedding applications register
// their entrypoints here before Execute(); the stock binary ships with it
// empty, so every claimed task of an unknown entrypoint fails cleanly.
var Registry = exec.NewRegistry()

// Dropper is the table dropper used by the lifecycle reaper. Embedding
// applications that own data tables install one; nil disables physical drops
// while still sweeping refcounts and dead workers.
var Dropper lifecycle.Dropper

// StartCmd starts the worker daemon.
var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the loom worker daemon",
	Long: `Start the worker daemon in foreground mode.

The daemon will:
- Register the configured number of workers against the shared database
- Claim and execute eligible tasks, heartbeating while alive
- Run the lifecycle reaper (dead-worker sweep, table cleanup)
- Run until interrupted (Ctrl+C), finishing in-flight tasks before exit

Tasks are created by applications against the same database; the daemon only
executes them. Entrypoints must be registered by the embedding application.

Examples:
  loom start                # start with configured worker count
  loom start --workers 3    # start with 3 concurrent workers`,
	RunE: runStart,
}

func init() {
	StartCmd.Flags().Int("workers", 0, "Number of concurrent workers (default: configured worker.count)")
	StartCmd.Flags().Int("max-tasks", 0, "Stop each worker after executing this many tasks (0 = unbounded)")
	StartCmd.Flags().Int("max-idle-polls", 0, "Stop each worker after this many consecutive empty polls (0 = unbounded)")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	workers, _ := cmd.Flags().GetInt("workers")
	if workers <= 0 {
		workers = cfg.Worker.Count
	}
	maxTasks, _ := cmd.Flags().GetInt("max-tasks")
	maxIdlePolls, _ := cmd.Flags().GetInt("max-idle-polls")

	database, err := openDatabase(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()
	s := store.NewStore(database)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := exec.NewEngine(s, Registry, cfg.Log.Dir, logger.Logger)
	opts := worker.Options{
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		PollInterval:      cfg.Worker.PollInterval,
		MaxTasks:          maxTasks,
		MaxIdlePolls:      maxIdlePolls,
	}
	pool := worker.NewPool(ctx, s, engine, opts, workers, logger.Logger)

	manager := lifecycle.NewManager(s, Dropper, lifecycle.ManagerConfig{
		ReapInterval:      cfg.Reaper.Interval,
		DeadWorkerTimeout: cfg.Worker.DeadTimeout,
	}, logger.Logger)

	pool.Start()
	manager.Start(ctx)

	fmt.Printf("loom daemon started\n")
	fmt.Printf("  Database: %s\n", cfg.Database.Path)
	fmt.Printf("  Workers: %d\n", workers)
	fmt.Printf("  Poll interval: %v\n", cfg.Worker.PollInterval)
	fmt.Printf("  Heartbeat interval: %v\n", cfg.Worker.HeartbeatInterval)
	fmt.Printf("  Reaper interval: %v\n", cfg.Reaper.Interval)
	fmt.Printf("\nPress Ctrl+C for graceful shutdown\n\n")

	bounded := maxTasks > 0 || maxIdlePolls > 0
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if bounded {
		// Bounded runs drain and stop on their own; a signal still cuts
		// them short.
		done := make(chan struct{})
		go func() {
			pool.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-sigChan:
		}
	} else {
		<-sigChan
	}

	fmt.Printf("\nShutting down...\n")
	pool.Stop()
	manager.Stop()
	cancel()

	fmt.Printf("loom daemon stopped\n")
	return nil
}
