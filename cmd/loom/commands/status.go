package commands

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/loom/model"
	"github.com/teranos/loom/store"
)

// StatusCmd summarizes what the orchestrator is doing right now.
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show job, task, and worker counts",
	Long: `Display a summary of the shared store: jobs and tasks by status, the
worker registry, and data tables awaiting cleanup.

Examples:
  loom status                   # summarize the configured database
  loom status --db ./loom.db    # summarize a specific file`,
	RunE: runStatus,
}

func init() {
	StatusCmd.Flags().String("db", "", "Database path (default: configured database.path)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	dbPath, _ := cmd.Flags().GetString("db")

	database, err := openDatabase(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()
	s := store.NewStore(database)

	fmt.Println("Jobs")
	if err := printStatusCounts(database, `SELECT status, COUNT(*) FROM jobs GROUP BY status ORDER BY status`); err != nil {
		return err
	}

	fmt.Println("\nTasks")
	if err := printStatusCounts(database, `SELECT status, COUNT(*) FROM tasks GROUP BY status ORDER BY status`); err != nil {
		return err
	}

	fmt.Println("\nWorkers")
	workers, err := s.ListWorkers(nil)
	if err != nil {
		return err
	}
	if len(workers) == 0 {
		fmt.Println("  none registered")
	}
	for _, w := range workers {
		heartbeat := "never"
		if w.LastHeartbeat != nil {
			heartbeat = w.LastHeartbeat.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("  %d  %s pid=%d  %s  completed=%d failed=%d  heartbeat=%s\n",
			w.ID, w.Hostname, w.PID, w.Status, w.TasksCompleted, w.TasksFailed, heartbeat)
	}

	active := model.WorkerStatusActive
	activeWorkers, err := s.ListWorkers(&active)
	if err != nil {
		return err
	}
	fmt.Printf("  %d active\n", len(activeWorkers))

	droppable, err := s.ListDroppableTables()
	if err != nil {
		return err
	}
	if len(droppable) > 0 {
		fmt.Printf("\nTables awaiting cleanup: %v\n", droppable)
	}
	return nil
}

func printStatusCounts(database *sql.DB, query string) error {
	rows, err := database.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	any := false
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return err
		}
		fmt.Printf("  %-10s %d\n", status, count)
		any = true
	}
	if !any {
		fmt.Println("  none")
	}
	return rows.Err()
}
