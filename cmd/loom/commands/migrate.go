package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// MigrateCmd applies pending schema migrations and exits.
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Open the configured database and apply any schema migrations that have
not run yet. Safe to run repeatedly; applied migrations are skipped.

Examples:
  loom migrate                  # migrate the configured database
  loom migrate --db ./loom.db   # migrate a specific file`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, _ := cmd.Flags().GetString("db")

		database, err := openDatabase(dbPath)
		if err != nil {
			return err
		}
		defer database.Close()

		var applied int
		if err := database.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
			return err
		}
		fmt.Printf("Database is up to date (%d migrations applied)\n", applied)
		return nil
	},
}

func init() {
	MigrateCmd.Flags().String("db", "", "Database path (default: configured database.path)")
}
