package commands

import (
	"database/sql"

	"github.com/teranos/loom/config"
	"github.com/teranos/loom/db"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/logger"
)

// openDatabase opens and migrates the database at the given path. Empty path
// falls back to the configured one.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load configuration")
		}
		dbPath = cfg.Database.Path
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}
