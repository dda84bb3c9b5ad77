package store

import (
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/model"
)

// Refcount state for the distributed lifecycle manager. Two tables:
// table_refcounts holds the global per-table count, table_context_refs
// holds job-scoped pins. A table is droppable once the sum over both
// reaches zero or below.

// AdjustTableRefcount applies a delta to a table's global refcount,
// creating the row if needed.
func (s *Store) AdjustTableRefcount(tableName string, delta int64) error {
	_, err := s.db.Exec(`
		INSERT INTO table_refcounts (table_name, refcount) VALUES (?, ?)
		ON CONFLICT(table_name) DO UPDATE SET refcount = refcount + ?`,
		tableName, delta, delta,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to adjust refcount for table %s", tableName)
	}
	return nil
}

// AdjustTableContextRefcount applies a delta to a (table, context) pin,
// creating the row if needed. The context is the owning job's id.
func (s *Store) AdjustTableContextRefcount(tableName string, contextID int64, delta int64) error {
	_, err := s.db.Exec(`
		INSERT INTO table_context_refs (table_name, context_id, refcount) VALUES (?, ?, ?)
		ON CONFLICT(table_name, context_id) DO UPDATE SET refcount = refcount + ?`,
		tableName, contextID, delta, delta,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to adjust context refcount for table %s (job %d)", tableName, contextID)
	}
	return nil
}

// SumTableRefcount returns a table's aggregate refcount: the global row
// plus all surviving context pins. Unknown tables sum to zero.
func (s *Store) SumTableRefcount(tableName string) (int64, error) {
	var sum int64
	err := s.db.QueryRow(`
		SELECT COALESCE((SELECT refcount FROM table_refcounts WHERE table_name = ?), 0)
		     + COALESCE((SELECT SUM(refcount) FROM table_context_refs WHERE table_name = ?), 0)`,
		tableName, tableName,
	).Scan(&sum)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to sum refcount for table %s", tableName)
	}
	return sum, nil
}

// ListDroppableTables returns the names of tracked tables whose aggregate
// refcount is zero or below.
func (s *Store) ListDroppableTables() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT r.table_name
		FROM table_refcounts r
		WHERE r.refcount + COALESCE(
		      (SELECT SUM(c.refcount) FROM table_context_refs c WHERE c.table_name = r.table_name), 0) <= 0
		ORDER BY r.table_name`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list droppable tables")
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "failed to scan droppable table name")
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// ForgetTable removes all refcount tracking for a dropped table.
func (s *Store) ForgetTable(tableName string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin refcount cleanup")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM table_refcounts WHERE table_name = ?`, tableName); err != nil {
		return errors.Wrapf(err, "failed to delete refcount row for table %s", tableName)
	}
	if _, err := tx.Exec(`DELETE FROM table_context_refs WHERE table_name = ?`, tableName); err != nil {
		return errors.Wrapf(err, "failed to delete context pins for table %s", tableName)
	}
	return tx.Commit()
}

// SweepTerminalContextPins deletes context pins belonging to jobs whose
// status is terminal (COMPLETED or FAILED). Returns the number of pins
// removed. Re-running with nothing eligible is a no-op.
func (s *Store) SweepTerminalContextPins() (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM table_context_refs
		WHERE context_id IN (SELECT id FROM jobs WHERE status IN (?, ?))`,
		model.JobStatusCompleted, model.JobStatusFailed,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to sweep terminal context pins")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read context pin sweep result")
	}
	return n, nil
}
