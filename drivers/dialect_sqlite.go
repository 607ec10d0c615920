package drivers

import (
	"fmt"
	"strings"
)

// sqliteDialect backs the pure-Go modernc.org/sqlite driver used for
// embedded and test shards (no running Postgres required). SQLite has
// no SQLSTATE classes, so errors are classified by matching the
// driver's standard message text, the idiom the Go sqlite ecosystem
// uses in the absence of typed error codes.
type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) Placeholder(int) string { return "?" }

func (sqliteDialect) SupportsReturning() bool { return false }

func (sqliteDialect) SchemaSQL(prefix string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]sfuncmap (
			funcid   INTEGER PRIMARY KEY AUTOINCREMENT,
			funcname TEXT NOT NULL UNIQUE
		)`, prefix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]sjob (
			jobid         INTEGER PRIMARY KEY AUTOINCREMENT,
			funcid        INTEGER NOT NULL REFERENCES %[1]sfuncmap(funcid),
			arg           BLOB,
			uniqkey       TEXT,
			insert_time   INTEGER NOT NULL,
			run_after     INTEGER NOT NULL,
			grabbed_until INTEGER NOT NULL DEFAULT 0,
			priority      INTEGER NOT NULL DEFAULT 0,
			coalesce      TEXT
		)`, prefix),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %[1]sjob_funcid_uniqkey_idx
			ON %[1]sjob (funcid, uniqkey) WHERE uniqkey IS NOT NULL`, prefix),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]sjob_funcid_run_after_idx
			ON %[1]sjob (funcid, run_after)`, prefix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]serror (
			error_time INTEGER NOT NULL,
			jobid      INTEGER NOT NULL,
			funcid     INTEGER NOT NULL,
			message    TEXT
		)`, prefix),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]serror_jobid_idx ON %[1]serror (jobid)`, prefix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]sexitstatus (
			jobid           INTEGER NOT NULL,
			funcid          INTEGER NOT NULL,
			status          INTEGER NOT NULL,
			completion_time INTEGER NOT NULL,
			delete_after    INTEGER NOT NULL
		)`, prefix),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]sexitstatus_delete_after_idx
			ON %[1]sexitstatus (delete_after)`, prefix),
	}
}

func (sqliteDialect) ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", ErrConstraintViolated, err)
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "database table is locked"):
		return fmt.Errorf("%w: %v", ErrSerializationConflict, err)
	case strings.Contains(msg, "unable to open database file"), strings.Contains(msg, "disk I/O error"):
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	default:
		return err
	}
}
