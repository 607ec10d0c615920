package drivers

import (
	"database/sql"
	"errors"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// NewSQLiteDriver creates a shard driver backed by the pure-Go
// modernc.org/sqlite database/sql driver. It's intended for local
// development, single-process deployments, and the test suite, where
// a running Postgres is unavailable. It shares all its SQL-generation
// and transaction plumbing with SQLDriver (drivers/sqlstd.go) — only
// the Dialect differs — and has no LISTEN/NOTIFY equivalent, so
// Listen/Notify/WaitForNotification report ErrNotificationsUnsupported.
//
// Example:
//
//	db, _ := sql.Open("sqlite", "file:jobs.db?_pragma=busy_timeout(5000)")
//	driver, err := drivers.NewSQLiteDriver(db)
func NewSQLiteDriver(db *sql.DB) (Driver, error) {
	if db == nil {
		return nil, errors.New("drivers: nil database connection")
	}
	return &SQLDriver{db: db, dialect: sqliteDialect{}}, nil
}
