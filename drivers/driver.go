// Package drivers defines the transactional shard contract TheSchwartz's
// dispatch engine is built on, plus concrete implementations over pgx,
// database/sql+lib/pq, and database/sql+modernc.org/sqlite.
package drivers

import (
	"context"
	"errors"
)

// Driver is the per-shard transactional access contract: insert, update,
// remove, search, and the conditional update primitive the lease
// protocol is built on. Implementations own their own connection pool
// and must be safe for concurrent use by multiple worker goroutines.
type Driver interface {
	Dialect() Dialect

	// Exec runs a statement and reports rows affected.
	Exec(ctx context.Context, query string, args ...interface{}) (rowsAffected int64, err error)

	// InsertReturningID inserts one row and returns the value generated
	// for idColumn (an auto-incrementing primary key).
	InsertReturningID(ctx context.Context, table string, columns []string, args []interface{}, idColumn string) (int64, error)

	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row

	// WithTx runs fn inside a transaction, committing if fn returns nil
	// and rolling back otherwise. Errors from fn propagate unwrapped.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Listen/Notify/WaitForNotification are an optional fast-path wakeup
	// channel. Drivers that can't support LISTEN/NOTIFY (e.g. sqlite)
	// return ErrNotificationsUnsupported; callers must treat this as
	// purely an optimization and keep polling on run_after/grabbed_until.
	Listen(ctx context.Context, channel string) error
	Notify(ctx context.Context, channel string, payload string) error
	WaitForNotification(ctx context.Context) (*Notification, error)

	Close() error
}

// Tx is the subset of Driver available inside a transaction started by
// WithTx. There is no cross-shard or nested transaction support.
type Tx interface {
	Exec(ctx context.Context, query string, args ...interface{}) (int64, error)
	InsertReturningID(ctx context.Context, table string, columns []string, args []interface{}, idColumn string) (int64, error)
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
}

// Row/Rows are the minimal scanning surface. Row is satisfied directly
// by pgx.Row and *sql.Row; Rows matches *sql.Rows, while pgx.Rows (whose
// Close returns nothing) is wrapped by an adapter.
type Row interface {
	Scan(dest ...interface{}) error
}

type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
}

// Notification is a single LISTEN/NOTIFY payload.
type Notification struct {
	Channel string
	Payload string
}

// Dialect isolates the SQL surface that differs across backing stores:
// placeholder style, schema DDL, and how driver-native errors map onto
// the classifier sentinels below.
type Dialect interface {
	Name() string
	Placeholder(n int) string
	SupportsReturning() bool
	SchemaSQL(prefix string) []string
	ClassifyError(err error) error
}

// Classifier sentinels. Concrete Dialect.ClassifyError implementations
// wrap the driver-native error with one of these via %w so callers can
// branch with errors.Is regardless of which backing store is in use.
var (
	ErrConnectionLost        = errors.New("drivers: connection lost")
	ErrSerializationConflict = errors.New("drivers: serialization conflict")
	ErrConstraintViolated    = errors.New("drivers: constraint violated")
)

// ErrNotificationsUnsupported is returned by Listen/WaitForNotification
// on drivers with no LISTEN/NOTIFY equivalent (e.g. sqlite).
var ErrNotificationsUnsupported = errors.New("drivers: notifications unsupported by this driver")
