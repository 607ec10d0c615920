package drivers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lib/pq"
)

// SQLDriver is a generic database/sql shard driver, parameterized by
// Dialect so the same plumbing serves any database/sql-compatible
// backing store. It's grounded on the teacher's database/sql+lib/pq
// driver, generalized from a Postgres-only type into a dialect-aware
// one shared with the sqlite driver (see sqlite.go).
type SQLDriver struct {
	db      *sql.DB
	connStr string // only used by the lib/pq listener; empty when unsupported
	dialect Dialect

	listenMu sync.Mutex
	listener *pq.Listener
}

type sqlTxAdapter struct {
	tx      *sql.Tx
	dialect Dialect
}

type sqlRowsAdapter struct {
	rows *sql.Rows
}

func (r *sqlRowsAdapter) Next() bool                     { return r.rows.Next() }
func (r *sqlRowsAdapter) Scan(dest ...interface{}) error { return r.rows.Scan(dest...) }
func (r *sqlRowsAdapter) Close() error                   { return r.rows.Close() }

func (tx *sqlTxAdapter) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := tx.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, tx.dialect.ClassifyError(err)
	}
	return res.RowsAffected()
}

func (tx *sqlTxAdapter) InsertReturningID(ctx context.Context, table string, columns []string, args []interface{}, idColumn string) (int64, error) {
	return insertReturningIDSQL(ctx, tx.tx, tx.dialect, table, columns, args, idColumn)
}

func (tx *sqlTxAdapter) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	rows, err := tx.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, tx.dialect.ClassifyError(err)
	}
	return &sqlRowsAdapter{rows: rows}, nil
}

func (tx *sqlTxAdapter) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return tx.tx.QueryRowContext(ctx, query, args...)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// insertReturningIDSQL inserts one row and reports the generated id,
// using RETURNING when the dialect supports it (Postgres) and falling
// back to LastInsertId otherwise (sqlite).
func insertReturningIDSQL(ctx context.Context, e execer, dialect Dialect, table string, columns []string, args []interface{}, idColumn string) (int64, error) {
	if dialect.SupportsReturning() {
		query := buildInsertReturning(dialect, table, columns, idColumn)
		var id int64
		if err := e.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			return 0, dialect.ClassifyError(err)
		}
		return id, nil
	}

	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = dialect.Placeholder(i + 1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, joinCSV(columns), joinCSV(placeholders))
	res, err := e.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, dialect.ClassifyError(err)
	}
	return res.LastInsertId()
}

func joinCSV(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

// NewSQLDriver creates a database/sql driver implementation for
// PostgreSQL via lib/pq. connStr is required because the lib/pq
// notification listener needs its own connection string to open an
// out-of-pool connection for LISTEN/NOTIFY.
//
// Example:
//
//	db, _ := sql.Open("postgres", dsn)
//	driver, err := drivers.NewSQLDriver(db, dsn)
func NewSQLDriver(db *sql.DB, connStr string) (Driver, error) {
	if db == nil {
		return nil, errors.New("drivers: nil database connection")
	}
	return &SQLDriver{db: db, connStr: connStr, dialect: postgresDialect{}}, nil
}

func (d *SQLDriver) Dialect() Dialect { return d.dialect }

func (d *SQLDriver) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return d.dialect.ClassifyError(err)
	}
	defer sqlTx.Rollback()

	if err := fn(&sqlTxAdapter{tx: sqlTx, dialect: d.dialect}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (d *SQLDriver) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, d.dialect.ClassifyError(err)
	}
	return res.RowsAffected()
}

func (d *SQLDriver) InsertReturningID(ctx context.Context, table string, columns []string, args []interface{}, idColumn string) (int64, error) {
	return insertReturningIDSQL(ctx, d.db, d.dialect, table, columns, args, idColumn)
}

func (d *SQLDriver) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, d.dialect.ClassifyError(err)
	}
	return &sqlRowsAdapter{rows: rows}, nil
}

func (d *SQLDriver) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return d.db.QueryRowContext(ctx, query, args...)
}

// Listen opens (once) a dedicated lib/pq listener connection and
// subscribes it to channel, using the same reconnect parameters the
// teacher's drivers/sql.go passed to pq.NewListener.
func (d *SQLDriver) Listen(ctx context.Context, channel string) error {
	if d.connStr == "" {
		return ErrNotificationsUnsupported
	}
	d.listenMu.Lock()
	defer d.listenMu.Unlock()
	if d.listener == nil {
		d.listener = pq.NewListener(d.connStr,
			10*time.Second, // max reconnect wait
			time.Minute,    // max ping interval
			func(ev pq.ListenerEventType, err error) {
				if err != nil {
					log.Printf("theschwartz: lib/pq listener error: %v", err)
				}
			})
	}
	return d.listener.Listen(channel)
}

func (d *SQLDriver) Notify(ctx context.Context, channel string, payload string) error {
	if d.connStr == "" {
		return ErrNotificationsUnsupported
	}
	_, err := d.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	return d.dialect.ClassifyError(err)
}

// WaitForNotification waits on the listener connection opened by
// Listen. It returns ErrNotificationsUnsupported if Listen was never
// called successfully.
func (d *SQLDriver) WaitForNotification(ctx context.Context) (*Notification, error) {
	d.listenMu.Lock()
	listener := d.listener
	d.listenMu.Unlock()
	if listener == nil {
		return nil, ErrNotificationsUnsupported
	}

	select {
	case n := <-listener.Notify:
		if n == nil {
			return nil, fmt.Errorf("theschwartz: received nil notification")
		}
		return &Notification{Channel: n.Channel, Payload: n.Extra}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *SQLDriver) Close() error {
	d.listenMu.Lock()
	if d.listener != nil {
		d.listener.Close()
		d.listener = nil
	}
	d.listenMu.Unlock()
	return d.db.Close()
}
