package drivers

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxDriver is a pgx/v5-native shard driver. It uses pgx's own
// connection pool for automatic connection recovery and native
// LISTEN/NOTIFY support, and is the recommended driver for production
// Postgres shards.
//
// Adapted from the teacher's pgx-backed driver: the original exposed a
// job-queue-specific Transaction/AddJobWithTx pair; here the same pool
// plumbing backs the generic Driver/Tx contract every shard operation
// (insert, update_if_unchanged, search, remove) compiles down to.
type PgxDriver struct {
	pool *pgxpool.Pool

	listenMu   sync.Mutex
	listenConn *pgxpool.Conn
}

type pgxTxAdapter struct {
	tx pgx.Tx
}

type pgxRowsAdapter struct {
	rows pgx.Rows
}

func (r *pgxRowsAdapter) Next() bool                      { return r.rows.Next() }
func (r *pgxRowsAdapter) Scan(dest ...interface{}) error  { return r.rows.Scan(dest...) }
func (r *pgxRowsAdapter) Close() error                    { r.rows.Close(); return nil }

func (tx *pgxTxAdapter) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	tag, err := tx.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, postgresDialect{}.ClassifyError(err)
	}
	return tag.RowsAffected(), nil
}

func (tx *pgxTxAdapter) InsertReturningID(ctx context.Context, table string, columns []string, args []interface{}, idColumn string) (int64, error) {
	query := buildInsertReturning(postgresDialect{}, table, columns, idColumn)
	var id int64
	if err := tx.tx.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return 0, postgresDialect{}.ClassifyError(err)
	}
	return id, nil
}

func (tx *pgxTxAdapter) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	rows, err := tx.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, postgresDialect{}.ClassifyError(err)
	}
	return &pgxRowsAdapter{rows: rows}, nil
}

func (tx *pgxTxAdapter) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return tx.tx.QueryRow(ctx, query, args...)
}

// NewPgxDriver creates a new pgx-based driver implementation for
// PostgreSQL. The pool must already be initialized and connected.
//
// Example:
//
//	pool, _ := pgxpool.New(ctx, "postgres://localhost:5432/myapp")
//	driver := drivers.NewPgxDriver(pool)
func NewPgxDriver(pool *pgxpool.Pool) Driver {
	return &PgxDriver{pool: pool}
}

func (d *PgxDriver) Dialect() Dialect { return postgresDialect{} }

func (d *PgxDriver) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	pgxTx, err := d.pool.Begin(ctx)
	if err != nil {
		return postgresDialect{}.ClassifyError(err)
	}
	defer pgxTx.Rollback(ctx)

	if err := fn(&pgxTxAdapter{tx: pgxTx}); err != nil {
		return err
	}
	return pgxTx.Commit(ctx)
}

func (d *PgxDriver) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	tag, err := d.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, postgresDialect{}.ClassifyError(err)
	}
	return tag.RowsAffected(), nil
}

func (d *PgxDriver) InsertReturningID(ctx context.Context, table string, columns []string, args []interface{}, idColumn string) (int64, error) {
	query := buildInsertReturning(postgresDialect{}, table, columns, idColumn)
	var id int64
	if err := d.pool.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return 0, postgresDialect{}.ClassifyError(err)
	}
	return id, nil
}

func (d *PgxDriver) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, postgresDialect{}.ClassifyError(err)
	}
	return &pgxRowsAdapter{rows: rows}, nil
}

func (d *PgxDriver) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return d.pool.QueryRow(ctx, query, args...)
}

// Listen acquires a dedicated pool connection and issues LISTEN on it,
// holding the connection outside the pool for the driver's lifetime so
// later WaitForNotification calls observe notifications on the same
// backend session. A pgxpool connection released between LISTEN and
// WaitForNotification can be handed to an unrelated Exec/Query in the
// meantime, silently dropping the subscription, which is why this
// driver pins one connection rather than acquiring fresh ones per call.
func (d *PgxDriver) Listen(ctx context.Context, channel string) error {
	d.listenMu.Lock()
	defer d.listenMu.Unlock()
	if d.listenConn != nil {
		return nil
	}
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Release()
		return postgresDialect{}.ClassifyError(err)
	}
	d.listenConn = conn
	return nil
}

func (d *PgxDriver) Notify(ctx context.Context, channel string, payload string) error {
	_, err := d.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	return postgresDialect{}.ClassifyError(err)
}

// WaitForNotification waits on the connection pinned by Listen. It
// returns ErrNotificationsUnsupported if Listen was never called.
func (d *PgxDriver) WaitForNotification(ctx context.Context) (*Notification, error) {
	d.listenMu.Lock()
	conn := d.listenConn
	d.listenMu.Unlock()
	if conn == nil {
		return nil, ErrNotificationsUnsupported
	}

	n, err := conn.Conn().WaitForNotification(ctx)
	if err != nil {
		return nil, fmt.Errorf("wait for notification: %w", err)
	}
	return &Notification{Channel: n.Channel, Payload: n.Payload}, nil
}

func (d *PgxDriver) Close() error {
	d.listenMu.Lock()
	if d.listenConn != nil {
		d.listenConn.Release()
		d.listenConn = nil
	}
	d.listenMu.Unlock()
	d.pool.Close()
	return nil
}

func buildInsertReturning(dialect Dialect, table string, columns []string, idColumn string) string {
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = dialect.Placeholder(i + 1)
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		table, strings.Join(columns, ", "), strings.Join(placeholders, ", "), idColumn,
	)
}
