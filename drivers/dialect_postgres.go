package drivers

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// postgresDialect is shared by PgxDriver (native pgx) and the
// database/sql+lib/pq SQLDriver: both speak the same SQL dialect, only
// the wire protocol differs.
type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (postgresDialect) SupportsReturning() bool { return true }

func (postgresDialect) SchemaSQL(prefix string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]sfuncmap (
			funcid   SERIAL PRIMARY KEY,
			funcname TEXT NOT NULL UNIQUE
		)`, prefix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]sjob (
			jobid         BIGSERIAL PRIMARY KEY,
			funcid        INTEGER NOT NULL REFERENCES %[1]sfuncmap(funcid),
			arg           BYTEA,
			uniqkey       TEXT,
			insert_time   BIGINT NOT NULL,
			run_after     BIGINT NOT NULL,
			grabbed_until BIGINT NOT NULL DEFAULT 0,
			priority      INTEGER NOT NULL DEFAULT 0,
			coalesce      TEXT
		)`, prefix),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %[1]sjob_funcid_uniqkey_idx
			ON %[1]sjob (funcid, uniqkey) WHERE uniqkey IS NOT NULL`, prefix),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]sjob_funcid_run_after_idx
			ON %[1]sjob (funcid, run_after)`, prefix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]serror (
			error_time BIGINT NOT NULL,
			jobid      BIGINT NOT NULL,
			funcid     INTEGER NOT NULL,
			message    TEXT
		)`, prefix),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]serror_jobid_idx ON %[1]serror (jobid)`, prefix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]sexitstatus (
			jobid           BIGINT NOT NULL,
			funcid          INTEGER NOT NULL,
			status          INTEGER NOT NULL,
			completion_time BIGINT NOT NULL,
			delete_after    BIGINT NOT NULL
		)`, prefix),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]sexitstatus_delete_after_idx
			ON %[1]sexitstatus (delete_after)`, prefix),
	}
}

// ClassifyError maps both pgx's pgconn.PgError and lib/pq's pq.Error
// onto the shared classifier sentinels by SQLSTATE class, so the same
// dialect serves both the pgx and database/sql Postgres drivers.
func (postgresDialect) ClassifyError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifySQLState(string(pqErr.Code), err)
	}

	return err
}

func classifySQLState(code string, err error) error {
	switch {
	case code == "23505": // unique_violation
		return fmt.Errorf("%w: %v", ErrConstraintViolated, err)
	case code == "40001": // serialization_failure
		return fmt.Errorf("%w: %v", ErrSerializationConflict, err)
	case len(code) >= 2 && code[:2] == "08": // connection_exception class
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	default:
		return err
	}
}
