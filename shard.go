package theschwartz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yshh/theschwartz/codec"
	"github.com/yshh/theschwartz/drivers"
)

// shard wraps one Driver with the funcname interning cache and the
// unhealthy-backoff tracker spec.md §5 describes; grab-time affinity is
// kept Client-wide (see coalesce.go), not per shard. JobHandle never holds one directly — it looks shards up
// by ID through the Client's shardResolver (see handle.go) so handles
// stay cheap to pass around and serialize.
type shard struct {
	id     string
	driver drivers.Driver
	prefix string
	codec  codec.Codec
	logger Logger

	funcMu   sync.RWMutex
	funcToID map[string]int64
	idToFunc map[int64]string

	healthMu       sync.Mutex
	backoff        time.Duration
	unhealthyUntil int64 // unix seconds; 0 means healthy
}

func newShard(id string, driver drivers.Driver, prefix string, c codec.Codec, logger Logger) *shard {
	return &shard{
		id:       id,
		driver:   driver,
		prefix:   prefix,
		codec:    c,
		logger:   logger,
		funcToID: make(map[string]int64),
		idToFunc: make(map[int64]string),
	}
}

func (s *shard) jobTable() string        { return s.prefix + "job" }
func (s *shard) errorTable() string      { return s.prefix + "error" }
func (s *shard) exitStatusTable() string { return s.prefix + "exitstatus" }
func (s *shard) funcmapTable() string    { return s.prefix + "funcmap" }

// ensureSchema creates the four per-shard tables and their indexes if
// they don't already exist (teacher: Start()'s createTableSQL).
func (s *shard) ensureSchema(ctx context.Context) error {
	for _, stmt := range s.driver.Dialect().SchemaSQL(s.prefix) {
		if _, err := s.driver.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("theschwartz: create schema on shard %s: %w", s.id, err)
		}
	}
	return nil
}

// --- shard health / backoff (spec.md §5) -----------------------------

func (s *shard) recordFailure(err error) {
	if !errors.Is(err, drivers.ErrConnectionLost) && !errors.Is(err, ErrConnectionLost) && !errors.Is(err, ErrTimeout) {
		return
	}
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	if s.backoff == 0 {
		s.backoff = time.Second
	} else {
		s.backoff *= 2
		if s.backoff > 60*time.Second {
			s.backoff = 60 * time.Second
		}
	}
	s.unhealthyUntil = time.Now().Add(s.backoff).Unix()
}

func (s *shard) recordSuccess() {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	s.backoff = 0
	s.unhealthyUntil = 0
}

func (s *shard) healthy(now time.Time) bool {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	return now.Unix() >= s.unhealthyUntil
}

// --- funcname <-> funcid interning (spec.md §3, §6) ------------------

func (s *shard) funcID(ctx context.Context, funcname string) (int64, error) {
	s.funcMu.RLock()
	if id, ok := s.funcToID[funcname]; ok {
		s.funcMu.RUnlock()
		return id, nil
	}
	s.funcMu.RUnlock()

	s.funcMu.Lock()
	defer s.funcMu.Unlock()
	if id, ok := s.funcToID[funcname]; ok {
		return id, nil
	}

	ph := s.driver.Dialect().Placeholder(1)
	row := s.driver.QueryRow(ctx, fmt.Sprintf("SELECT funcid FROM %s WHERE funcname = %s", s.funcmapTable(), ph), funcname)
	var id int64
	if err := row.Scan(&id); err == nil {
		s.funcToID[funcname] = id
		s.idToFunc[id] = funcname
		return id, nil
	}

	id, err := s.driver.InsertReturningID(ctx, s.funcmapTable(), []string{"funcname"}, []interface{}{funcname}, "funcid")
	if err != nil {
		// lost a race with another inserter: re-select.
		if errors.Is(err, drivers.ErrConstraintViolated) {
			row := s.driver.QueryRow(ctx, fmt.Sprintf("SELECT funcid FROM %s WHERE funcname = %s", s.funcmapTable(), ph), funcname)
			if scanErr := row.Scan(&id); scanErr == nil {
				s.funcToID[funcname] = id
				s.idToFunc[id] = funcname
				return id, nil
			}
		}
		return 0, err
	}
	s.funcToID[funcname] = id
	s.idToFunc[id] = funcname
	return id, nil
}

func (s *shard) funcName(ctx context.Context, funcID int64) (string, error) {
	s.funcMu.RLock()
	if name, ok := s.idToFunc[funcID]; ok {
		s.funcMu.RUnlock()
		return name, nil
	}
	s.funcMu.RUnlock()

	ph := s.driver.Dialect().Placeholder(1)
	row := s.driver.QueryRow(ctx, fmt.Sprintf("SELECT funcname FROM %s WHERE funcid = %s", s.funcmapTable(), ph), funcID)
	var name string
	if err := row.Scan(&name); err != nil {
		return "", err
	}
	s.funcMu.Lock()
	s.funcToID[name] = funcID
	s.idToFunc[funcID] = name
	s.funcMu.Unlock()
	return name, nil
}

// --- job row CRUD -----------------------------------------------------

// jobRow is the raw persisted shape of one job.job row.
type jobRow struct {
	id           int64
	funcID       int64
	arg          []byte
	uniqKey      *string
	insertTime   int64
	runAfter     int64
	grabbedUntil int64
	priority     int
	coalesce     *string
}

// insertOpts mirrors the spec.md §4.4 insert options.
type insertOpts struct {
	UniqKey  *string
	RunAfter int64
	Priority int
	Coalesce *string
}

// insertJob inserts one job row and returns its jobid. On a uniqkey
// collision it returns the existing row's jobid and
// drivers.ErrConstraintViolated so the caller can treat it as success.
func (s *shard) insertJob(ctx context.Context, funcID int64, arg []byte, opts insertOpts) (int64, error) {
	cols := []string{"funcid", "arg", "uniqkey", "insert_time", "run_after", "grabbed_until", "priority", "coalesce"}
	args := []interface{}{funcID, arg, opts.UniqKey, time.Now().Unix(), opts.RunAfter, int64(0), opts.Priority, opts.Coalesce}

	id, err := s.driver.InsertReturningID(ctx, s.jobTable(), cols, args, "jobid")
	if err != nil {
		if errors.Is(err, drivers.ErrConstraintViolated) && opts.UniqKey != nil {
			existing, lookupErr := s.lookupByUniqKey(ctx, funcID, *opts.UniqKey)
			if lookupErr == nil {
				return existing, drivers.ErrConstraintViolated
			}
		}
		return 0, err
	}
	return id, nil
}

func (s *shard) lookupByUniqKey(ctx context.Context, funcID int64, uniqKey string) (int64, error) {
	ph1, ph2 := s.driver.Dialect().Placeholder(1), s.driver.Dialect().Placeholder(2)
	row := s.driver.QueryRow(ctx,
		fmt.Sprintf("SELECT jobid FROM %s WHERE funcid = %s AND uniqkey = %s", s.jobTable(), ph1, ph2),
		funcID, uniqKey)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// lookupByUniqKeyTx is lookupByUniqKey run against an open transaction,
// for callers (e.g. Client.InsertJobs) that must resolve a uniqkey
// collision without leaving the transaction.
func (s *shard) lookupByUniqKeyTx(ctx context.Context, tx drivers.Tx, funcID int64, uniqKey string) (int64, error) {
	ph1, ph2 := s.driver.Dialect().Placeholder(1), s.driver.Dialect().Placeholder(2)
	row := tx.QueryRow(ctx,
		fmt.Sprintf("SELECT jobid FROM %s WHERE funcid = %s AND uniqkey = %s", s.jobTable(), ph1, ph2),
		funcID, uniqKey)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// fetchCandidates runs the grab batch query from spec.md §4.5 step 1,
// with an optional affinity bias (funcid, coalesce) sorted first.
func (s *shard) fetchCandidates(ctx context.Context, funcIDs []int64, limit int, affFuncID int64, affCoalesce string, haveAffinity bool) ([]jobRow, error) {
	if len(funcIDs) == 0 {
		return nil, nil
	}

	dialect := s.driver.Dialect()
	args := make([]interface{}, 0, len(funcIDs)+3)
	placeholders := make([]string, len(funcIDs))
	n := 1
	for i, fid := range funcIDs {
		placeholders[i] = dialect.Placeholder(n)
		args = append(args, fid)
		n++
	}

	now := time.Now().Unix()
	nowPH := dialect.Placeholder(n)
	args = append(args, now)
	n++
	nowPH2 := dialect.Placeholder(n)
	args = append(args, now)
	n++

	orderBy := "priority DESC, jobid ASC"
	if haveAffinity {
		affFuncPH := dialect.Placeholder(n)
		args = append(args, affFuncID)
		n++
		affCoalescePH := dialect.Placeholder(n)
		args = append(args, affCoalesce)
		n++
		orderBy = fmt.Sprintf("CASE WHEN funcid = %s AND coalesce = %s THEN 0 ELSE 1 END, %s", affFuncPH, affCoalescePH, orderBy)
	}

	query := fmt.Sprintf(`SELECT jobid, funcid, arg, uniqkey, insert_time, run_after, grabbed_until, priority, coalesce
		FROM %s
		WHERE funcid IN (%s) AND run_after <= %s AND grabbed_until <= %s
		ORDER BY %s
		LIMIT %d`,
		s.jobTable(), joinPlaceholders(placeholders), nowPH, nowPH2, orderBy, limit)

	rows, err := s.driver.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []jobRow
	for rows.Next() {
		var r jobRow
		if err := rows.Scan(&r.id, &r.funcID, &r.arg, &r.uniqKey, &r.insertTime, &r.runAfter, &r.grabbedUntil, &r.priority, &r.coalesce); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func joinPlaceholders(ph []string) string {
	out := ""
	for i, p := range ph {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

// tryLease attempts the conditional update that is the whole lease
// protocol (spec.md §4.5 step 2): claim row jobid only if
// grabbed_until still equals the snapshot we read it with.
func (s *shard) tryLease(ctx context.Context, jobID int64, snapshotGrabbedUntil int64, newGrabbedUntil int64) (bool, error) {
	dialect := s.driver.Dialect()
	query := fmt.Sprintf("UPDATE %s SET grabbed_until = %s WHERE jobid = %s AND grabbed_until = %s",
		s.jobTable(), dialect.Placeholder(1), dialect.Placeholder(2), dialect.Placeholder(3))
	n, err := s.driver.Exec(ctx, query, newGrabbedUntil, jobID, snapshotGrabbedUntil)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// refreshLease extends an already-held lease; same primitive as
// tryLease, exposed for long-running workers (spec.md §5).
func (s *shard) refreshLease(ctx context.Context, jobID int64, snapshotGrabbedUntil int64, newGrabbedUntil int64) (bool, error) {
	return s.tryLease(ctx, jobID, snapshotGrabbedUntil, newGrabbedUntil)
}

func (s *shard) retryJob(ctx context.Context, jobID int64, runAfter int64) error {
	dialect := s.driver.Dialect()
	query := fmt.Sprintf("UPDATE %s SET run_after = %s, grabbed_until = 0 WHERE jobid = %s",
		s.jobTable(), dialect.Placeholder(1), dialect.Placeholder(2))
	_, err := s.driver.Exec(ctx, query, runAfter, jobID)
	return err
}

func (s *shard) removeJob(ctx context.Context, jobID int64) error {
	dialect := s.driver.Dialect()
	query := fmt.Sprintf("DELETE FROM %s WHERE jobid = %s", s.jobTable(), dialect.Placeholder(1))
	_, err := s.driver.Exec(ctx, query, jobID)
	return err
}

func (s *shard) removeJobTx(ctx context.Context, tx drivers.Tx, jobID int64) error {
	dialect := s.driver.Dialect()
	query := fmt.Sprintf("DELETE FROM %s WHERE jobid = %s", s.jobTable(), dialect.Placeholder(1))
	_, err := tx.Exec(ctx, query, jobID)
	return err
}

// insertJobTx mirrors insertJob's uniqkey-collision handling (returns
// the existing row's jobid plus drivers.ErrConstraintViolated) so
// batch callers like Client.InsertJobs can treat a collision as
// success rather than aborting the whole transaction.
func (s *shard) insertJobTx(ctx context.Context, tx drivers.Tx, funcID int64, arg []byte, opts insertOpts) (int64, error) {
	cols := []string{"funcid", "arg", "uniqkey", "insert_time", "run_after", "grabbed_until", "priority", "coalesce"}
	args := []interface{}{funcID, arg, opts.UniqKey, time.Now().Unix(), opts.RunAfter, int64(0), opts.Priority, opts.Coalesce}
	id, err := tx.InsertReturningID(ctx, s.jobTable(), cols, args, "jobid")
	if err != nil {
		if errors.Is(err, drivers.ErrConstraintViolated) && opts.UniqKey != nil {
			existing, lookupErr := s.lookupByUniqKeyTx(ctx, tx, funcID, *opts.UniqKey)
			if lookupErr == nil {
				return existing, drivers.ErrConstraintViolated
			}
		}
		return 0, err
	}
	return id, nil
}

// --- error / exitstatus audit rows ------------------------------------

func (s *shard) insertError(ctx context.Context, jobID, funcID int64, message string) error {
	// error rows are append-only with no surrogate primary key, so a
	// plain INSERT is enough; nothing needs the generated id back.
	dialect := s.driver.Dialect()
	ph := []string{dialect.Placeholder(1), dialect.Placeholder(2), dialect.Placeholder(3), dialect.Placeholder(4)}
	query := fmt.Sprintf("INSERT INTO %s (error_time, jobid, funcid, message) VALUES (%s, %s, %s, %s)",
		s.errorTable(), ph[0], ph[1], ph[2], ph[3])
	_, err := s.driver.Exec(ctx, query, time.Now().Unix(), jobID, funcID, message)
	return err
}

func (s *shard) countFailures(ctx context.Context, jobID int64) (int, error) {
	dialect := s.driver.Dialect()
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE jobid = %s", s.errorTable(), dialect.Placeholder(1))
	row := s.driver.QueryRow(ctx, query, jobID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ErrorRecord is one audit row from the error table (spec.md §3).
type ErrorRecord struct {
	ErrorTime int64
	JobID     int64
	FuncID    int64
	Message   string
}

func (s *shard) failureLog(ctx context.Context, jobID int64) ([]ErrorRecord, error) {
	dialect := s.driver.Dialect()
	query := fmt.Sprintf("SELECT error_time, jobid, funcid, message FROM %s WHERE jobid = %s ORDER BY error_time ASC",
		s.errorTable(), dialect.Placeholder(1))
	rows, err := s.driver.Query(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ErrorRecord
	for rows.Next() {
		var r ErrorRecord
		if err := rows.Scan(&r.ErrorTime, &r.JobID, &r.FuncID, &r.Message); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *shard) insertExitStatus(ctx context.Context, jobID, funcID int64, status int, keepFor int) error {
	now := time.Now().Unix()
	dialect := s.driver.Dialect()
	ph := []string{dialect.Placeholder(1), dialect.Placeholder(2), dialect.Placeholder(3), dialect.Placeholder(4), dialect.Placeholder(5)}
	query := fmt.Sprintf("INSERT INTO %s (jobid, funcid, status, completion_time, delete_after) VALUES (%s, %s, %s, %s, %s)",
		s.exitStatusTable(), ph[0], ph[1], ph[2], ph[3], ph[4])
	_, err := s.driver.Exec(ctx, query, jobID, funcID, status, now, now+int64(keepFor))
	return err
}

// insertExitStatusTx is insertExitStatus run against an open
// transaction, for Job.ReplaceWith's completed(job)-equivalent step.
func (s *shard) insertExitStatusTx(ctx context.Context, tx drivers.Tx, jobID, funcID int64, status int, keepFor int) error {
	now := time.Now().Unix()
	dialect := s.driver.Dialect()
	ph := []string{dialect.Placeholder(1), dialect.Placeholder(2), dialect.Placeholder(3), dialect.Placeholder(4), dialect.Placeholder(5)}
	query := fmt.Sprintf("INSERT INTO %s (jobid, funcid, status, completion_time, delete_after) VALUES (%s, %s, %s, %s, %s)",
		s.exitStatusTable(), ph[0], ph[1], ph[2], ph[3], ph[4])
	_, err := tx.Exec(ctx, query, jobID, funcID, status, now, now+int64(keepFor))
	return err
}

// ExitStatusRecord is one row from the exitstatus table (spec.md §3).
type ExitStatusRecord struct {
	JobID          int64
	FuncID         int64
	Status         int
	CompletionTime int64
	DeleteAfter    int64
}

func (s *shard) exitStatus(ctx context.Context, jobID int64) (*ExitStatusRecord, error) {
	dialect := s.driver.Dialect()
	query := fmt.Sprintf("SELECT jobid, funcid, status, completion_time, delete_after FROM %s WHERE jobid = %s ORDER BY completion_time DESC LIMIT 1",
		s.exitStatusTable(), dialect.Placeholder(1))
	row := s.driver.QueryRow(ctx, query, jobID)
	var r ExitStatusRecord
	if err := row.Scan(&r.JobID, &r.FuncID, &r.Status, &r.CompletionTime, &r.DeleteAfter); err != nil {
		return nil, err
	}
	return &r, nil
}

// sweepExitStatuses removes exitstatus rows past their retention
// window (spec.md §4.7).
func (s *shard) sweepExitStatuses(ctx context.Context) (int64, error) {
	dialect := s.driver.Dialect()
	query := fmt.Sprintf("DELETE FROM %s WHERE delete_after < %s", s.exitStatusTable(), dialect.Placeholder(1))
	return s.driver.Exec(ctx, query, time.Now().Unix())
}

// listJobs returns up to limit jobs for funcname, most-recently
// inserted first, for Client.ListJobs.
func (s *shard) listJobs(ctx context.Context, funcID int64, limit int) ([]jobRow, error) {
	dialect := s.driver.Dialect()
	query := fmt.Sprintf(`SELECT jobid, funcid, arg, uniqkey, insert_time, run_after, grabbed_until, priority, coalesce
		FROM %s WHERE funcid = %s ORDER BY jobid DESC LIMIT %d`, s.jobTable(), dialect.Placeholder(1), limit)
	rows, err := s.driver.Query(ctx, query, funcID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []jobRow
	for rows.Next() {
		var r jobRow
		if err := rows.Scan(&r.id, &r.funcID, &r.arg, &r.uniqKey, &r.insertTime, &r.runAfter, &r.grabbedUntil, &r.priority, &r.coalesce); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// jobByID loads a single job row by primary key. Client.LookupJob does
// not call it; LookupJob only builds a handle.
func (s *shard) jobByID(ctx context.Context, jobID int64) (*jobRow, error) {
	dialect := s.driver.Dialect()
	query := fmt.Sprintf(`SELECT jobid, funcid, arg, uniqkey, insert_time, run_after, grabbed_until, priority, coalesce
		FROM %s WHERE jobid = %s`, s.jobTable(), dialect.Placeholder(1))
	row := s.driver.QueryRow(ctx, query, jobID)
	var r jobRow
	if err := row.Scan(&r.id, &r.funcID, &r.arg, &r.uniqKey, &r.insertTime, &r.runAfter, &r.grabbedUntil, &r.priority, &r.coalesce); err != nil {
		return nil, err
	}
	return &r, nil
}
