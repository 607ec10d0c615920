// Package theschwartz is a reliable, database-backed job queue. Producers
// insert work items addressed by a symbolic function name ("ability");
// workers across one or more processes atomically grab items due for
// execution, run them, and report completion, transient failure (bounded
// retry/backoff), or permanent failure, across one or more independent
// relational database shards.
package theschwartz

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/yshh/theschwartz/codec"
	"github.com/yshh/theschwartz/drivers"
	"github.com/yshh/theschwartz/internal/idgen"
)

// defaultBatchSize is how many candidate rows Client.grab pulls per
// shard per attempt (spec.md §4.5 step 1).
const defaultBatchSize = 10

// notifyChannel is the LISTEN/NOTIFY channel name used as an optional
// wakeup fast-path on drivers that support it (teacher: the
// swig_jobs_notify_trigger's "swig_jobs" channel). It is never
// load-bearing: Client.Work always falls back to polling on its delay
// timer regardless of whether any shard delivers a notification.
const notifyChannel = "theschwartz_job"

// ShardConfig names one backing store Client dispatches across.
type ShardConfig struct {
	ID     string
	Driver drivers.Driver
}

// Config is the set of options NewClient needs. Assembling the
// individual ShardConfig.Driver values (opening DSNs, reading env vars)
// is left to the caller: loading database connection descriptors is
// outside this package, which only consumes ready-made drivers,
// mirroring the teacher's own examples/sql/main.go, which calls
// sql.Open itself rather than through the library.
type Config struct {
	Shards []ShardConfig

	// Prefix is prepended to every table name; defaults to "theschwartz_".
	Prefix string

	// Codec encodes/decodes job arguments; defaults to codec.JSON.
	Codec codec.Codec

	// Logger receives structured debug events from the core; defaults
	// to a no-op logger.
	Logger Logger

	// FaultInjection holds test-only switches for forcing otherwise
	// unreachable error paths (spec.md §9's `_T_REPLACE_WITH_FAIL`,
	// reimplemented as configuration instead of a process-global
	// test hook). The zero value injects nothing.
	FaultInjection FaultInjection
}

// FaultInjection holds test-only hooks for forcing a normally
// unreachable error path, so a test can exercise both the commit and
// rollback branches of an atomic operation without relying on a
// process-global switch.
type FaultInjection struct {
	// ReplaceWithRollbackAfterInsert forces Job.ReplaceWith to fail
	// after inserting its replacement rows but before removing the
	// original job, so the transaction rolls back (spec.md §8 scenario
	// 5: "if a test hook forces rollback, A still exists and B, C do
	// not").
	ReplaceWithRollbackAfterInsert bool
}

// Client is the dispatch engine: it owns the shard set, the ability
// registry, and the grab-time affinity hint, and exposes insert/grab/
// work operations (spec.md §4.4-§4.6).
type Client struct {
	shardIDs []string
	shards   map[string]*shard

	abilities *AbilityRegistry
	affinity  *affinityState

	codec    codec.Codec
	logger   Logger
	workerID string

	faultInjection FaultInjection

	wake chan struct{}
}

// NewClient builds a Client over cfg.Shards. It does not touch the
// database; call Start to create each shard's schema.
func NewClient(cfg Config) (*Client, error) {
	if len(cfg.Shards) == 0 {
		return nil, fmt.Errorf("theschwartz: at least one shard is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "theschwartz_"
	}
	c := cfg.Codec
	if c == nil {
		c = codec.JSON
	}
	logger := cfg.Logger
	if logger == nil {
		logger = NewNoopLogger()
	}
	workerID := idgen.NewWorkerID()
	logger = logger.WithFields(map[string]interface{}{"worker_id": workerID})

	cl := &Client{
		shards:         make(map[string]*shard, len(cfg.Shards)),
		abilities:      NewAbilityRegistry(),
		affinity:       newAffinityState(),
		codec:          c,
		logger:         logger,
		workerID:       workerID,
		faultInjection: cfg.FaultInjection,
		wake:           make(chan struct{}, 1),
	}
	for _, sc := range cfg.Shards {
		if sc.ID == "" {
			return nil, fmt.Errorf("theschwartz: shard with empty ID")
		}
		if _, dup := cl.shards[sc.ID]; dup {
			return nil, fmt.Errorf("theschwartz: duplicate shard id %q", sc.ID)
		}
		sh := newShard(sc.ID, sc.Driver, prefix, c, logger.WithFields(map[string]interface{}{"shard": sc.ID}))
		cl.shards[sc.ID] = sh
		cl.shardIDs = append(cl.shardIDs, sc.ID)
	}
	return cl, nil
}

// Start creates every shard's tables and indexes if they don't already
// exist (teacher: Start()'s createTableSQL, generalized across shards).
func (c *Client) Start(ctx context.Context) error {
	for _, id := range c.shardIDs {
		if err := c.shards[id].ensureSchema(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases every shard's underlying connection.
func (c *Client) Close() error {
	var firstErr error
	for _, id := range c.shardIDs {
		if err := c.shards[id].driver.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Client) shardByID(id string) (*shard, bool) {
	sh, ok := c.shards[id]
	return sh, ok
}

// ListenForWakeups starts a background LISTEN loop on every shard whose
// driver supports notifications, waking any idle Client.Work loop as
// soon as a job is inserted instead of waiting out its full poll delay.
// Shards that return ErrNotificationsUnsupported (e.g. sqlite) are
// silently skipped — this is purely an optimization; Client.Work's
// poll loop is always correct on its own. Goroutines exit when ctx is
// canceled.
func (c *Client) ListenForWakeups(ctx context.Context) {
	for _, id := range c.shardIDs {
		sh := c.shards[id]
		if err := sh.driver.Listen(ctx, notifyChannel); err != nil {
			continue
		}
		go func(sh *shard) {
			for {
				if ctx.Err() != nil {
					return
				}
				if _, err := sh.driver.WaitForNotification(ctx); err != nil {
					if ctx.Err() != nil {
						return
					}
					continue
				}
				select {
				case c.wake <- struct{}{}:
				default:
				}
			}
		}(sh)
	}
}

func (c *Client) notifyInserted(ctx context.Context, sh *shard, jobID int64) {
	_ = sh.driver.Notify(ctx, notifyChannel, fmt.Sprintf("%d", jobID))
}

// --- ability registration (spec.md §4.2, §6) --------------------------

// Register binds descriptor to every funcname in descriptor.Handles()
// (its own Name() when that set is empty) and records it under Name()
// for Can.
func (c *Client) Register(descriptor WorkerDescriptor) error {
	return c.abilities.Register(descriptor)
}

// Can implements the single-argument form of spec.md §4.2's `can(name)`:
// activate an already-Register-ed descriptor (looked up by its own
// Name()) to additionally handle the funcname name.
func (c *Client) Can(name string) error {
	return c.abilities.Can(name)
}

// CanFuncname implements the two-argument form of spec.md §6's
// `can(funcname, descriptor)`: bind descriptor to exactly funcname,
// independent of descriptor.Handles().
func (c *Client) CanFuncname(funcname string, descriptor WorkerDescriptor) error {
	return c.abilities.registerFuncname(funcname, descriptor)
}

// ResetAbilities clears every registered binding.
func (c *Client) ResetAbilities() { c.abilities.ResetAbilities() }

// --- insert (spec.md §4.4) --------------------------------------------

// Insert encodes arg with the configured Codec and stores it under
// funcname on a healthy shard chosen at random; shards in their backoff
// window are skipped (spec.md §5). If the chosen shard raises a
// non-constraint error, Insert retries on the next healthiest shard
// before giving up with ErrNoShardAvailable.
func (c *Client) Insert(ctx context.Context, funcname string, arg interface{}, opts ...InsertOptions) (*JobHandle, error) {
	var o InsertOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	runAfter := o.RunAfter.Unix()
	if o.RunAfter.IsZero() {
		runAfter = time.Now().Unix()
	}

	raw, err := c.codec.Encode(arg)
	if err != nil {
		return nil, wrapf(ErrSerializationFailed, "Client.Insert", err)
	}

	order := c.shuffledHealthyShards()
	if len(order) == 0 {
		return nil, ErrNoShardAvailable
	}

	var lastErr error
	for _, id := range order {
		sh := c.shards[id]
		funcID, err := sh.funcID(ctx, funcname)
		if err != nil {
			sh.recordFailure(err)
			lastErr = err
			continue
		}
		jobID, err := sh.insertJob(ctx, funcID, raw, insertOpts{
			UniqKey:  o.UniqKey,
			RunAfter: runAfter,
			Priority: o.Priority,
			Coalesce: o.Coalesce,
		})
		if err != nil {
			if isConstraintViolation(err) {
				sh.recordSuccess()
				return newJobHandle(id, jobID, c), nil
			}
			sh.recordFailure(err)
			lastErr = err
			continue
		}
		sh.recordSuccess()
		c.notifyInserted(ctx, sh, jobID)
		return newJobHandle(id, jobID, c), nil
	}
	if lastErr != nil {
		return nil, wrapf(ErrNoShardAvailable, "Client.Insert", lastErr)
	}
	return nil, ErrNoShardAvailable
}

func isConstraintViolation(err error) bool {
	return errors.Is(err, drivers.ErrConstraintViolated)
}

// InsertJobs inserts every job in one transaction on a single shard
// (spec.md §6 `insert_jobs([job…]) → [JobHandle]`): either all of them
// land, or — on any error other than a uniqkey collision — none do,
// and the next healthiest shard is tried instead. A uniqkey collision
// within the batch is not a failure: like Insert, it resolves to the
// existing row's handle, so retrying an already-applied batch is safe.
func (c *Client) InsertJobs(ctx context.Context, jobs ...NewJob) ([]*JobHandle, error) {
	if len(jobs) == 0 {
		return nil, nil
	}

	type encodedJob struct {
		funcname string
		arg      []byte
		opts     insertOpts
	}
	enc := make([]encodedJob, len(jobs))
	for i, nj := range jobs {
		raw, err := c.codec.Encode(nj.Arg)
		if err != nil {
			return nil, wrapf(ErrSerializationFailed, "Client.InsertJobs", err)
		}
		runAfter := nj.Options.RunAfter.Unix()
		if nj.Options.RunAfter.IsZero() {
			runAfter = time.Now().Unix()
		}
		enc[i] = encodedJob{
			funcname: nj.Funcname,
			arg:      raw,
			opts: insertOpts{
				UniqKey:  nj.Options.UniqKey,
				RunAfter: runAfter,
				Priority: nj.Options.Priority,
				Coalesce: nj.Options.Coalesce,
			},
		}
	}

	order := c.shuffledHealthyShards()
	if len(order) == 0 {
		return nil, ErrNoShardAvailable
	}

	var lastErr error
shardLoop:
	for _, id := range order {
		sh := c.shards[id]

		funcIDs := make([]int64, len(enc))
		for i, e := range enc {
			fid, err := sh.funcID(ctx, e.funcname)
			if err != nil {
				sh.recordFailure(err)
				lastErr = err
				continue shardLoop
			}
			funcIDs[i] = fid
		}

		ids := make([]int64, len(enc))
		txErr := sh.driver.WithTx(ctx, func(tx drivers.Tx) error {
			for i, e := range enc {
				jobID, err := sh.insertJobTx(ctx, tx, funcIDs[i], e.arg, e.opts)
				if err != nil {
					if isConstraintViolation(err) {
						ids[i] = jobID
						continue
					}
					return err
				}
				ids[i] = jobID
			}
			return nil
		})
		if txErr != nil {
			sh.recordFailure(txErr)
			lastErr = txErr
			continue
		}
		sh.recordSuccess()

		handles := make([]*JobHandle, len(ids))
		for i, jobID := range ids {
			handles[i] = newJobHandle(id, jobID, c)
			c.notifyInserted(ctx, sh, jobID)
		}
		return handles, nil
	}
	if lastErr != nil {
		return nil, wrapf(ErrNoShardAvailable, "Client.InsertJobs", lastErr)
	}
	return nil, ErrNoShardAvailable
}

// shuffledHealthyShards returns the ids of the healthy shards in random
// order (spec.md §5 backoff: an unhealthy shard is skipped until its
// backoff window elapses). It returns an empty slice when every shard
// is in backoff.
func (c *Client) shuffledHealthyShards() []string {
	healthy := make([]string, 0, len(c.shardIDs))
	now := time.Now()
	for _, id := range c.shardIDs {
		if c.shards[id].healthy(now) {
			healthy = append(healthy, id)
		}
	}
	rand.Shuffle(len(healthy), func(i, j int) { healthy[i], healthy[j] = healthy[j], healthy[i] })
	return healthy
}

// --- grab (spec.md §4.5) ----------------------------------------------

// grab attempts to lease one eligible job from any shard, honoring the
// current coalescing affinity hint. It returns (nil, nil) if no job was
// available anywhere right now.
func (c *Client) grab(ctx context.Context) (*Job, error) {
	funcnames := c.abilities.allowedFuncnames()
	if len(funcnames) == 0 {
		return nil, nil
	}

	order := c.shuffledHealthyShards()
	hitOnAnyShard := false

	for _, id := range order {
		sh := c.shards[id]

		funcIDs := make([]int64, 0, len(funcnames))
		funcIDToName := make(map[int64]string, len(funcnames))
		for _, fn := range funcnames {
			fid, err := sh.funcID(ctx, fn)
			if err != nil {
				sh.recordFailure(err)
				continue
			}
			funcIDs = append(funcIDs, fid)
			funcIDToName[fid] = fn
		}
		if len(funcIDs) == 0 {
			continue
		}

		affFuncID, affCoalesce, haveAffinity := c.affinity.match(id)
		candidates, err := sh.fetchCandidates(ctx, funcIDs, defaultBatchSize, affFuncID, affCoalesce, haveAffinity)
		if err != nil {
			sh.recordFailure(err)
			continue
		}
		sh.recordSuccess()

		for _, cand := range candidates {
			newUntil := time.Now().Unix() + int64(c.grabForFuncID(cand.funcID, funcIDToName))
			ok, err := sh.tryLease(ctx, cand.id, cand.grabbedUntil, newUntil)
			if err != nil {
				sh.recordFailure(err)
				continue
			}
			if !ok {
				// another worker (or this client's own concurrent
				// caller) won the race; move on to the next candidate.
				continue
			}

			hitOnAnyShard = true
			if cand.coalesce != nil {
				c.affinity.set(id, cand.funcID, *cand.coalesce)
			} else {
				c.affinity.clear()
			}

			funcname := funcIDToName[cand.funcID]
			descriptor, _ := c.abilities.descriptorFor(funcname)
			job := &Job{
				Handle:         newJobHandle(id, cand.id, c),
				Funcname:       funcname,
				id:             cand.id,
				funcID:         cand.funcID,
				uniqKey:        cand.uniqKey,
				insertTime:     cand.insertTime,
				runAfter:       cand.runAfter,
				grabbedUntil:   newUntil,
				priority:       cand.priority,
				coalesce:       cand.coalesce,
				rawArg:         cand.arg,
				codec:          c.codec,
				shard:          sh,
				descriptor:     descriptor,
				logger:         c.logger,
				faultInjection: c.faultInjection,
			}
			return job, nil
		}
	}

	if !hitOnAnyShard {
		c.affinity.clear()
	}
	return nil, nil
}

func (c *Client) grabForFuncID(funcID int64, funcIDToName map[int64]string) int {
	fn, ok := funcIDToName[funcID]
	if !ok {
		return 30
	}
	if d, ok := c.abilities.descriptorFor(fn); ok {
		return d.GrabFor()
	}
	return 30
}

// --- work loops (spec.md §4.6) -----------------------------------------

type jobCtxKey struct{}

// CurrentJob returns the Job currently being processed on ctx, if any.
// It's set by workSafely before calling WorkerDescriptor.Work, letting
// deeply nested code reach the job without it being threaded through
// every call explicitly.
func CurrentJob(ctx context.Context) (*Job, bool) {
	j, ok := ctx.Value(jobCtxKey{}).(*Job)
	return j, ok
}

// WorkOnce grabs and processes at most one job. It reports whether a
// job was found and processed.
func (c *Client) WorkOnce(ctx context.Context) (bool, error) {
	job, err := c.grab(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	if err := c.workSafely(ctx, job); err != nil {
		return true, err
	}
	return true, nil
}

// WorkUntilDone calls WorkOnce until no job is available anywhere,
// then returns.
func (c *Client) WorkUntilDone(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		did, err := c.WorkOnce(ctx)
		if err != nil {
			c.logger.Warnf("theschwartz: work_until_done: %v", err)
		}
		if !did {
			return nil
		}
	}
}

// Work runs WorkOnce in a loop forever, sleeping delay between empty
// polls, until ctx is canceled (teacher: startWorker/processNextJob's
// for { select { case <-ctx.Done(): ...; default: ... } } loop).
func (c *Client) Work(ctx context.Context, delay time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		did, err := c.WorkOnce(ctx)
		if err != nil {
			c.logger.Warnf("theschwartz: work: %v", err)
		}
		if did {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
		case <-time.After(delay):
		}
	}
}

// workSafely invokes the job's descriptor, converting a panic or
// returned error into Job.Failed and a normal return into
// Job.Completed (spec.md §4.6; teacher: processNextJob's
// "if err != nil { ...pending/failed... } else { ...completed... }"
// branch).
func (c *Client) workSafely(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			failErr := fmt.Errorf("%w: %v", ErrWorkerRaised, r)
			if _, ferr := job.Failed(ctx, failErr.Error()); ferr != nil {
				err = ferr
				return
			}
			err = nil
		}
	}()

	if job.descriptor == nil {
		_, ferr := job.Failed(ctx, fmt.Sprintf("no worker descriptor registered for funcname %q", job.Funcname))
		return ferr
	}

	workCtx := context.WithValue(ctx, jobCtxKey{}, job)
	workErr := job.descriptor.Work(workCtx, job)
	if workErr != nil {
		_, ferr := job.Failed(ctx, workErr.Error())
		if ferr != nil {
			return ferr
		}
		return nil
	}

	if !job.didSomething {
		_, cerr := job.Completed(ctx)
		return cerr
	}
	return nil
}

// --- lookup (spec.md §6) -----------------------------------------------

// LookupJob returns a handle to jobID on the named shard without
// leasing it, for status inspection.
func (c *Client) LookupJob(shardID string, jobID int64) (*JobHandle, error) {
	if _, ok := c.shards[shardID]; !ok {
		return nil, fmt.Errorf("theschwartz: unknown shard %q", shardID)
	}
	return newJobHandle(shardID, jobID, c), nil
}

// ListJobs returns up to limit handles for funcname across every
// shard (spec.md §6 `list_jobs(funcname, limit) → [Job]`), merged and
// truncated to limit, most-recently inserted first. Client owns shard
// multiplexing here exactly as it does for Insert: a funcname's jobs
// may have landed on any shard, so every shard is queried rather than
// requiring the caller to already know which one to ask.
func (c *Client) ListJobs(ctx context.Context, funcname string, limit int) ([]*JobHandle, error) {
	type found struct {
		shardID string
		row     jobRow
	}
	var all []found
	for _, id := range c.shardIDs {
		sh := c.shards[id]
		funcID, err := sh.funcID(ctx, funcname)
		if err != nil {
			sh.recordFailure(err)
			continue
		}
		rows, err := sh.listJobs(ctx, funcID, limit)
		if err != nil {
			sh.recordFailure(err)
			continue
		}
		sh.recordSuccess()
		for _, r := range rows {
			all = append(all, found{shardID: id, row: r})
		}
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].row.insertTime != all[j].row.insertTime {
			return all[i].row.insertTime > all[j].row.insertTime
		}
		return all[i].row.id > all[j].row.id
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}

	out := make([]*JobHandle, 0, len(all))
	for _, f := range all {
		out = append(out, newJobHandle(f.shardID, f.row.id, c))
	}
	return out, nil
}

// ListJobsOnShard is the single-shard convenience form, for callers
// that already know which shard a funcname's jobs live on and want to
// skip ListJobs's fan-out.
func (c *Client) ListJobsOnShard(ctx context.Context, shardID, funcname string, limit int) ([]*JobHandle, error) {
	sh, ok := c.shards[shardID]
	if !ok {
		return nil, fmt.Errorf("theschwartz: unknown shard %q", shardID)
	}
	funcID, err := sh.funcID(ctx, funcname)
	if err != nil {
		return nil, err
	}
	rows, err := sh.listJobs(ctx, funcID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*JobHandle, 0, len(rows))
	for _, r := range rows {
		out = append(out, newJobHandle(shardID, r.id, c))
	}
	return out, nil
}

// SweepExitStatuses runs one pass of the exit-status retention sweep
// (spec.md §4.7) across every shard; see sweeper.go for the periodic
// background form of this call.
func (c *Client) SweepExitStatuses(ctx context.Context) (int64, error) {
	var total int64
	for _, id := range c.shardIDs {
		n, err := c.shards[id].sweepExitStatuses(ctx)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
