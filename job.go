package theschwartz

import (
	"context"
	"time"

	"github.com/yshh/theschwartz/codec"
	"github.com/yshh/theschwartz/drivers"
)

// NewJob describes a job to be inserted, either via Client.Insert or
// as one of the replacement jobs passed to Job.ReplaceWith.
type NewJob struct {
	Funcname string
	Arg      interface{}
	Options  InsertOptions
}

// InsertOptions are the recognized Client.Insert options (spec.md §4.4):
// uniqkey, run_after, priority, coalesce.
type InsertOptions struct {
	// UniqKey, if non-nil, makes (funcname, *UniqKey) unique within the
	// shard the job lands on; a duplicate insert is a silent no-op that
	// still returns a handle to the existing row.
	UniqKey *string

	// RunAfter is the earliest time the job is eligible to be grabbed.
	// The zero Time means "now".
	RunAfter time.Time

	// Priority: higher is preferred among eligible rows on the same
	// shard; ties break by jobid ascending.
	Priority int

	// Coalesce is the grab-time affinity tag (spec.md §4.5); nil means
	// no affinity grouping.
	Coalesce *string
}

// Job is the in-memory representation of a leased job row. It carries
// the lifecycle methods a WorkerDescriptor.Work implementation must
// call exactly one of: Completed, Failed, PermanentFailure, or
// ReplaceWith (spec.md §4.3).
type Job struct {
	// Handle is this job's persistent (shard, jobid) reference, usable
	// to query Failures/FailureLog/ExitStatus even after the row is
	// removed by a terminal method.
	Handle *JobHandle

	// Funcname is the resolved function name this job was inserted
	// under.
	Funcname string

	id           int64
	funcID       int64
	uniqKey      *string
	insertTime   int64
	runAfter     int64
	grabbedUntil int64 // the lease snapshot this Job was granted with
	priority     int
	coalesce     *string

	rawArg []byte
	codec  codec.Codec

	shard      *shard
	descriptor WorkerDescriptor
	logger     Logger

	// faultInjection carries the Client's test-only fault switches
	// (Config.FaultInjection) through to the terminal methods that
	// need to consult them, ReplaceWith in particular.
	faultInjection FaultInjection

	// didSomething is the single-shot guard from spec.md §4.3. It is
	// never synchronized: a leased Job is never shared across workers
	// (the lease itself guarantees exclusivity), so no two goroutines
	// ever race on one Job's terminal methods.
	didSomething bool
}

// Decode unmarshals the job's argument blob into v, using the Codec
// the job was produced with. Calling it more than once simply decodes
// again; the raw bytes are retained for the lifetime of the Job.
func (j *Job) Decode(v interface{}) error {
	if err := j.codec.Decode(j.rawArg, v); err != nil {
		return wrapf(ErrSerializationFailed, "job.Decode", err)
	}
	return nil
}

// Priority returns the job's priority as it was inserted.
func (j *Job) Priority() int { return j.priority }

// Coalesce returns the job's affinity tag, or nil if it has none.
func (j *Job) Coalesce() *string { return j.coalesce }

// RunAfter returns the earliest time this job was eligible to run.
func (j *Job) RunAfter() time.Time { return time.Unix(j.runAfter, 0) }

// InsertTime returns when the job was produced.
func (j *Job) InsertTime() time.Time { return time.Unix(j.insertTime, 0) }

func (j *Job) checkAndSetDidSomething(op string) bool {
	if j.didSomething {
		j.logger.Debugf("theschwartz: %s called on job %d after a terminal method already ran; ignoring", op, j.id)
		return false
	}
	j.didSomething = true
	return true
}

// Completed records success: an ExitStatus(status=0) row if the
// descriptor retains one, then removes the Job row. A second call is
// a no-op returning 0 (spec.md §4.3, §8 "no double completion").
func (j *Job) Completed(ctx context.Context) (int, error) {
	if !j.checkAndSetDidSomething("Completed") {
		return 0, nil
	}
	if j.descriptor != nil && j.descriptor.KeepExitStatusFor() > 0 {
		if err := j.shard.insertExitStatus(ctx, j.id, j.funcID, 0, j.descriptor.KeepExitStatusFor()); err != nil {
			return 0, err
		}
	}
	if err := j.shard.removeJob(ctx, j.id); err != nil {
		return 0, err
	}
	return 1, nil
}

// PermanentFailure writes an Error row, records an ExitStatus with
// exitStatus (default 1) if retained, and removes the Job row. It
// never retries, regardless of the descriptor's MaxRetries.
func (j *Job) PermanentFailure(ctx context.Context, msg string, exitStatus ...int) (int, error) {
	status := 1
	if len(exitStatus) > 0 {
		status = exitStatus[0]
	}
	if !j.checkAndSetDidSomething("PermanentFailure") {
		return 0, nil
	}
	if err := j.shard.insertError(ctx, j.id, j.funcID, msg); err != nil {
		return 0, err
	}
	if j.descriptor != nil && j.descriptor.KeepExitStatusFor() > 0 {
		if err := j.shard.insertExitStatus(ctx, j.id, j.funcID, status, j.descriptor.KeepExitStatusFor()); err != nil {
			return 0, err
		}
	}
	if err := j.shard.removeJob(ctx, j.id); err != nil {
		return 0, err
	}
	return 1, nil
}

// Failed records a transient failure (spec.md §4.3): writes an Error
// row, then either re-queues the job with backoff (if the descriptor's
// MaxRetries hasn't been exhausted) or treats it as a permanent
// failure, retaining an ExitStatus if configured.
//
// Failure counting follows spec.md's documented race: the count is the
// number of existing Error rows plus the one about to be written. This
// is exact under synchronized clocks, since the lease protocol
// guarantees only one worker ever holds a live lease on a given job;
// see DESIGN.md for the clock-skew assumption this relies on.
func (j *Job) Failed(ctx context.Context, msg string, exitStatus ...int) (int, error) {
	status := 1
	if len(exitStatus) > 0 {
		status = exitStatus[0]
	}
	if !j.checkAndSetDidSomething("Failed") {
		return 0, nil
	}

	existing, err := j.shard.countFailures(ctx, j.id)
	if err != nil {
		return 0, err
	}
	failures := existing + 1

	maxRetries := 0
	if j.descriptor != nil {
		maxRetries = j.descriptor.MaxRetries(j)
	}
	retry := maxRetries >= failures

	if err := j.shard.insertError(ctx, j.id, j.funcID, msg); err != nil {
		return 0, err
	}

	if retry {
		delay := 0
		if j.descriptor != nil {
			delay = j.descriptor.RetryDelay(failures)
		}
		runAfter := time.Now().Unix() + int64(delay)
		if err := j.shard.retryJob(ctx, j.id, runAfter); err != nil {
			return 0, err
		}
		return 1, nil
	}

	if j.descriptor != nil && j.descriptor.KeepExitStatusFor() > 0 {
		if err := j.shard.insertExitStatus(ctx, j.id, j.funcID, status, j.descriptor.KeepExitStatusFor()); err != nil {
			return 0, err
		}
	}
	if err := j.shard.removeJob(ctx, j.id); err != nil {
		return 0, err
	}
	return 1, nil
}

// ReplaceWith atomically substitutes this job with newJobs, all on the
// same shard, within a single transaction: begin; insert each new job;
// run completed(job)'s effect on this row (an ExitStatus(status=0) row
// if the descriptor retains one, then removal); commit (spec.md line
// 93). If any step fails, the transaction rolls back and the original
// job is untouched — and, since rollback means no terminal method
// actually took effect, later terminal calls on this Job are still
// guarded by didSomething, matching the other three methods'
// single-shot contract (spec.md §4.3).
func (j *Job) ReplaceWith(ctx context.Context, newJobs ...NewJob) error {
	if !j.checkAndSetDidSomething("ReplaceWith") {
		return nil
	}

	// funcID interning and arg encoding happen before the transaction
	// opens: funcID may itself issue a SELECT/INSERT against the shard,
	// and running that over the same driver while a transaction already
	// holds its connection can block indefinitely on a single-connection
	// pool. Interning isn't part of the atomic swap's contract anyway —
	// it's a shared, idempotent dictionary — so resolving it up front
	// costs nothing and avoids the nested-connection hazard entirely.
	type preparedJob struct {
		funcID   int64
		arg      []byte
		runAfter int64
		opts     insertOpts
	}
	prepared := make([]preparedJob, len(newJobs))
	for i, nj := range newJobs {
		funcID, err := j.shard.funcID(ctx, nj.Funcname)
		if err != nil {
			return err
		}
		arg, err := j.codec.Encode(nj.Arg)
		if err != nil {
			return wrapf(ErrSerializationFailed, "Job.ReplaceWith", err)
		}
		runAfter := nj.Options.RunAfter.Unix()
		if nj.Options.RunAfter.IsZero() {
			runAfter = time.Now().Unix()
		}
		prepared[i] = preparedJob{
			funcID:   funcID,
			arg:      arg,
			runAfter: runAfter,
			opts: insertOpts{
				UniqKey:  nj.Options.UniqKey,
				RunAfter: runAfter,
				Priority: nj.Options.Priority,
				Coalesce: nj.Options.Coalesce,
			},
		}
	}

	return j.shard.driver.WithTx(ctx, func(tx drivers.Tx) error {
		for _, p := range prepared {
			if _, err := j.shard.insertJobTx(ctx, tx, p.funcID, p.arg, p.opts); err != nil {
				if isConstraintViolation(err) {
					return wrapf(ErrConstraintViolated, "Job.ReplaceWith", err)
				}
				return err
			}
		}

		if j.faultInjection.ReplaceWithRollbackAfterInsert {
			return ErrFaultInjected
		}

		// completed(job)'s half of the swap (spec.md line 93): record
		// an ExitStatus the same way Completed does, then remove the
		// original row, all inside this same transaction.
		if j.descriptor != nil && j.descriptor.KeepExitStatusFor() > 0 {
			if err := j.shard.insertExitStatusTx(ctx, tx, j.id, j.funcID, 0, j.descriptor.KeepExitStatusFor()); err != nil {
				return err
			}
		}
		return j.shard.removeJobTx(ctx, tx, j.id)
	})
}

// RefreshLease extends a still-held lease by newSeconds from now,
// for long-running workers (spec.md §5). It reports false if the
// lease had already expired and been reclaimed by another worker.
func (j *Job) RefreshLease(ctx context.Context, newSeconds int) (bool, error) {
	newUntil := time.Now().Unix() + int64(newSeconds)
	ok, err := j.shard.refreshLease(ctx, j.id, j.grabbedUntil, newUntil)
	if err != nil {
		return false, err
	}
	if ok {
		j.grabbedUntil = newUntil
	}
	return ok, nil
}
