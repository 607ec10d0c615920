package theschwartz_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	theschwartz "github.com/yshh/theschwartz"
	"github.com/yshh/theschwartz/drivers"
)

// newTestClient returns a Client backed by a fresh in-memory sqlite
// shard, schema already created. A single open connection keeps the
// in-memory database's shared cache consistent across every query the
// test issues (modernc.org/sqlite has no concurrent-writer story worth
// relying on in tests).
func newTestClient(t *testing.T) (*theschwartz.Client, context.Context) {
	t.Helper()
	ctx := context.Background()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	driver, err := drivers.NewSQLiteDriver(db)
	require.NoError(t, err)

	client, err := theschwartz.NewClient(theschwartz.Config{
		Shards: []theschwartz.ShardConfig{{ID: "main", Driver: driver}},
	})
	require.NoError(t, err)
	require.NoError(t, client.Start(ctx))

	return client, ctx
}

// newSQLiteShardDriver opens a fresh named in-memory sqlite database
// and wraps it as a drivers.Driver, for tests that need more than one
// independent shard or more than one Client sharing one shard's data.
func newSQLiteShardDriver(t *testing.T, name string) drivers.Driver {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	driver, err := drivers.NewSQLiteDriver(db)
	require.NoError(t, err)
	return driver
}

type countingDescriptor struct {
	theschwartz.BaseDescriptor
	invocations int
	work        func(ctx context.Context, job *theschwartz.Job) error
}

func newCountingDescriptor(name string, grabFor int) *countingDescriptor {
	d := &countingDescriptor{}
	d.DescriptorName = name
	d.GrabForSeconds = grabFor
	d.WorkFunc = func(ctx context.Context, job *theschwartz.Job) error {
		d.invocations++
		return d.work(ctx, job)
	}
	return d
}

func TestInsertAndWorkOnceCompletesJob(t *testing.T) {
	client, ctx := newTestClient(t)

	d := newCountingDescriptor("greet", 30)
	d.work = func(ctx context.Context, job *theschwartz.Job) error {
		var arg string
		require.NoError(t, job.Decode(&arg))
		assert.Equal(t, "world", arg)
		_, err := job.Completed(ctx)
		return err
	}
	require.NoError(t, client.Register(d))

	_, err := client.Insert(ctx, "greet", "world")
	require.NoError(t, err)

	did, err := client.WorkOnce(ctx)
	require.NoError(t, err)
	assert.True(t, did)
	assert.Equal(t, 1, d.invocations)

	did, err = client.WorkOnce(ctx)
	require.NoError(t, err)
	assert.False(t, did, "queue should be empty after the one job was completed")
}

func TestWorkSafelyCompletesWhenWorkReturnsWithoutATerminalCall(t *testing.T) {
	client, ctx := newTestClient(t)

	d := newCountingDescriptor("implicit_complete", 30)
	d.work = func(ctx context.Context, job *theschwartz.Job) error {
		// Deliberately does not call Completed/Failed/PermanentFailure.
		return nil
	}
	require.NoError(t, client.Register(d))

	handle, err := client.Insert(ctx, "implicit_complete", nil)
	require.NoError(t, err)

	did, err := client.WorkOnce(ctx)
	require.NoError(t, err)
	assert.True(t, did)

	_, err = handle.Failures(ctx)
	require.NoError(t, err) // error table read still works even though the job row is gone
}

func TestDoubleCompletedIsANoOp(t *testing.T) {
	client, ctx := newTestClient(t)

	d := newCountingDescriptor("double_complete", 30)
	d.work = func(ctx context.Context, job *theschwartz.Job) error {
		n1, err := job.Completed(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n1)

		n2, err := job.Completed(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n2, "a second terminal call must be a no-op")
		return nil
	}
	require.NoError(t, client.Register(d))

	_, err := client.Insert(ctx, "double_complete", nil)
	require.NoError(t, err)

	did, err := client.WorkOnce(ctx)
	require.NoError(t, err)
	assert.True(t, did)
}

func TestInsertWithUniqKeyIsIdempotent(t *testing.T) {
	client, ctx := newTestClient(t)

	d := newCountingDescriptor("dedupe", 30)
	d.work = func(ctx context.Context, job *theschwartz.Job) error {
		_, err := job.Completed(ctx)
		return err
	}
	require.NoError(t, client.Register(d))

	key := "customer-42-welcome-email"
	h1, err := client.Insert(ctx, "dedupe", nil, theschwartz.InsertOptions{UniqKey: &key})
	require.NoError(t, err)
	h2, err := client.Insert(ctx, "dedupe", nil, theschwartz.InsertOptions{UniqKey: &key})
	require.NoError(t, err)

	assert.Equal(t, h1.JobID, h2.JobID)

	did, err := client.WorkOnce(ctx)
	require.NoError(t, err)
	assert.True(t, did)
	did, err = client.WorkOnce(ctx)
	require.NoError(t, err)
	assert.False(t, did, "the duplicate insert must not have produced a second row")
}

func TestFailedRetriesThenGivesUpAfterMaxRetries(t *testing.T) {
	client, ctx := newTestClient(t)

	d := newCountingDescriptor("flaky", 30)
	d.MaxRetriesFunc = func(job *theschwartz.Job) int { return 2 }
	d.RetryDelayFunc = func(failures int) int { return 0 }
	d.KeepExitStatusSeconds = 3600
	d.work = func(ctx context.Context, job *theschwartz.Job) error {
		_, err := job.Failed(ctx, "simulated transient failure")
		return err
	}
	require.NoError(t, client.Register(d))

	handle, err := client.Insert(ctx, "flaky", nil)
	require.NoError(t, err)

	require.NoError(t, client.WorkUntilDone(ctx))
	assert.Equal(t, 3, d.invocations, "2 retries plus the final permanent failure")

	failures, err := handle.FailureLog(ctx)
	require.NoError(t, err)
	assert.Len(t, failures, 3)

	status, err := handle.ExitStatus(ctx)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, 1, status.Status)
}

func TestReplaceWithSwapsJobAtomically(t *testing.T) {
	client, ctx := newTestClient(t)

	stepTwoRan := false

	stepTwo := newCountingDescriptor("step_two", 30)
	stepTwo.work = func(ctx context.Context, job *theschwartz.Job) error {
		stepTwoRan = true
		_, err := job.Completed(ctx)
		return err
	}
	require.NoError(t, client.Register(stepTwo))

	stepOne := newCountingDescriptor("step_one", 30)
	stepOne.work = func(ctx context.Context, job *theschwartz.Job) error {
		return job.ReplaceWith(ctx, theschwartz.NewJob{Funcname: "step_two", Arg: nil})
	}
	require.NoError(t, client.Register(stepOne))

	_, err := client.Insert(ctx, "step_one", nil)
	require.NoError(t, err)

	did, err := client.WorkOnce(ctx)
	require.NoError(t, err)
	assert.True(t, did)
	assert.False(t, stepTwoRan, "step_two should not run until it's its own grab")

	did, err = client.WorkOnce(ctx)
	require.NoError(t, err)
	assert.True(t, did)
	assert.True(t, stepTwoRan)

	did, err = client.WorkOnce(ctx)
	require.NoError(t, err)
	assert.False(t, did)
}

func TestRefreshLeaseExtendsAnActiveLease(t *testing.T) {
	client, ctx := newTestClient(t)

	d := newCountingDescriptor("long_running", 1) // 1-second initial lease
	d.work = func(ctx context.Context, job *theschwartz.Job) error {
		ok, err := job.RefreshLease(ctx, 60)
		require.NoError(t, err)
		assert.True(t, ok, "lease should still be held when refreshed immediately")
		_, err = job.Completed(ctx)
		return err
	}
	require.NoError(t, client.Register(d))

	_, err := client.Insert(ctx, "long_running", nil)
	require.NoError(t, err)

	did, err := client.WorkOnce(ctx)
	require.NoError(t, err)
	assert.True(t, did)
}

func TestRunAfterDelaysEligibility(t *testing.T) {
	client, ctx := newTestClient(t)

	d := newCountingDescriptor("scheduled", 30)
	d.work = func(ctx context.Context, job *theschwartz.Job) error {
		_, err := job.Completed(ctx)
		return err
	}
	require.NoError(t, client.Register(d))

	_, err := client.Insert(ctx, "scheduled", nil, theschwartz.InsertOptions{
		RunAfter: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	did, err := client.WorkOnce(ctx)
	require.NoError(t, err)
	assert.False(t, did, "a job scheduled an hour out must not be eligible yet")
}

func TestInsertJobsInsertsAllInOneTransaction(t *testing.T) {
	client, ctx := newTestClient(t)

	d := newCountingDescriptor("merge", 30)
	merged := map[string]string{}
	d.work = func(ctx context.Context, job *theschwartz.Job) error {
		var arg map[string]string
		require.NoError(t, job.Decode(&arg))
		for k, v := range arg {
			merged[k] = v
		}
		_, err := job.Completed(ctx)
		return err
	}
	require.NoError(t, client.Register(d))

	handles, err := client.InsertJobs(ctx,
		theschwartz.NewJob{Funcname: "merge", Arg: map[string]string{"foo": "bar"}},
		theschwartz.NewJob{Funcname: "merge", Arg: map[string]string{"bar": "baz"}},
		theschwartz.NewJob{Funcname: "merge", Arg: map[string]string{"baz": "foo"}},
	)
	require.NoError(t, err)
	assert.Len(t, handles, 3)

	require.NoError(t, client.WorkUntilDone(ctx))
	assert.Equal(t, 3, d.invocations)
	assert.Equal(t, map[string]string{"foo": "bar", "bar": "baz", "baz": "foo"}, merged)
}

func TestInsertJobsDedupesUniqKeyWithinBatch(t *testing.T) {
	client, ctx := newTestClient(t)

	d := newCountingDescriptor("dedupe_batch", 30)
	d.work = func(ctx context.Context, job *theschwartz.Job) error {
		_, err := job.Completed(ctx)
		return err
	}
	require.NoError(t, client.Register(d))

	key := "only-one"
	handles, err := client.InsertJobs(ctx,
		theschwartz.NewJob{Funcname: "dedupe_batch", Options: theschwartz.InsertOptions{UniqKey: &key}},
		theschwartz.NewJob{Funcname: "dedupe_batch", Options: theschwartz.InsertOptions{UniqKey: &key}},
	)
	require.NoError(t, err)
	require.Len(t, handles, 2)
	assert.Equal(t, handles[0].JobID, handles[1].JobID, "both entries of the same uniqkey must resolve to one row")

	did, err := client.WorkOnce(ctx)
	require.NoError(t, err)
	assert.True(t, did)
	did, err = client.WorkOnce(ctx)
	require.NoError(t, err)
	assert.False(t, did, "only one row should have actually been created")
}

func TestListJobsFansOutAcrossShards(t *testing.T) {
	ctx := context.Background()

	dsnA := fmt.Sprintf("file:%s_a?mode=memory&cache=shared", t.Name())
	dsnB := fmt.Sprintf("file:%s_b?mode=memory&cache=shared", t.Name())

	openDriver := func(dsn string) drivers.Driver {
		db, err := sql.Open("sqlite", dsn)
		require.NoError(t, err)
		db.SetMaxOpenConns(1)
		t.Cleanup(func() { db.Close() })
		driver, err := drivers.NewSQLiteDriver(db)
		require.NoError(t, err)
		return driver
	}

	// Insert directly into each shard via a single-shard client, so
	// placement is deterministic rather than left to the weighted
	// shuffle Insert otherwise uses to pick among several shards.
	clientA, err := theschwartz.NewClient(theschwartz.Config{
		Shards: []theschwartz.ShardConfig{{ID: "a", Driver: openDriver(dsnA)}},
	})
	require.NoError(t, err)
	require.NoError(t, clientA.Start(ctx))
	_, err = clientA.Insert(ctx, "reportable", nil)
	require.NoError(t, err)

	clientB, err := theschwartz.NewClient(theschwartz.Config{
		Shards: []theschwartz.ShardConfig{{ID: "b", Driver: openDriver(dsnB)}},
	})
	require.NoError(t, err)
	require.NoError(t, clientB.Start(ctx))
	_, err = clientB.Insert(ctx, "reportable", nil)
	require.NoError(t, err)

	// The Client under test spans both shards' underlying databases.
	fanout, err := theschwartz.NewClient(theschwartz.Config{
		Shards: []theschwartz.ShardConfig{
			{ID: "a", Driver: openDriver(dsnA)},
			{ID: "b", Driver: openDriver(dsnB)},
		},
	})
	require.NoError(t, err)

	handles, err := fanout.ListJobs(ctx, "reportable", 100)
	require.NoError(t, err)
	require.Len(t, handles, 2)

	gotShards := map[string]bool{}
	for _, h := range handles {
		gotShards[h.ShardID] = true
	}
	assert.Len(t, gotShards, 2, "list_jobs must see jobs on every shard, not just one")
}

func TestReplaceWithRetainsExitStatusWhenConfigured(t *testing.T) {
	client, ctx := newTestClient(t)

	stepTwo := newCountingDescriptor("retain_step_two", 30)
	stepTwo.work = func(ctx context.Context, job *theschwartz.Job) error {
		_, err := job.Completed(ctx)
		return err
	}
	require.NoError(t, client.Register(stepTwo))

	stepOne := newCountingDescriptor("retain_step_one", 30)
	stepOne.KeepExitStatusSeconds = 3600
	stepOne.work = func(ctx context.Context, job *theschwartz.Job) error {
		return job.ReplaceWith(ctx, theschwartz.NewJob{Funcname: "retain_step_two", Arg: nil})
	}
	require.NoError(t, client.Register(stepOne))

	handle, err := client.Insert(ctx, "retain_step_one", nil)
	require.NoError(t, err)

	did, err := client.WorkOnce(ctx)
	require.NoError(t, err)
	assert.True(t, did)

	status, err := handle.ExitStatus(ctx)
	require.NoError(t, err)
	require.NotNil(t, status, "replace_with's completed(job) half must retain an ExitStatus row just like Completed does")
	assert.Equal(t, 0, status.Status)
}

func TestReplaceWithFaultInjectionRollsBackLeavingOriginalIntact(t *testing.T) {
	ctx := context.Background()
	driver := newSQLiteShardDriver(t, t.Name())

	client, err := theschwartz.NewClient(theschwartz.Config{
		Shards: []theschwartz.ShardConfig{{ID: "main", Driver: driver}},
		FaultInjection: theschwartz.FaultInjection{
			ReplaceWithRollbackAfterInsert: true,
		},
	})
	require.NoError(t, err)
	require.NoError(t, client.Start(ctx))

	stepTwoRan := false
	stepTwo := newCountingDescriptor("rollback_step_two", 30)
	stepTwo.work = func(ctx context.Context, job *theschwartz.Job) error {
		stepTwoRan = true
		_, err := job.Completed(ctx)
		return err
	}
	require.NoError(t, client.Register(stepTwo))

	stepOne := newCountingDescriptor("rollback_step_one", 1)
	stepOne.work = func(ctx context.Context, job *theschwartz.Job) error {
		return job.ReplaceWith(ctx, theschwartz.NewJob{Funcname: "rollback_step_two", Arg: nil})
	}
	require.NoError(t, client.Register(stepOne))

	_, err = client.Insert(ctx, "rollback_step_one", nil)
	require.NoError(t, err)

	did, err := client.WorkOnce(ctx)
	require.NoError(t, err)
	assert.True(t, did, "grab+work still happens; the injected fault only fails ReplaceWith's transaction")

	// rollback_step_one's own lease (acquired by grab, before ReplaceWith's
	// transaction even opens) is untouched by the fault-injected rollback;
	// it must expire before the original row is grabbable again.
	time.Sleep(1200 * time.Millisecond)

	// The forced rollback means the original row must still be there,
	// grabbable again, and no replacement row was created.
	did, err = client.WorkOnce(ctx)
	require.NoError(t, err)
	assert.True(t, did, "the original job must still exist and be grabbable after the rollback")
	assert.False(t, stepTwoRan, "the replacement job must never have been created")

	did, err = client.WorkOnce(ctx)
	require.NoError(t, err)
	assert.False(t, did)
}

func TestPermanentFailureWritesErrorAndExitStatusWithoutRetry(t *testing.T) {
	client, ctx := newTestClient(t)

	d := newCountingDescriptor("doomed", 30)
	d.MaxRetriesFunc = func(job *theschwartz.Job) int { return 5 }
	d.KeepExitStatusSeconds = 3600
	d.work = func(ctx context.Context, job *theschwartz.Job) error {
		_, err := job.PermanentFailure(ctx, "unrecoverable input", 2)
		return err
	}
	require.NoError(t, client.Register(d))

	handle, err := client.Insert(ctx, "doomed", nil)
	require.NoError(t, err)

	did, err := client.WorkOnce(ctx)
	require.NoError(t, err)
	assert.True(t, did)
	assert.Equal(t, 1, d.invocations, "permanent_failure never retries, however high max_retries is")

	failures, err := handle.FailureLog(ctx)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Message, "unrecoverable input")

	status, err := handle.ExitStatus(ctx)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, 2, status.Status)

	did, err = client.WorkOnce(ctx)
	require.NoError(t, err)
	assert.False(t, did, "the job row must be gone after a permanent failure")
}

func TestGrabOrdersByPriorityDescending(t *testing.T) {
	client, ctx := newTestClient(t)

	var order []int
	d := newCountingDescriptor("prioritized", 30)
	d.work = func(ctx context.Context, job *theschwartz.Job) error {
		order = append(order, job.Priority())
		_, err := job.Completed(ctx)
		return err
	}
	require.NoError(t, client.Register(d))

	_, err := client.Insert(ctx, "prioritized", nil, theschwartz.InsertOptions{Priority: 1})
	require.NoError(t, err)
	_, err = client.Insert(ctx, "prioritized", nil, theschwartz.InsertOptions{Priority: 5})
	require.NoError(t, err)
	_, err = client.Insert(ctx, "prioritized", nil, theschwartz.InsertOptions{Priority: 3})
	require.NoError(t, err)

	require.NoError(t, client.WorkUntilDone(ctx))
	assert.Equal(t, []int{5, 3, 1}, order, "higher priority rows must be grabbed first")
}

func TestExclusiveLeaseUnderConcurrentGrab(t *testing.T) {
	ctx := context.Background()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())

	newSharedClient := func() *theschwartz.Client {
		db, err := sql.Open("sqlite", dsn)
		require.NoError(t, err)
		db.SetMaxOpenConns(1)
		t.Cleanup(func() { db.Close() })

		driver, err := drivers.NewSQLiteDriver(db)
		require.NoError(t, err)

		c, err := theschwartz.NewClient(theschwartz.Config{
			Shards: []theschwartz.ShardConfig{{ID: "main", Driver: driver}},
		})
		require.NoError(t, err)
		return c
	}

	clientA := newSharedClient()
	require.NoError(t, clientA.Start(ctx))
	clientB := newSharedClient()

	var invocations int32
	register := func(c *theschwartz.Client) {
		d := newCountingDescriptor("race", 30)
		d.work = func(ctx context.Context, job *theschwartz.Job) error {
			atomic.AddInt32(&invocations, 1)
			_, err := job.Completed(ctx)
			return err
		}
		require.NoError(t, c.Register(d))
	}
	register(clientA)
	register(clientB)

	_, err := clientA.Insert(ctx, "race", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]bool, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		did, _ := clientA.WorkOnce(ctx)
		results[0] = did
	}()
	go func() {
		defer wg.Done()
		did, _ := clientB.WorkOnce(ctx)
		results[1] = did
	}()
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&invocations), "exactly one worker must have run the job")
	assert.True(t, results[0] != results[1], "exactly one of the two concurrent WorkOnce calls should have found the job")
}
