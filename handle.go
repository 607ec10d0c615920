package theschwartz

import (
	"context"
	"fmt"
)

// shardResolver lets a JobHandle look up its owning shard on demand.
// This is how the Job <-> JobHandle <-> Client <-> Driver reference
// cycle is broken (spec.md §9, Design Notes): a handle only ever
// stores (shard id, jobid) and resolves the rest lazily, which also
// keeps handles cheap to pass around or serialize.
type shardResolver interface {
	shardByID(id string) (*shard, bool)
}

// JobHandle is a persistent reference to a job: a shard identity plus
// a primary key, valid across processes as long as the resolver it
// came from (normally a *Client) still knows about that shard.
type JobHandle struct {
	ShardID string
	JobID   int64

	resolver shardResolver
}

func newJobHandle(shardID string, jobID int64, resolver shardResolver) *JobHandle {
	return &JobHandle{ShardID: shardID, JobID: jobID, resolver: resolver}
}

func (h *JobHandle) shard() (*shard, error) {
	sh, ok := h.resolver.shardByID(h.ShardID)
	if !ok {
		return nil, fmt.Errorf("theschwartz: unknown shard %q for job handle", h.ShardID)
	}
	return sh, nil
}

// Failures returns the number of Error rows recorded for this job so far.
func (h *JobHandle) Failures(ctx context.Context) (int, error) {
	sh, err := h.shard()
	if err != nil {
		return 0, err
	}
	return sh.countFailures(ctx, h.JobID)
}

// FailureLog returns every Error row recorded for this job, oldest first.
func (h *JobHandle) FailureLog(ctx context.Context) ([]ErrorRecord, error) {
	sh, err := h.shard()
	if err != nil {
		return nil, err
	}
	return sh.failureLog(ctx, h.JobID)
}

// ExitStatus returns the most recent ExitStatus row for this job, if
// the owning WorkerDescriptor retained one (KeepExitStatusFor() > 0).
func (h *JobHandle) ExitStatus(ctx context.Context) (*ExitStatusRecord, error) {
	sh, err := h.shard()
	if err != nil {
		return nil, err
	}
	return sh.exitStatus(ctx, h.JobID)
}
