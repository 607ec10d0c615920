package theschwartz

import (
	"errors"
	"fmt"
)

// Error kinds (spec.md §7). Each is a stable sentinel; wrapped errors
// carry the original driver error via %w so errors.Is still finds the
// underlying cause.
var (
	// ErrNoShardAvailable means every configured shard is unhealthy, or
	// raised a non-constraint error during insert and no other shard
	// could be retried.
	ErrNoShardAvailable = errors.New("theschwartz: no shard available")

	// ErrConstraintViolated surfaces a uniqkey collision to callers
	// that bypass the normal insert path (e.g. inside ReplaceWith);
	// Client.Insert itself handles this internally and never returns it.
	ErrConstraintViolated = errors.New("theschwartz: constraint violated")

	// ErrSerializationFailed means the arg blob could not be encoded or
	// decoded by the configured Codec.
	ErrSerializationFailed = errors.New("theschwartz: failed to serialize or deserialize job argument")

	// ErrLeaseLost means a mid-work conditional update observed
	// rows_affected=0: the lease had already expired and been
	// reclaimed, or was refreshed out from under the caller.
	ErrLeaseLost = errors.New("theschwartz: lease lost during conditional update")

	// ErrWorkerRaised wraps a panic value recovered from a
	// WorkerDescriptor.Work call inside workSafely; it never escapes
	// workSafely, which converts it into Job.Failed. An error returned
	// by Work is passed to Job.Failed with its own message, unwrapped.
	ErrWorkerRaised = errors.New("theschwartz: worker raised an error")

	// ErrConnectionLost is a transient I/O failure; shards that raise
	// it are marked unhealthy for an exponential backoff window.
	ErrConnectionLost = errors.New("theschwartz: database connection lost")

	// ErrTimeout is a transient I/O timeout, treated the same as
	// ErrConnectionLost for shard health purposes.
	ErrTimeout = errors.New("theschwartz: operation timed out")

	// ErrFaultInjected is raised by a test-configured FaultInjection
	// hook to force a transaction rollback path; it never fires outside
	// tests that explicitly opt in via Config.FaultInjection.
	ErrFaultInjected = errors.New("theschwartz: fault injected by test configuration")
)

// wrapf wraps err under kind with an operation label, unless err is
// already nil.
func wrapf(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, kind, err)
}
