package theschwartz

import (
	"context"
	"fmt"
	"sync"
)

// WorkerDescriptor is the behavior contract for one function name
// (spec.md §4.2), generalized from the teacher's single-method
// Worker[T] interface (workers/workers.go: JobName()+Process(ctx,job))
// into the spec's five-method descriptor: retry policy, lease
// duration, exit-status retention, and the work function itself.
type WorkerDescriptor interface {
	// Name is the descriptor's own identity, used by the single-arg
	// form of AbilityRegistry.Can and as the default entry of Handles.
	Name() string

	// Handles is the set of funcnames this descriptor handles. A
	// descriptor registered via Register binds to every name it
	// returns here.
	Handles() []string

	// MaxRetries is the number of additional attempts allowed after a
	// transient failure, evaluated per-job so retry budget can depend
	// on job content.
	MaxRetries(job *Job) int

	// RetryDelay is the number of seconds to wait before the attempt
	// numbered failures+1, given failures prior failures.
	RetryDelay(failures int) int

	// GrabFor is the lease duration in seconds granted when a job is
	// grabbed; must be > 0.
	GrabFor() int

	// KeepExitStatusFor is the number of seconds to retain this
	// descriptor's ExitStatus rows; 0 disables retention.
	KeepExitStatusFor() int

	// Work is invoked with a leased Job. It must call exactly one of
	// Job.Completed, Job.Failed, Job.PermanentFailure, Job.ReplaceWith,
	// or return without doing so — workSafely treats a normal return
	// with no terminal call as success (spec.md §4.6).
	Work(ctx context.Context, job *Job) error
}

// BaseDescriptor is a ready-to-embed WorkerDescriptor with the spec's
// documented defaults (max_retries 0, retry_delay 0,
// keep_exit_status_for 0); callers typically embed it and only
// override what they need, or construct one directly with WorkFunc set.
type BaseDescriptor struct {
	// DescriptorName is required; it's returned by Name() and is the
	// default (sole) entry of Handles() when HandlesFunc is nil.
	DescriptorName string

	HandlesFunc           func() []string
	MaxRetriesFunc        func(job *Job) int
	RetryDelayFunc        func(failures int) int
	GrabForSeconds        int
	KeepExitStatusSeconds int
	WorkFunc              func(ctx context.Context, job *Job) error
}

func (d *BaseDescriptor) Name() string { return d.DescriptorName }

func (d *BaseDescriptor) Handles() []string {
	if d.HandlesFunc != nil {
		return d.HandlesFunc()
	}
	return []string{d.DescriptorName}
}

func (d *BaseDescriptor) MaxRetries(job *Job) int {
	if d.MaxRetriesFunc != nil {
		return d.MaxRetriesFunc(job)
	}
	return 0
}

func (d *BaseDescriptor) RetryDelay(failures int) int {
	if d.RetryDelayFunc != nil {
		return d.RetryDelayFunc(failures)
	}
	return 0
}

func (d *BaseDescriptor) GrabFor() int { return d.GrabForSeconds }

func (d *BaseDescriptor) KeepExitStatusFor() int { return d.KeepExitStatusSeconds }

func (d *BaseDescriptor) Work(ctx context.Context, job *Job) error {
	return d.WorkFunc(ctx, job)
}

// AbilityRegistry maps funcname to the WorkerDescriptor that handles
// it (spec.md §4.2). It's read-mostly after startup but guarded for
// the rare runtime mutation, since it's read concurrently by every
// worker goroutine calling Client.grab.
type AbilityRegistry struct {
	mu         sync.RWMutex
	byName     map[string]WorkerDescriptor
	byFuncname map[string]WorkerDescriptor
}

// NewAbilityRegistry creates an empty registry.
func NewAbilityRegistry() *AbilityRegistry {
	return &AbilityRegistry{
		byName:     make(map[string]WorkerDescriptor),
		byFuncname: make(map[string]WorkerDescriptor),
	}
}

// Register binds descriptor to every funcname in its Handles() set
// (its own Name() when that set is empty) and records it under Name()
// for the single-argument Can. This is the bulk registration path; the
// spec.md §6 two-argument `can(funcname, descriptor)` form binds a
// descriptor to one specific funcname instead (see registerFuncname).
func (r *AbilityRegistry) Register(descriptor WorkerDescriptor) error {
	if descriptor.GrabFor() <= 0 {
		return fmt.Errorf("theschwartz: worker descriptor %q must declare GrabFor() > 0", descriptor.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[descriptor.Name()] = descriptor
	handles := descriptor.Handles()
	if len(handles) == 0 {
		handles = []string{descriptor.Name()}
	}
	for _, fn := range handles {
		r.byFuncname[fn] = descriptor
	}
	return nil
}

// registerFuncname implements the two-argument form of spec.md §6's
// `can(funcname, descriptor?)`: binds descriptor to exactly funcname,
// independent of descriptor.Handles().
func (r *AbilityRegistry) registerFuncname(funcname string, descriptor WorkerDescriptor) error {
	if descriptor.GrabFor() <= 0 {
		return fmt.Errorf("theschwartz: worker descriptor %q must declare GrabFor() > 0", descriptor.Name())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[descriptor.Name()] = descriptor
	r.byFuncname[funcname] = descriptor
	return nil
}

// Can implements the single-argument form of spec.md §4.2's `can(name)`:
// activate an already-registered descriptor (looked up by its own
// declared Name()) to additionally handle the funcname "name".
func (r *AbilityRegistry) Can(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("theschwartz: no worker descriptor named %q is registered", name)
	}
	r.byFuncname[name] = d
	return nil
}

// ResetAbilities clears every registered binding.
func (r *AbilityRegistry) ResetAbilities() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName = make(map[string]WorkerDescriptor)
	r.byFuncname = make(map[string]WorkerDescriptor)
}

func (r *AbilityRegistry) descriptorFor(funcname string) (WorkerDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byFuncname[funcname]
	return d, ok
}

func (r *AbilityRegistry) allowedFuncnames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byFuncname))
	for fn := range r.byFuncname {
		out = append(out, fn)
	}
	return out
}
