package theschwartz

import "sync"

// affinityState is the grab-time coalescing hint described in spec.md
// §4.5: once a worker grabs a job with a non-null (funcid, coalesce)
// pair, the next batch on that same shard is reordered to prefer more
// of the same pair. It is optimization-only — clearing it can never
// cause incorrect behavior, only lose the locality hint — so a single
// Client-wide slot (rather than per-shard state) is enough.
type affinityState struct {
	mu       sync.Mutex
	shardID  string
	funcID   int64
	coalesce string
	valid    bool
}

func newAffinityState() *affinityState { return &affinityState{} }

// match reports the (funcID, coalesce) pair to bias toward when
// querying shardID, if the affinity slot currently points there.
func (a *affinityState) match(shardID string) (funcID int64, coalesce string, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.valid || a.shardID != shardID {
		return 0, "", false
	}
	return a.funcID, a.coalesce, true
}

// set records a fresh affinity hint after a successful grab.
func (a *affinityState) set(shardID string, funcID int64, coalesce string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shardID, a.funcID, a.coalesce, a.valid = shardID, funcID, coalesce, true
}

// clear drops the hint, either because the grabbed job had no
// coalesce key or because a full shard cycle produced no hit
// (starvation prevention, spec.md §4.5).
func (a *affinityState) clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.valid = false
}
