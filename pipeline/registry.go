package pipeline

import "sync"

// SourceRegistry tracks the named instrumentation sources of one pipeline.
// Registration is idempotent: the same key registered twice is a no-op, which
// lets overlapping configuration entry points call the same high-level setup
// without re-initializing an already-active source.
//
// Registration normally happens during single-threaded startup, but some
// hosting frameworks run configuration hooks from more than one
// initialization path, so the check-and-insert is mutex guarded.
type SourceRegistry struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	ordered []string
}

// NewSourceRegistry creates an empty registry.
func NewSourceRegistry() *SourceRegistry {
	return &SourceRegistry{seen: make(map[string]struct{})}
}

// Register records an instrumentation key and reports whether this is the
// first registration of that key. A false return means the source is already
// active and the caller should skip initialization.
func (r *SourceRegistry) Register(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen[key]; ok {
		return false
	}
	r.seen[key] = struct{}{}
	r.ordered = append(r.ordered, key)
	return true
}

// Contains reports whether key has been registered.
func (r *SourceRegistry) Contains(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[key]
	return ok
}

// Keys returns the registered keys in registration order.
func (r *SourceRegistry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.ordered))
	copy(out, r.ordered)
	return out
}
