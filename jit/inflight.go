package jit

import "sync"

type inflightKey struct {
	id    MethodID
	level Level
}

// InFlightRegistry tracks the (method, level) pairs being compiled right now.
// The first TryAcquire for a key wins; everyone else drops their request
// until the winner calls Release.
type InFlightRegistry struct {
	mu      sync.Mutex
	markers map[inflightKey]chan struct{} // closed on release
}

// NewInFlightRegistry creates an empty registry.
func NewInFlightRegistry() *InFlightRegistry {
	return &InFlightRegistry{
		markers: make(map[inflightKey]chan struct{}),
	}
}

// TryAcquire inserts the marker for (id, level) if absent. A true result
// makes the caller the owner of that compilation, and it must call Release
// exactly once.
func (r *InFlightRegistry) TryAcquire(id MethodID, level Level) bool {
	key := inflightKey{id, level}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.markers[key]; busy {
		return false
	}
	r.markers[key] = make(chan struct{})
	return true
}

// Release removes the marker for (id, level) and wakes anyone blocked in
// Done. Releasing a key that is not held is logged and ignored.
func (r *InFlightRegistry) Release(id MethodID, level Level) {
	key := inflightKey{id, level}

	r.mu.Lock()
	done, ok := r.markers[key]
	delete(r.markers, key)
	r.mu.Unlock()

	if !ok {
		log.Warning("release of idle in-flight marker", "method", id, "level", level)
		return
	}
	close(done)
}

// Done returns a channel closed when the current compile of (id, level)
// finishes, or nil when nothing is in flight for that key.
func (r *InFlightRegistry) Done(id MethodID, level Level) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	if done, ok := r.markers[inflightKey{id, level}]; ok {
		return done
	}
	return nil
}

// Contains reports whether (id, level) is being compiled.
func (r *InFlightRegistry) Contains(id MethodID, level Level) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.markers[inflightKey{id, level}]
	return ok
}

// Len returns the number of compiles in flight.
func (r *InFlightRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.markers)
}
