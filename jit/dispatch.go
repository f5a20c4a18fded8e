package jit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Mode selects how a dispatcher submits compile requests.
type Mode int

const (
	// FireAndForget submits and carries on; the promotion shows up in the
	// cache on a later call.
	FireAndForget Mode = iota

	// Synchronous blocks the submitting call until its compile (or the one
	// that beat it) finishes, then runs the fresh artifact.
	Synchronous
)

func (m Mode) String() string {
	switch m {
	case FireAndForget:
		return "async"
	case Synchronous:
		return "sync"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses the names returned by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "async", "fire-and-forget", "":
		return FireAndForget, nil
	case "sync", "synchronous":
		return Synchronous, nil
	}
	return 0, &ConfigurationError{Field: "mode", Value: s, Reason: `want "async" or "sync"`}
}

// Policy configures a Dispatcher.
type Policy struct {
	T1 uint64 // invocations before an L1 compile is requested
	T2 uint64 // invocations before an L2 compile is requested

	Mode Mode

	// EscapeAfter bounds how many times a method past T1 is interpreted
	// without a cache entry before the dispatcher blocks for its L1 compile.
	// Zero disables the escape valve.
	EscapeAfter uint64

	// Staleness is how long a dispatcher may reuse its local copy of a cache
	// entry. Zero reads the shared cache on every call.
	Staleness time.Duration

	// FlushEvery merges local hotness into Profiler every FlushEvery
	// invocations. Zero leaves merging to explicit Flush calls.
	FlushEvery uint64
	Profiler   *Profiler
}

// Validate rejects policies a dispatcher cannot run with.
func (p Policy) Validate() error {
	if p.T1 >= p.T2 {
		return &ConfigurationError{Field: "thresholds", Value: fmt.Sprintf("%d/%d", p.T1, p.T2), Reason: "L1 threshold must be below L2 threshold"}
	}
	if p.Mode != FireAndForget && p.Mode != Synchronous {
		return &ConfigurationError{Field: "mode", Value: p.Mode, Reason: "unknown submission mode"}
	}
	if p.Staleness < 0 {
		return &ConfigurationError{Field: "staleness", Value: p.Staleness, Reason: "must not be negative"}
	}
	return nil
}

// DispatchStats holds the counters of one dispatcher.
type DispatchStats struct {
	Invocations     uint64
	Interpreted     uint64
	ExecutedL1      uint64
	ExecutedL2      uint64
	Submitted       uint64 // requests the scheduler accepted
	Rejected        uint64 // requests dropped as duplicates, on a full queue or after close
	Waits           uint64 // calls that blocked on a compile
	Escapes         uint64 // escape valve activations
	ExecutionFaults uint64
}

// Add accumulates o into s.
func (s *DispatchStats) Add(o DispatchStats) {
	s.Invocations += o.Invocations
	s.Interpreted += o.Interpreted
	s.ExecutedL1 += o.ExecutedL1
	s.ExecutedL2 += o.ExecutedL2
	s.Submitted += o.Submitted
	s.Rejected += o.Rejected
	s.Waits += o.Waits
	s.Escapes += o.Escapes
	s.ExecutionFaults += o.ExecutionFaults
}

// localEntry is a dispatcher's private copy of a cache read.
type localEntry struct {
	entry Entry
	ok    bool
	at    time.Time
}

// Dispatcher makes the per-invocation decision for one execution context.
// It is not safe for concurrent use.
type Dispatcher struct {
	sched  *Scheduler
	cache  *ArtifactCache
	exec   Executor
	policy Policy

	hot        *Hotness
	overdue    map[MethodID]uint64 // interpretations past T1 with no cache entry
	local      map[MethodID]localEntry
	sinceFlush uint64

	stats DispatchStats
}

// NewDispatcher creates a dispatcher for one execution context.
func NewDispatcher(sched *Scheduler, exec Executor, policy Policy) (*Dispatcher, error) {
	if sched == nil {
		return nil, &ConfigurationError{Field: "scheduler", Value: nil, Reason: "a scheduler is required"}
	}
	if exec == nil {
		return nil, &ConfigurationError{Field: "executor", Value: nil, Reason: "an execution backend is required"}
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Dispatcher{
		sched:   sched,
		cache:   sched.Cache(),
		exec:    exec,
		policy:  policy,
		hot:     NewHotness(),
		overdue: make(map[MethodID]uint64),
		local:   make(map[MethodID]localEntry),
	}, nil
}

// Invoke runs one call of id: count it, look it up, request a compile if a
// threshold is crossed, then interpret or execute.
func (d *Dispatcher) Invoke(ctx context.Context, id MethodID) (Result, error) {
	d.stats.Invocations++
	hotness := d.hot.Next(id)
	d.tick()

	entry, cached := d.lookup(id)

	// Level-triggered: every call past a threshold asks again and the
	// in-flight registry collapses the repeats.
	var waited bool
	switch {
	case !cached && hotness >= d.policy.T1:
		entry, cached, waited = d.request(ctx, L1, id, entry, cached)
	case cached && entry.Level == L1 && hotness >= d.policy.T2:
		entry, cached, waited = d.request(ctx, L2, id, entry, cached)
	}

	// A call that already blocked on a compile does not escape into a
	// second one: a failed compile is retried by later calls only.
	if !cached && !waited && hotness >= d.policy.T1 && d.policy.EscapeAfter > 0 &&
		d.overdue[id] >= d.policy.EscapeAfter {
		entry, cached = d.escape(ctx, id)
	}

	if !cached {
		if hotness >= d.policy.T1 {
			d.overdue[id]++
		}
		d.stats.Interpreted++
		res, err := d.exec.Interpret(ctx, id)
		if err != nil {
			d.stats.ExecutionFaults++
			return nil, &ExecutionFault{Method: id, Level: Interpreted, Err: err}
		}
		return res, nil
	}

	switch entry.Level {
	case L1:
		d.stats.ExecutedL1++
	case L2:
		d.stats.ExecutedL2++
	}
	res, err := d.exec.Execute(ctx, entry.Artifact)
	if err != nil {
		d.stats.ExecutionFaults++
		return nil, &ExecutionFault{Method: id, Level: entry.Level, Err: err}
	}
	return res, nil
}

// lookup reads the cache, through the local copy when it is fresh enough.
func (d *Dispatcher) lookup(id MethodID) (Entry, bool) {
	if d.policy.Staleness <= 0 {
		return d.cache.Get(id)
	}

	now := time.Now()
	if l, ok := d.local[id]; ok && now.Sub(l.at) < d.policy.Staleness {
		return l.entry, l.ok
	}
	e, ok := d.cache.Get(id)
	d.local[id] = localEntry{entry: e, ok: ok, at: now}
	return e, ok
}

// request submits a compile of id at level and returns the entry the call
// should run with, and whether the call blocked on the compile.
func (d *Dispatcher) request(ctx context.Context, level Level, id MethodID, entry Entry, cached bool) (Entry, bool, bool) {
	// Any submission ends the local copy's lifetime; the next lookup goes
	// to the shared cache.
	delete(d.local, id)

	if d.policy.Mode == FireAndForget {
		if d.sched.Submit(level, id) {
			d.stats.Submitted++
		} else {
			d.stats.Rejected++
		}
		return entry, cached, false
	}

	if e, ok := d.await(ctx, level, id); ok {
		return e, true, true
	}
	return entry, cached, true
}

// await submits an awaitable compile of id at level and blocks until it, or
// the compile it lost to, has finished. It returns whatever the cache holds
// afterwards.
func (d *Dispatcher) await(ctx context.Context, level Level, id MethodID) (Entry, bool) {
	d.stats.Waits++

	h := d.sched.SubmitAwait(level, id)
	_, err := h.Wait(ctx)
	switch {
	case err == nil:
		d.stats.Submitted++
	case errors.Is(err, ErrDuplicate):
		d.stats.Rejected++
		if _, _, werr := d.sched.AwaitInFlight(ctx, id, level); werr != nil {
			log.Debug("gave up waiting for in-flight compile", "method", id, "level", level, "error", werr.Error())
		}
	case errors.Is(err, ErrCompilation):
		// Already logged and reported by the worker; run what the cache has.
		d.stats.Submitted++
	default:
		d.stats.Rejected++
		log.Debug("compile wait ended without artifact", "method", id, "level", level, "error", err.Error())
	}

	return d.cache.Get(id)
}

// escape blocks until id has an L1 entry, bounding how long a hot method can
// stay interpreted when its requests keep losing races or queueing.
func (d *Dispatcher) escape(ctx context.Context, id MethodID) (Entry, bool) {
	d.stats.Escapes++
	delete(d.local, id)
	log.Info("escape valve: waiting for compile", "method", id, "interpreted", d.overdue[id])

	e, ok := d.await(ctx, L1, id)
	if !ok {
		// The compile failed or never ran; start counting again rather
		// than blocking on every call.
		d.overdue[id] = 0
		return e, false
	}
	delete(d.overdue, id)
	return e, true
}

// tick counts an invocation towards the next hotness flush.
func (d *Dispatcher) tick() {
	if d.policy.FlushEvery == 0 || d.policy.Profiler == nil {
		return
	}
	d.sinceFlush++
	if d.sinceFlush >= d.policy.FlushEvery {
		d.hot.Flush(d.policy.Profiler)
		d.sinceFlush = 0
	}
}

// Flush merges local hotness into the shared profiler now.
func (d *Dispatcher) Flush() {
	d.hot.Flush(d.policy.Profiler)
	d.sinceFlush = 0
}

// Hotness returns this context's invocation count of id.
func (d *Dispatcher) Hotness(id MethodID) uint64 {
	return d.hot.Count(id)
}

// Stats returns this dispatcher's counters.
func (d *Dispatcher) Stats() DispatchStats {
	return d.stats
}
