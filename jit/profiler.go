package jit

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Profiler holds process-wide invocation counts. Dispatchers count locally
// and flush into it now and then, so the totals lag and are approximate.
type Profiler struct {
	methods sync.Map // MethodID -> *methodProfile

	flushes uint64
}

// methodProfile holds the shared count for a single method.
type methodProfile struct {
	invocations uint64 // atomic
}

// NewProfiler creates an empty profiler.
func NewProfiler() *Profiler {
	return &Profiler{}
}

// Add merges delta invocations of id.
func (p *Profiler) Add(id MethodID, delta uint64) {
	if delta == 0 {
		return
	}
	val, loaded := p.methods.Load(id)
	if !loaded {
		val, _ = p.methods.LoadOrStore(id, &methodProfile{})
	}
	atomic.AddUint64(&val.(*methodProfile).invocations, delta)
}

// Count returns the merged invocation count of id.
func (p *Profiler) Count(id MethodID) uint64 {
	if val, ok := p.methods.Load(id); ok {
		return atomic.LoadUint64(&val.(*methodProfile).invocations)
	}
	return 0
}

// MethodCount pairs a method with its merged count.
type MethodCount struct {
	Method MethodID
	Count  uint64
}

// Top returns the n most invoked methods, highest first.
func (p *Profiler) Top(n int) []MethodCount {
	var all []MethodCount
	p.methods.Range(func(key, value any) bool {
		all = append(all, MethodCount{
			Method: key.(MethodID),
			Count:  atomic.LoadUint64(&value.(*methodProfile).invocations),
		})
		return true
	})

	sort.Slice(all, func(i, j int) bool {
		if all[i].Count != all[j].Count {
			return all[i].Count > all[j].Count
		}
		return all[i].Method < all[j].Method
	})
	if n < len(all) {
		all = all[:n]
	}
	return all
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	Methods     int
	Invocations uint64
	Flushes     uint64
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() ProfilerStats {
	var stats ProfilerStats
	p.methods.Range(func(_, value any) bool {
		stats.Methods++
		stats.Invocations += atomic.LoadUint64(&value.(*methodProfile).invocations)
		return true
	})
	stats.Flushes = atomic.LoadUint64(&p.flushes)
	return stats
}

// Hotness is the invocation counter of one execution context. It is not
// safe for concurrent use and needs none: only its dispatcher touches it.
type Hotness struct {
	counts   map[MethodID]uint64
	unsynced map[MethodID]uint64 // counted since the last Flush
}

// NewHotness creates an empty counter.
func NewHotness() *Hotness {
	return &Hotness{
		counts:   make(map[MethodID]uint64),
		unsynced: make(map[MethodID]uint64),
	}
}

// Next counts one invocation of id and returns the count from before it.
func (h *Hotness) Next(id MethodID) uint64 {
	n := h.counts[id]
	h.counts[id] = n + 1
	h.unsynced[id]++
	return n
}

// Count returns the local invocation count of id.
func (h *Hotness) Count(id MethodID) uint64 {
	return h.counts[id]
}

// Flush adds everything counted since the last flush to p.
func (h *Hotness) Flush(p *Profiler) {
	if p == nil || len(h.unsynced) == 0 {
		return
	}
	for id, n := range h.unsynced {
		p.Add(id, n)
	}
	clear(h.unsynced)
	atomic.AddUint64(&p.flushes, 1)
}
