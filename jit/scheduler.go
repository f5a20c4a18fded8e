package jit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueDepth is the number of accepted requests that may wait for a
// free worker when Options.QueueDepth is zero.
const DefaultQueueDepth = 1024

// Options configures a Scheduler.
type Options struct {
	Workers        int           // compilationThreadBound, must be positive
	QueueDepth     int           // accepted requests waiting for a worker; 0 = DefaultQueueDepth
	CompileTimeout time.Duration // deadline handed to the backend; 0 = none

	// OnFault is called from the worker for every failed compile, after the
	// fault has been logged.
	OnFault func(*CompilationFault)
}

// Validate rejects options the scheduler cannot run with.
func (o Options) Validate() error {
	if o.Workers <= 0 {
		return &ConfigurationError{Field: "workers", Value: o.Workers, Reason: "must be positive"}
	}
	if o.QueueDepth < 0 {
		return &ConfigurationError{Field: "queue depth", Value: o.QueueDepth, Reason: "must not be negative"}
	}
	if o.CompileTimeout < 0 {
		return &ConfigurationError{Field: "compile timeout", Value: o.CompileTimeout, Reason: "must not be negative"}
	}
	return nil
}

// Scheduler runs compile requests on a fixed pool of workers and publishes
// the results into its ArtifactCache. It owns the cache and the in-flight
// registry; every Dispatcher in the process shares one Scheduler.
type Scheduler struct {
	id       string // names this scheduler in logs; tickets count within it
	compiler Compiler
	cache    *ArtifactCache
	registry *InFlightRegistry
	timeout  time.Duration
	onFault  func(*CompilationFault)
	workers  int

	// Compilation queue drained by the workers
	mu      sync.RWMutex // guards closed against sends on pending
	closed  bool
	pending chan *compileJob
	wg      sync.WaitGroup

	// Statistics
	tickets    uint64
	submitted  uint64
	accepted   uint64
	duplicates uint64
	dropped    uint64
	compiledL1 uint64
	compiledL2 uint64
	faults     uint64
	active     int64
}

// compileJob is an accepted request. The submitter holds the in-flight
// marker until a worker releases it.
type compileJob struct {
	ticket uint64
	id     MethodID
	level  Level
	handle *Handle // nil for fire-and-forget
}

// NewScheduler creates a scheduler and starts its workers.
func NewScheduler(compiler Compiler, opts Options) (*Scheduler, error) {
	if compiler == nil {
		return nil, &ConfigurationError{Field: "compiler", Value: nil, Reason: "a compiler backend is required"}
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	depth := opts.QueueDepth
	if depth == 0 {
		depth = DefaultQueueDepth
	}

	s := &Scheduler{
		id:       uuid.NewString(),
		compiler: compiler,
		cache:    NewArtifactCache(),
		registry: NewInFlightRegistry(),
		timeout:  opts.CompileTimeout,
		onFault:  opts.OnFault,
		workers:  opts.Workers,
		pending:  make(chan *compileJob, depth),
	}

	s.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go s.worker()
	}
	log.Info("compile scheduler started", "scheduler", s.id, "workers", opts.Workers, "queue", depth)
	return s, nil
}

// ID identifies the scheduler in log lines. Ticket numbers in those lines
// count accepted requests within it.
func (s *Scheduler) ID() string { return s.id }

// Cache returns the artifact cache the scheduler publishes into.
func (s *Scheduler) Cache() *ArtifactCache { return s.cache }

// Registry returns the in-flight registry.
func (s *Scheduler) Registry() *InFlightRegistry { return s.registry }

// Submit requests a compile of id at level and returns immediately. It
// reports whether the request was accepted. A request for a key that is
// already in flight is dropped: the running compile will publish the same
// promotion. The result is only observable through the cache.
func (s *Scheduler) Submit(level Level, id MethodID) bool {
	return s.submit(level, id, nil)
}

// SubmitAwait is Submit with a Handle the caller can block on.
func (s *Scheduler) SubmitAwait(level Level, id MethodID) *Handle {
	h := newHandle(id, level)
	s.submit(level, id, h)
	return h
}

func (s *Scheduler) submit(level Level, id MethodID, h *Handle) bool {
	atomic.AddUint64(&s.submitted, 1)

	if !level.Compiled() {
		h.finish(nil, &CompilationFault{Method: id, Level: level, Err: errors.New("no compiler for this level")})
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		h.finish(nil, ErrClosed)
		return false
	}

	if !s.registry.TryAcquire(id, level) {
		atomic.AddUint64(&s.duplicates, 1)
		h.finish(nil, ErrDuplicate)
		return false
	}

	// The caller may have read the cache just before another compile of
	// this key published and released. Re-check under the marker.
	if s.cache.Level(id) >= level {
		s.registry.Release(id, level)
		atomic.AddUint64(&s.duplicates, 1)
		h.finish(nil, ErrDuplicate)
		return false
	}

	job := &compileJob{ticket: atomic.AddUint64(&s.tickets, 1), id: id, level: level, handle: h}
	select {
	case s.pending <- job:
	default:
		// Queue full, skip this one. The threshold stays crossed, so a later
		// invocation submits again.
		s.registry.Release(id, level)
		atomic.AddUint64(&s.dropped, 1)
		log.Warning("compile queue full, request dropped", "method", id, "level", level)
		h.finish(nil, ErrQueueFull)
		return false
	}

	atomic.AddUint64(&s.accepted, 1)
	log.Debug("compile request accepted", "method", id, "level", level, "scheduler", s.id, "ticket", job.ticket)
	return true
}

// AwaitInFlight blocks until the compile of (id, level) in flight right now,
// if any, has finished, then returns the cache entry for id.
func (s *Scheduler) AwaitInFlight(ctx context.Context, id MethodID, level Level) (Entry, bool, error) {
	if done := s.registry.Done(id, level); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return Entry{}, false, ctx.Err()
		}
	}
	e, ok := s.cache.Get(id)
	return e, ok, nil
}

// worker processes the compilation queue until Close.
func (s *Scheduler) worker() {
	defer s.wg.Done()
	for job := range s.pending {
		s.run(job)
	}
}

// run compiles one job and hands the outcome to its handle, if any. By the
// time a waiter wakes the marker is gone and any promotion is visible.
func (s *Scheduler) run(job *compileJob) {
	artifact, err := s.execute(job)
	job.handle.finish(artifact, err)
}

// execute compiles and publishes one job. The marker is released on every
// path, after the promotion.
func (s *Scheduler) execute(job *compileJob) (Artifact, error) {
	defer s.registry.Release(job.id, job.level)

	atomic.AddInt64(&s.active, 1)
	start := time.Now()
	artifact, err := s.compile(job)
	atomic.AddInt64(&s.active, -1)

	if err != nil {
		fault := &CompilationFault{Method: job.id, Level: job.level, Err: err}
		atomic.AddUint64(&s.faults, 1)
		log.Error("compilation fault",
			"method", job.id, "level", job.level, "scheduler", s.id, "ticket", job.ticket, "error", err.Error())
		s.reportFault(fault)
		return nil, fault
	}

	switch job.level {
	case L1:
		atomic.AddUint64(&s.compiledL1, 1)
	case L2:
		atomic.AddUint64(&s.compiledL2, 1)
	}

	promoted := s.cache.Promote(job.id, artifact, job.level)
	log.Info("compiled method",
		"method", job.id, "level", job.level, "scheduler", s.id, "ticket", job.ticket,
		"promoted", promoted, "took", time.Since(start).String())
	return artifact, nil
}

// reportFault hands fault to the OnFault hook. A panicking hook is logged
// and does not take the worker down.
func (s *Scheduler) reportFault(fault *CompilationFault) {
	if s.onFault == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("fault hook panic", "method", fault.Method, "level", fault.Level, "panic", fmt.Sprint(r))
		}
	}()
	s.onFault(fault)
}

// compile calls the backend, turning panics into errors.
func (s *Scheduler) compile(job *compileJob) (artifact Artifact, err error) {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			artifact, err = nil, fmt.Errorf("compiler panic: %v", r)
		}
	}()

	artifact, err = compile(ctx, s.compiler, job.level, job.id)
	if err == nil && artifact == nil {
		err = errors.New("compiler returned no artifact")
	}
	return artifact, err
}

// Close stops accepting requests, lets the workers finish everything already
// queued and waits for them, or for ctx.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.pending)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining compile queue: %w", ctx.Err())
	}
}

// SchedulerStats holds compilation statistics.
type SchedulerStats struct {
	Workers     int
	Submitted   uint64 // every Submit/SubmitAwait call
	Accepted    uint64 // requests that became in-flight compiles
	Duplicates  uint64 // dropped because the key was in flight or already cached
	Dropped     uint64 // dropped because the queue was full
	CompiledL1  uint64
	CompiledL2  uint64
	Faults      uint64
	Active      int64 // backend calls running right now
	InFlight    int
	QueueLength int
	Cache       CacheStats
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() SchedulerStats {
	return SchedulerStats{
		Workers:     s.workers,
		Submitted:   atomic.LoadUint64(&s.submitted),
		Accepted:    atomic.LoadUint64(&s.accepted),
		Duplicates:  atomic.LoadUint64(&s.duplicates),
		Dropped:     atomic.LoadUint64(&s.dropped),
		CompiledL1:  atomic.LoadUint64(&s.compiledL1),
		CompiledL2:  atomic.LoadUint64(&s.compiledL2),
		Faults:      atomic.LoadUint64(&s.faults),
		Active:      atomic.LoadInt64(&s.active),
		InFlight:    s.registry.Len(),
		QueueLength: len(s.pending),
		Cache:       s.cache.Stats(),
	}
}

// Handle is the awaitable side of SubmitAwait.
type Handle struct {
	Method MethodID
	Level  Level

	done     chan struct{}
	artifact Artifact
	err      error
}

func newHandle(id MethodID, level Level) *Handle {
	return &Handle{Method: id, Level: level, done: make(chan struct{})}
}

// finish records the outcome. Safe on a nil handle so fire-and-forget jobs
// share the code path.
func (h *Handle) finish(artifact Artifact, err error) {
	if h == nil {
		return
	}
	h.artifact = artifact
	h.err = err
	close(h.done)
}

// Done is closed once the request has an outcome.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks for the outcome of the request. It returns the new artifact,
// a *CompilationFault, ErrDuplicate, ErrQueueFull or ErrClosed, or ctx.Err()
// if ctx ends first.
func (h *Handle) Wait(ctx context.Context) (Artifact, error) {
	select {
	case <-h.done:
		return h.artifact, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
