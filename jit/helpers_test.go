package jit

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeArtifact struct {
	id    MethodID
	level Level
}

func (a *fakeArtifact) Method() MethodID { return a.id }

// fakeCompiler counts backend calls per key and records how many ran at
// once. A non-nil gate holds every compile until it is closed.
type fakeCompiler struct {
	mu         sync.Mutex
	calls      map[inflightKey]int
	running    map[inflightKey]int
	maxRunning map[inflightKey]int

	gate    chan struct{}
	started chan inflightKey
	delay   time.Duration
	fail    func(id MethodID, level Level) error
}

func newFakeCompiler() *fakeCompiler {
	return &fakeCompiler{
		calls:      make(map[inflightKey]int),
		running:    make(map[inflightKey]int),
		maxRunning: make(map[inflightKey]int),
		started:    make(chan inflightKey, 256),
	}
}

func (c *fakeCompiler) CompileL1(ctx context.Context, id MethodID) (Artifact, error) {
	return c.compile(ctx, id, L1)
}

func (c *fakeCompiler) CompileL2(ctx context.Context, id MethodID) (Artifact, error) {
	return c.compile(ctx, id, L2)
}

func (c *fakeCompiler) compile(_ context.Context, id MethodID, level Level) (Artifact, error) {
	key := inflightKey{id, level}

	c.mu.Lock()
	c.calls[key]++
	c.running[key]++
	if c.running[key] > c.maxRunning[key] {
		c.maxRunning[key] = c.running[key]
	}
	gate, fail := c.gate, c.fail
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running[key]--
		c.mu.Unlock()
	}()

	select {
	case c.started <- key:
	default:
	}
	if gate != nil {
		<-gate
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if fail != nil {
		if err := fail(id, level); err != nil {
			return nil, err
		}
	}
	return &fakeArtifact{id: id, level: level}, nil
}

func (c *fakeCompiler) Calls(id MethodID, level Level) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[inflightKey{id, level}]
}

func (c *fakeCompiler) MaxConcurrent(id MethodID, level Level) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxRunning[inflightKey{id, level}]
}

// recordingExecutor returns the tier each call ran at as its Result.
type recordingExecutor struct {
	mu          sync.Mutex
	interpreted int
	executed    map[Level]int
	failWith    error
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{executed: make(map[Level]int)}
}

func (e *recordingExecutor) Interpret(_ context.Context, _ MethodID) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failWith != nil {
		return nil, e.failWith
	}
	e.interpreted++
	return Interpreted, nil
}

func (e *recordingExecutor) Execute(_ context.Context, a Artifact) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failWith != nil {
		return nil, e.failWith
	}
	level := a.(*fakeArtifact).level
	e.executed[level]++
	return level, nil
}

func newTestScheduler(t *testing.T, c Compiler, opts Options) *Scheduler {
	t.Helper()
	s, err := NewScheduler(c, opts)
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitStarted(t *testing.T, c *fakeCompiler) inflightKey {
	t.Helper()
	select {
	case key := <-c.started:
		return key
	case <-time.After(5 * time.Second):
		t.Fatal("compile never started")
		return inflightKey{}
	}
}
