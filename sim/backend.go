// Package sim provides simulated compiler and execution backends and
// invocation workloads for driving the tiered compilation manager.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/tiers/jit"
)

var log = commonlog.GetLogger("tiers.sim")

// ErrInjectedFault is the error returned by compiles chosen to fail.
var ErrInjectedFault = errors.New("injected compiler fault")

// Artifact is the simulated machine code for one method at one tier.
type Artifact struct {
	ID    jit.MethodID
	Level jit.Level
	Code  string
}

// Method implements jit.Artifact.
func (a *Artifact) Method() jit.MethodID { return a.ID }

type compileKey struct {
	id    jit.MethodID
	level jit.Level
}

// Compiler simulates slow, occasionally failing compiler backends.
type Compiler struct {
	L1Latency time.Duration
	L2Latency time.Duration
	FaultRate float64 // probability in [0, 1] that a compile fails

	mu        sync.Mutex
	rng       *rand.Rand
	calls     map[compileKey]uint64
	running   map[compileKey]int
	maxPerKey int // most concurrent compiles seen for any single key

	active int64
	peak   int64
}

// NewCompiler creates a simulated compiler. seed makes fault injection
// reproducible.
func NewCompiler(l1, l2 time.Duration, faultRate float64, seed int64) *Compiler {
	return &Compiler{
		L1Latency: l1,
		L2Latency: l2,
		FaultRate: faultRate,
		rng:       rand.New(rand.NewSource(seed)),
		calls:     make(map[compileKey]uint64),
		running:   make(map[compileKey]int),
	}
}

// CompileL1 implements jit.Compiler.
func (c *Compiler) CompileL1(ctx context.Context, id jit.MethodID) (jit.Artifact, error) {
	return c.compile(ctx, id, jit.L1, c.L1Latency)
}

// CompileL2 implements jit.Compiler.
func (c *Compiler) CompileL2(ctx context.Context, id jit.MethodID) (jit.Artifact, error) {
	return c.compile(ctx, id, jit.L2, c.L2Latency)
}

func (c *Compiler) compile(ctx context.Context, id jit.MethodID, level jit.Level, latency time.Duration) (jit.Artifact, error) {
	key := compileKey{id, level}

	c.mu.Lock()
	c.calls[key]++
	c.running[key]++
	if c.running[key] > c.maxPerKey {
		c.maxPerKey = c.running[key]
	}
	fail := c.FaultRate > 0 && c.rng.Float64() < c.FaultRate
	c.mu.Unlock()

	active := atomic.AddInt64(&c.active, 1)
	for {
		peak := atomic.LoadInt64(&c.peak)
		if active <= peak || atomic.CompareAndSwapInt64(&c.peak, peak, active) {
			break
		}
	}

	defer func() {
		atomic.AddInt64(&c.active, -1)
		c.mu.Lock()
		c.running[key]--
		c.mu.Unlock()
	}()

	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("compile %s %s: %w", level, id, ctx.Err())
		}
	}

	if fail {
		log.Debug("injecting compiler fault", "method", id, "level", level)
		return nil, ErrInjectedFault
	}
	return &Artifact{
		ID:    id,
		Level: level,
		Code:  fmt.Sprintf("%s@%s", id, level),
	}, nil
}

// Calls returns how many times (id, level) was compiled.
func (c *Compiler) Calls(id jit.MethodID, level jit.Level) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[compileKey{id, level}]
}

// Total returns the number of compiles at level across all methods.
func (c *Compiler) Total(level jit.Level) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n uint64
	for k, v := range c.calls {
		if k.level == level {
			n += v
		}
	}
	return n
}

// MaxConcurrentPerKey returns the most compiles ever running at once for a
// single (method, level).
func (c *Compiler) MaxConcurrentPerKey() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxPerKey
}

// PeakConcurrency returns the most compiles ever running at once.
func (c *Compiler) PeakConcurrency() int {
	return int(atomic.LoadInt64(&c.peak))
}

// Executor simulates the interpreter and the machine code executor.
type Executor struct {
	interpreted uint64
	executedL1  uint64
	executedL2  uint64
}

// NewExecutor creates a simulated executor.
func NewExecutor() *Executor {
	return &Executor{}
}

// Interpret implements jit.Executor.
func (e *Executor) Interpret(_ context.Context, id jit.MethodID) (jit.Result, error) {
	atomic.AddUint64(&e.interpreted, 1)
	return uint64(id), nil
}

// Execute implements jit.Executor.
func (e *Executor) Execute(_ context.Context, a jit.Artifact) (jit.Result, error) {
	art, ok := a.(*Artifact)
	if !ok {
		return nil, fmt.Errorf("foreign artifact %T", a)
	}
	switch art.Level {
	case jit.L1:
		atomic.AddUint64(&e.executedL1, 1)
	case jit.L2:
		atomic.AddUint64(&e.executedL2, 1)
	default:
		return nil, fmt.Errorf("artifact %s has no executable tier", art.Code)
	}
	return uint64(art.ID), nil
}

// ExecutorStats holds call counts by tier.
type ExecutorStats struct {
	Interpreted uint64
	ExecutedL1  uint64
	ExecutedL2  uint64
}

// Stats returns call counts by tier.
func (e *Executor) Stats() ExecutorStats {
	return ExecutorStats{
		Interpreted: atomic.LoadUint64(&e.interpreted),
		ExecutedL1:  atomic.LoadUint64(&e.executedL1),
		ExecutedL2:  atomic.LoadUint64(&e.executedL2),
	}
}
