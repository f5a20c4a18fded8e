package sim

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/chazu/tiers/jit"
)

// Workload produces the method invoked next by one execution context.
// Implementations are used by a single goroutine.
type Workload interface {
	Next() jit.MethodID
}

// Zipf picks methods with a Zipf distribution, so a few methods are hot
// and the long tail stays interpreted.
type Zipf struct {
	z *rand.Zipf
}

// NewZipf creates a Zipf workload over methods ids. skew must be > 1.
func NewZipf(seed int64, skew float64, methods int) (*Zipf, error) {
	if methods <= 0 {
		return nil, fmt.Errorf("zipf workload needs methods, got %d", methods)
	}
	z := rand.NewZipf(rand.New(rand.NewSource(seed)), skew, 1, uint64(methods-1))
	if z == nil {
		return nil, fmt.Errorf("invalid zipf skew %v", skew)
	}
	return &Zipf{z: z}, nil
}

// Next implements Workload.
func (w *Zipf) Next() jit.MethodID {
	return jit.MethodID(w.z.Uint64())
}

// Repeat invokes the same method forever.
type Repeat jit.MethodID

// Next implements Workload.
func (r Repeat) Next() jit.MethodID {
	return jit.MethodID(r)
}

// Run drives d with n invocations from w. Execution faults are logged and
// counted; the run stops early only when ctx ends.
func Run(ctx context.Context, d *jit.Dispatcher, w Workload, n int) (faults int, err error) {
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return faults, err
		}
		id := w.Next()
		if _, err := d.Invoke(ctx, id); err != nil {
			faults++
			log.Warning("invocation failed", "method", id, "error", err.Error())
		}
	}
	d.Flush()
	return faults, nil
}
