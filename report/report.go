// Package report holds the summary of a tiers run and its CBOR encoding.
package report

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/chazu/tiers/config"
	"github.com/chazu/tiers/jit"
)

var encMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("report: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Report is the outcome of one run.
type Report struct {
	RunID    string        `cbor:"1,keyasint"`
	Started  time.Time     `cbor:"2,keyasint"`
	Duration time.Duration `cbor:"3,keyasint"`

	Config    Settings  `cbor:"4,keyasint"`
	Scheduler Scheduler `cbor:"5,keyasint"`
	Dispatch  Dispatch  `cbor:"6,keyasint"`
	Methods   []Method  `cbor:"7,keyasint"`
	Hottest   []Hot     `cbor:"8,keyasint,omitempty"`
	Faults    uint64    `cbor:"9,keyasint"` // invocations that ended in an execution fault
}

// Settings echoes the configuration the run used.
type Settings struct {
	Workers     int     `cbor:"1,keyasint"`
	QueueDepth  int     `cbor:"2,keyasint"`
	T1          uint64  `cbor:"3,keyasint"`
	T2          uint64  `cbor:"4,keyasint"`
	EscapeAfter uint64  `cbor:"5,keyasint"`
	Mode        string  `cbor:"6,keyasint"`
	Contexts    int     `cbor:"7,keyasint"`
	Methods     int     `cbor:"8,keyasint"`
	Invocations int     `cbor:"9,keyasint"`
	FaultRate   float64 `cbor:"10,keyasint"`
	Seed        int64   `cbor:"11,keyasint"`
}

// Scheduler mirrors jit.SchedulerStats.
type Scheduler struct {
	Submitted  uint64 `cbor:"1,keyasint"`
	Accepted   uint64 `cbor:"2,keyasint"`
	Duplicates uint64 `cbor:"3,keyasint"`
	Dropped    uint64 `cbor:"4,keyasint"`
	CompiledL1 uint64 `cbor:"5,keyasint"`
	CompiledL2 uint64 `cbor:"6,keyasint"`
	Faults     uint64 `cbor:"7,keyasint"`
	Promotions uint64 `cbor:"8,keyasint"`
	Rejected   uint64 `cbor:"9,keyasint"` // promotions refused as non-monotonic
}

// Dispatch is the sum of every context's jit.DispatchStats.
type Dispatch struct {
	Invocations     uint64 `cbor:"1,keyasint"`
	Interpreted     uint64 `cbor:"2,keyasint"`
	ExecutedL1      uint64 `cbor:"3,keyasint"`
	ExecutedL2      uint64 `cbor:"4,keyasint"`
	Submitted       uint64 `cbor:"5,keyasint"`
	Rejected        uint64 `cbor:"6,keyasint"`
	Waits           uint64 `cbor:"7,keyasint"`
	Escapes         uint64 `cbor:"8,keyasint"`
	ExecutionFaults uint64 `cbor:"9,keyasint"`
}

// Method is the final tier of one cached method.
type Method struct {
	ID    uint64 `cbor:"1,keyasint"`
	Level string `cbor:"2,keyasint"`
}

// Hot is one entry of the merged profile.
type Hot struct {
	ID    uint64 `cbor:"1,keyasint"`
	Count uint64 `cbor:"2,keyasint"`
}

// New starts a report for a run of c with a fresh run id.
func New(c *config.Config, started time.Time) *Report {
	return &Report{
		RunID:   uuid.NewString(),
		Started: started.UTC(),
		Config: Settings{
			Workers:     c.Scheduler.Workers,
			QueueDepth:  c.Scheduler.QueueDepth,
			T1:          c.Thresholds.L1,
			T2:          c.Thresholds.L2,
			EscapeAfter: c.Thresholds.EscapeAfter,
			Mode:        c.Dispatch.Mode,
			Contexts:    c.Simulation.Contexts,
			Methods:     c.Simulation.Methods,
			Invocations: c.Simulation.Invocations,
			FaultRate:   c.Simulation.FaultRate,
			Seed:        c.Simulation.Seed,
		},
	}
}

// SetScheduler records scheduler statistics and the final cache contents.
func (r *Report) SetScheduler(stats jit.SchedulerStats, entries map[jit.MethodID]jit.Entry) {
	r.Scheduler = Scheduler{
		Submitted:  stats.Submitted,
		Accepted:   stats.Accepted,
		Duplicates: stats.Duplicates,
		Dropped:    stats.Dropped,
		CompiledL1: stats.CompiledL1,
		CompiledL2: stats.CompiledL2,
		Faults:     stats.Faults,
		Promotions: stats.Cache.Promotions,
		Rejected:   stats.Cache.Rejected,
	}

	r.Methods = r.Methods[:0]
	for id, e := range entries {
		r.Methods = append(r.Methods, Method{ID: uint64(id), Level: e.Level.String()})
	}
	sort.Slice(r.Methods, func(i, j int) bool { return r.Methods[i].ID < r.Methods[j].ID })
}

// SetDispatch records the merged dispatcher counters.
func (r *Report) SetDispatch(s jit.DispatchStats) {
	r.Dispatch = Dispatch(s)
}

// SetHottest records the top of the merged profile.
func (r *Report) SetHottest(top []jit.MethodCount) {
	r.Hottest = make([]Hot, len(top))
	for i, mc := range top {
		r.Hottest[i] = Hot{ID: uint64(mc.Method), Count: mc.Count}
	}
}

// Marshal serializes a Report to canonical CBOR bytes.
func Marshal(r *Report) ([]byte, error) {
	return encMode.Marshal(r)
}

// Unmarshal deserializes a Report from CBOR bytes.
func Unmarshal(data []byte) (*Report, error) {
	var r Report
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("report: unmarshal: %w", err)
	}
	return &r, nil
}

// Write serializes r to path.
func (r *Report) Write(path string) error {
	data, err := Marshal(r)
	if err != nil {
		return fmt.Errorf("report: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("report: write %s: %w", path, err)
	}
	return nil
}

// Read loads a report written by Write.
func Read(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("report: read %s: %w", path, err)
	}
	return Unmarshal(data)
}
