// Package config handles tiers.toml runtime configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chazu/tiers/jit"
)

// FileName is the configuration file FindAndLoad looks for.
const FileName = "tiers.toml"

// Config represents a tiers.toml configuration.
type Config struct {
	Scheduler  Scheduler  `toml:"scheduler"`
	Thresholds Thresholds `toml:"thresholds"`
	Dispatch   Dispatch   `toml:"dispatch"`
	Simulation Simulation `toml:"simulation"`
	Log        Log        `toml:"log"`

	// Path is the file the configuration was loaded from (set at load time).
	Path string `toml:"-"`
}

// Scheduler configures the compilation worker pool.
type Scheduler struct {
	Workers        int           `toml:"workers"`
	QueueDepth     int           `toml:"queue-depth"`
	CompileTimeout time.Duration `toml:"compile-timeout"`
}

// Thresholds configures tier promotion.
type Thresholds struct {
	L1          uint64 `toml:"l1"`
	L2          uint64 `toml:"l2"`
	EscapeAfter uint64 `toml:"escape-after"`
}

// Dispatch configures the per-context dispatch loop.
type Dispatch struct {
	Mode       string        `toml:"mode"`
	Staleness  time.Duration `toml:"staleness"`
	FlushEvery uint64        `toml:"flush-every"`
}

// Simulation configures the workload the harness drives.
type Simulation struct {
	Contexts    int           `toml:"contexts"`
	Methods     int           `toml:"methods"`
	Invocations int           `toml:"invocations"` // per context
	CompileL1   time.Duration `toml:"compile-l1"`
	CompileL2   time.Duration `toml:"compile-l2"`
	FaultRate   float64       `toml:"fault-rate"`
	Seed        int64         `toml:"seed"`
	Skew        float64       `toml:"skew"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Scheduler: Scheduler{
			Workers:    4,
			QueueDepth: jit.DefaultQueueDepth,
		},
		Thresholds: Thresholds{
			L1: 1000,
			L2: 10000,
		},
		Dispatch: Dispatch{
			Mode:       jit.FireAndForget.String(),
			FlushEvery: 256,
		},
		Simulation: Simulation{
			Contexts:    8,
			Methods:     64,
			Invocations: 200000,
			CompileL1:   2 * time.Millisecond,
			CompileL2:   10 * time.Millisecond,
			Seed:        1,
			Skew:        1.2,
		},
	}
}

// Load parses a tiers.toml file over the defaults. Keys the file sets
// replace the defaults; unknown keys are an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	meta, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	c.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a tiers.toml file, then loads
// and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Validate checks every section. Out-of-range values are reported, never
// clamped. All problems are joined into one error.
func (c *Config) Validate() error {
	var errs []error

	if err := c.SchedulerOptions().Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Policy(nil); err != nil {
		errs = append(errs, err)
	}

	sim := c.Simulation
	if sim.Contexts <= 0 {
		errs = append(errs, &jit.ConfigurationError{Field: "simulation.contexts", Value: sim.Contexts, Reason: "must be positive"})
	}
	if sim.Methods <= 0 {
		errs = append(errs, &jit.ConfigurationError{Field: "simulation.methods", Value: sim.Methods, Reason: "must be positive"})
	}
	if sim.Invocations < 0 {
		errs = append(errs, &jit.ConfigurationError{Field: "simulation.invocations", Value: sim.Invocations, Reason: "must not be negative"})
	}
	if sim.FaultRate < 0 || sim.FaultRate > 1 {
		errs = append(errs, &jit.ConfigurationError{Field: "simulation.fault-rate", Value: sim.FaultRate, Reason: "must be within [0, 1]"})
	}
	if sim.CompileL1 < 0 || sim.CompileL2 < 0 {
		errs = append(errs, &jit.ConfigurationError{Field: "simulation compile latency", Value: fmt.Sprintf("%s/%s", sim.CompileL1, sim.CompileL2), Reason: "must not be negative"})
	}
	if sim.Skew <= 1 {
		errs = append(errs, &jit.ConfigurationError{Field: "simulation.skew", Value: sim.Skew, Reason: "must be greater than 1"})
	}

	return errors.Join(errs...)
}

// SchedulerOptions converts the scheduler section.
func (c *Config) SchedulerOptions() jit.Options {
	return jit.Options{
		Workers:        c.Scheduler.Workers,
		QueueDepth:     c.Scheduler.QueueDepth,
		CompileTimeout: c.Scheduler.CompileTimeout,
	}
}

// Policy converts the thresholds and dispatch sections. profiler may be nil.
func (c *Config) Policy(profiler *jit.Profiler) (jit.Policy, error) {
	mode, err := jit.ParseMode(c.Dispatch.Mode)
	if err != nil {
		return jit.Policy{}, err
	}
	p := jit.Policy{
		T1:          c.Thresholds.L1,
		T2:          c.Thresholds.L2,
		Mode:        mode,
		EscapeAfter: c.Thresholds.EscapeAfter,
		Staleness:   c.Dispatch.Staleness,
		FlushEvery:  c.Dispatch.FlushEvery,
		Profiler:    profiler,
	}
	if err := p.Validate(); err != nil {
		return jit.Policy{}, err
	}
	return p, nil
}
