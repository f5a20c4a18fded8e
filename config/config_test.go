package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chazu/tiers/jit"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
[scheduler]
workers = 2
queue-depth = 16
compile-timeout = "250ms"

[thresholds]
l1 = 9000
l2 = 90000
escape-after = 50000

[dispatch]
mode = "sync"
staleness = "5ms"
flush-every = 64

[simulation]
contexts = 3
methods = 10
invocations = 1000
compile-l1 = "1ms"
compile-l2 = "4ms"
fault-rate = 0.25
seed = 42
skew = 1.5

[log]
verbosity = 2
file = "tiers.log"
`)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if c.Scheduler.Workers != 2 || c.Scheduler.QueueDepth != 16 {
		t.Errorf("scheduler = %+v, want 2 workers / depth 16", c.Scheduler)
	}
	if c.Scheduler.CompileTimeout != 250*time.Millisecond {
		t.Errorf("compile timeout = %v, want 250ms", c.Scheduler.CompileTimeout)
	}
	if c.Thresholds.L1 != 9000 || c.Thresholds.L2 != 90000 || c.Thresholds.EscapeAfter != 50000 {
		t.Errorf("thresholds = %+v", c.Thresholds)
	}
	if c.Dispatch.Mode != "sync" || c.Dispatch.Staleness != 5*time.Millisecond || c.Dispatch.FlushEvery != 64 {
		t.Errorf("dispatch = %+v", c.Dispatch)
	}
	if c.Simulation.FaultRate != 0.25 || c.Simulation.Seed != 42 || c.Simulation.CompileL2 != 4*time.Millisecond {
		t.Errorf("simulation = %+v", c.Simulation)
	}
	if c.Log.Verbosity != 2 || c.Log.File != "tiers.log" {
		t.Errorf("log = %+v", c.Log)
	}
	if c.Path != path {
		t.Errorf("path = %q, want %q", c.Path, path)
	}

	p, err := c.Policy(nil)
	if err != nil {
		t.Fatalf("Policy: %v", err)
	}
	if p.Mode != jit.Synchronous || p.T1 != 9000 || p.T2 != 90000 {
		t.Errorf("policy = %+v", p)
	}
	if opts := c.SchedulerOptions(); opts.Workers != 2 || opts.CompileTimeout != 250*time.Millisecond {
		t.Errorf("scheduler options = %+v", opts)
	}
}

func TestLoadKeepsDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
[scheduler]
workers = 1
`)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	def := Default()
	if c.Scheduler.Workers != 1 {
		t.Errorf("workers = %d, want 1", c.Scheduler.Workers)
	}
	if c.Thresholds != def.Thresholds {
		t.Errorf("thresholds = %+v, want defaults %+v", c.Thresholds, def.Thresholds)
	}
	if c.Simulation != def.Simulation {
		t.Errorf("simulation = %+v, want defaults", c.Simulation)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
[scheduler]
workers = 1
threads = 8
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "scheduler.threads") {
		t.Errorf("err = %v, want unknown key scheduler.threads", err)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		field   string
	}{
		{"zero workers", "[scheduler]\nworkers = 0\n", "workers"},
		{"inverted thresholds", "[thresholds]\nl1 = 10000\nl2 = 1000\n", "thresholds"},
		{"unknown mode", "[dispatch]\nmode = \"eager\"\n", "mode"},
		{"fault rate", "[simulation]\nfault-rate = 1.5\n", "fault-rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, t.TempDir(), tt.content))
			if !errors.Is(err, jit.ErrConfiguration) {
				t.Fatalf("err = %v, want a configuration error", err)
			}
			var cfgErr *jit.ConfigurationError
			if !errors.As(err, &cfgErr) || !strings.Contains(cfgErr.Field, tt.field) {
				t.Errorf("err = %v, want field %q", err, tt.field)
			}
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "[scheduler]\nworkers = 3\n")
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	c, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c == nil || c.Scheduler.Workers != 3 {
		t.Fatalf("config = %+v, want the parent's tiers.toml", c)
	}
}
