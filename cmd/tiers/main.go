// tiers CLI - drives the tiered compilation manager with a simulated workload
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/tiers/config"
	"github.com/chazu/tiers/jit"
)

func main() {
	configPath := flag.String("config", "", "Path to tiers.toml (default: search upward from the working directory)")
	contexts := flag.Int("contexts", 0, "Execution contexts (overrides config)")
	invocations := flag.Int("invocations", -1, "Invocations per context (overrides config)")
	workers := flag.Int("workers", 0, "Compilation workers (overrides config)")
	mode := flag.String("mode", "", "Submission mode: async or sync (overrides config)")
	reportPath := flag.String("report", "", "Write a CBOR run report to this path")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tiers [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs execution contexts against a shared compilation scheduler and prints what got promoted.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  tiers                              # Use tiers.toml or the defaults\n")
		fmt.Fprintf(os.Stderr, "  tiers -contexts 16 -mode sync      # Sixteen contexts, blocking submissions\n")
		fmt.Fprintf(os.Stderr, "  tiers -config bench.toml -report run.cbor\n")
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *contexts != 0 {
		cfg.Simulation.Contexts = *contexts
	}
	if *invocations >= 0 {
		cfg.Simulation.Invocations = *invocations
	}
	if *workers != 0 {
		cfg.Scheduler.Workers = *workers
	}
	if *mode != "" {
		cfg.Dispatch.Mode = *mode
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	verbosity := cfg.Log.Verbosity
	if *verbose && verbosity < 1 {
		verbosity = 1
	}
	commonlog.Initialize(verbosity, cfg.Log.File)

	if *verbose {
		if cfg.Path != "" {
			fmt.Printf("Loaded %s\n", cfg.Path)
		}
		fmt.Printf("Workers: %d, contexts: %d, thresholds: %d/%d, mode: %s\n",
			cfg.Scheduler.Workers, cfg.Simulation.Contexts, cfg.Thresholds.L1, cfg.Thresholds.L2, cfg.Dispatch.Mode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, os.Stdout, *reportPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if kind, ok := jit.KindOf(err); ok && kind == jit.KindConfiguration {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.FindAndLoad(cwd)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}
