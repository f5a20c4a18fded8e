package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/tiers/config"
	"github.com/chazu/tiers/jit"
	"github.com/chazu/tiers/report"
	"github.com/chazu/tiers/sim"
)

var log = commonlog.GetLogger("tiers")

// closeTimeout bounds how long the scheduler may take to drain after the
// contexts finish.
const closeTimeout = 30 * time.Second

const hottestShown = 5

// run drives cfg.Simulation.Contexts dispatchers against one scheduler,
// prints a summary to out and optionally writes a report.
func run(ctx context.Context, cfg *config.Config, out io.Writer, reportPath string) error {
	started := time.Now()
	simCfg := cfg.Simulation

	compiler := sim.NewCompiler(simCfg.CompileL1, simCfg.CompileL2, simCfg.FaultRate, simCfg.Seed)
	sched, err := jit.NewScheduler(compiler, cfg.SchedulerOptions())
	if err != nil {
		return err
	}

	profiler := jit.NewProfiler()
	policy, err := cfg.Policy(profiler)
	if err != nil {
		sched.Close(ctx)
		return err
	}
	exec := sim.NewExecutor()

	dispatchers := make([]*jit.Dispatcher, simCfg.Contexts)
	faults := make([]int, simCfg.Contexts)
	g, gctx := errgroup.WithContext(ctx)
	for i := range dispatchers {
		d, err := jit.NewDispatcher(sched, exec, policy)
		if err != nil {
			sched.Close(ctx)
			return err
		}
		w, err := sim.NewZipf(simCfg.Seed+int64(i), simCfg.Skew, simCfg.Methods)
		if err != nil {
			sched.Close(ctx)
			return err
		}
		dispatchers[i] = d

		i := i
		g.Go(func() error {
			n, err := sim.Run(gctx, d, w, simCfg.Invocations)
			faults[i] = n
			return err
		})
	}
	runErr := g.Wait()
	if runErr != nil {
		log.Warning("run interrupted", "error", runErr.Error())
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	closeErr := sched.Close(closeCtx)

	var total jit.DispatchStats
	var faulted int
	for i, d := range dispatchers {
		total.Add(d.Stats())
		faulted += faults[i]
	}
	stats := sched.Stats()
	elapsed := time.Since(started)

	printSummary(out, total, stats, profiler, elapsed)

	if reportPath != "" {
		r := report.New(cfg, started)
		r.Duration = elapsed
		r.Faults = uint64(faulted)
		r.SetScheduler(stats, sched.Cache().Snapshot())
		r.SetDispatch(total)
		r.SetHottest(profiler.Top(hottestShown))
		if err := r.Write(reportPath); err != nil {
			return errors.Join(runErr, closeErr, err)
		}
		log.Info("wrote report", "path", reportPath, "run", r.RunID)
	}

	return errors.Join(runErr, closeErr)
}

func printSummary(out io.Writer, total jit.DispatchStats, stats jit.SchedulerStats, profiler *jit.Profiler, elapsed time.Duration) {
	fmt.Fprintf(out, "Invocations: %d in %s\n", total.Invocations, elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "  interpreted: %d\n", total.Interpreted)
	fmt.Fprintf(out, "  L1:          %d\n", total.ExecutedL1)
	fmt.Fprintf(out, "  L2:          %d\n", total.ExecutedL2)
	if total.ExecutionFaults > 0 {
		fmt.Fprintf(out, "  faults:      %d\n", total.ExecutionFaults)
	}
	fmt.Fprintf(out, "Compiles: %d L1, %d L2, %d failed (%d requests, %d duplicates, %d dropped)\n",
		stats.CompiledL1, stats.CompiledL2, stats.Faults, stats.Submitted, stats.Duplicates, stats.Dropped)
	fmt.Fprintf(out, "Cache: %d methods (%d at L1, %d at L2)\n",
		stats.Cache.Methods, stats.Cache.AtL1, stats.Cache.AtL2)
	if total.Waits > 0 || total.Escapes > 0 {
		fmt.Fprintf(out, "Waits: %d (%d escapes)\n", total.Waits, total.Escapes)
	}

	top := profiler.Top(hottestShown)
	if len(top) == 0 {
		return
	}
	fmt.Fprintf(out, "Hottest:\n")
	for _, mc := range top {
		fmt.Fprintf(out, "  %-6s %d\n", mc.Method, mc.Count)
	}
}
