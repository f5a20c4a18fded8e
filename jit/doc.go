// Package jit implements the tiered compilation manager of the runtime.
//
// This package contains:
//   - ArtifactCache: the shared method -> compiled artifact map, promoted monotonically
//   - InFlightRegistry: at most one running compile per (method, level)
//   - Scheduler: a fixed pool of compile workers fed by fire-and-forget or
//     awaitable requests
//   - Dispatcher: the per execution context decision to interpret, execute or
//     request compilation, driven by hotness counters
//   - Profiler: the shared approximate hotness counters dispatchers flush into
//
// One Scheduler is built per process and shared by pointer with every
// Dispatcher. Dispatchers are not safe for concurrent use; run one per
// execution context.
package jit

import "github.com/tliron/commonlog"

var log = commonlog.GetLogger("tiers.jit")
