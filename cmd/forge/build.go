package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/forgebuild/forge"
	"github.com/forgebuild/forge/internal/cache"
	"github.com/forgebuild/forge/internal/coordinator"
	"github.com/forgebuild/forge/internal/driver"
	"github.com/forgebuild/forge/internal/forgeerr"
	"github.com/forgebuild/forge/internal/graph"
	"github.com/forgebuild/forge/internal/metrics"
	"github.com/forgebuild/forge/internal/remote"
	"github.com/forgebuild/forge/internal/sandbox"
	"github.com/forgebuild/forge/internal/scheduler"
	internaltrace "github.com/forgebuild/forge/internal/trace"
)

// isTerminal reports whether stderr is an interactive terminal, the
// same TCGETS probe the teacher's batch scheduler uses to decide
// whether in-place progress output is safe to emit.
var isTerminal = func() bool {
	_, err := unix.IoctlGetTermios(int(os.Stderr.Fd()), unix.TCGETS)
	return err == nil
}()

const buildHelp = `forge build [-flags] [target...]

Build targets declared in a workspace manifest. With no target
arguments, builds every target the manifest declares.

Example:
  % forge build //app:main
`

func cmdbuild(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("build", flag.ExitOnError)
	var (
		manifest        = fset.String("manifest", "forge.yaml", "workspace manifest path")
		jobs            = fset.Int("jobs", runtime.NumCPU(), "number of scheduler workers")
		remoteAddr      = fset.String("remote", "", "optional remote cache address, e.g. cache.example.com:443")
		cancelOnFailure = fset.Bool("cancel_on_failure", true, "cancel downstream targets when an upstream target fails")
		maxRetries      = fset.Int("max_retries", 2, "DriverErr retries per target before failing it")
		maxMemoryBytes  = fset.Uint64("max_memory_bytes", 0, "per-action RLIMIT_AS, 0 means unenforced")
		maxCPUTimeMS    = fset.Uint64("max_cpu_time_ms", 0, "per-action RLIMIT_CPU in milliseconds, 0 means unenforced")
		maxProcesses    = fset.Uint64("max_processes", 0, "per-action RLIMIT_NPROC, 0 means unenforced")
	)
	fset.Usage = usage(fset, buildHelp)
	fset.Parse(args)

	ws, err := forge.LoadWorkspace(*manifest)
	if err != nil {
		return err
	}

	journalPath := filepath.Join(forge.Root, "graph.journal")
	recovered, err := graph.LoadJournal(journalPath)
	if err != nil {
		return err
	}
	g, err := graph.NewFromTargets(ws.GraphTargets(), nil)
	if err != nil {
		return err
	}
	if len(recovered) > 0 {
		if err := graph.Replay(g, recovered); err != nil {
			return err
		}
	}
	if err := g.OpenJournal(journalPath); err != nil {
		return err
	}
	forge.RegisterAtExit(g.CloseJournal)

	logger := log.New(os.Stderr, "forge: ", log.LstdFlags)

	cacheRoot := filepath.Join(forge.Root, "cache")
	targetStore, err := cache.Open(filepath.Join(cacheRoot, "target"), cache.TagTarget, 0, logger)
	if err != nil {
		return err
	}
	actionStore, err := cache.Open(filepath.Join(cacheRoot, "action"), cache.TagAction, 0, logger)
	if err != nil {
		return err
	}
	forge.RegisterAtExit(func() error { return targetStore.Close() })
	forge.RegisterAtExit(func() error { return actionStore.Close() })

	var tier coordinator.Tier
	if *remoteAddr != "" {
		client, err := remote.Dial(ctx, *remoteAddr)
		if err != nil {
			return err
		}
		tier = client
		forge.RegisterAtExit(client.Close)
	}
	coord := coordinator.New(targetStore, actionStore, tier, logger)
	internaltrace.SubscribeCoordinator(coord)

	reg := driver.NewRegistry()
	for _, lang := range ws.Languages() {
		// The core never implements a specific language's compiler
		// invocation (carried non-goal); Fake stands in as the
		// registered driver until a real toolchain integration is
		// wired in per language.
		reg.Register(driver.NewFake(lang))
	}

	exec := scheduler.NewExecutor(g, reg, coord, ws.DriverTargets()).
		WithCancelOnFailure(*cancelOnFailure).
		WithRetry(*maxRetries, 10*time.Millisecond).
		WithLimits(sandbox.Limits{
			MaxMemoryBytes: *maxMemoryBytes,
			MaxCPUTimeMS:   *maxCPUTimeMS,
			MaxProcesses:   *maxProcesses,
		})
	internaltrace.SubscribeExecutor(exec)

	var done int
	exec.Subscribe(func(ev scheduler.Event) {
		switch ev.Kind {
		case scheduler.TargetCompleted, scheduler.TargetCached, scheduler.TargetFailed:
			done++
			if isTerminal {
				fmt.Fprintf(os.Stderr, "\rforge: %d targets done", done)
			}
		}
	})

	sched := scheduler.New(*jobs)
	defer sched.Shutdown()

	prometheus.MustRegister(metrics.NewSchedulerCollector(sched))
	prometheus.MustRegister(metrics.NewCacheCollector(coord))

	targets := fset.Args()
	if len(targets) == 0 {
		for id := range ws.Targets {
			targets = append(targets, id)
		}
	}

	if err := driveBuild(ctx, g, sched, exec, targets); err != nil {
		return err
	}
	if isTerminal && done > 0 {
		fmt.Fprintln(os.Stderr)
	}

	for _, id := range targets {
		node, ok := g.Get(id)
		if !ok {
			return forgeerr.NewGraphErr("unknown target", id)
		}
		status := "ok"
		switch node.Status {
		case graph.Failed:
			status = "FAILED"
		case graph.Skipped:
			status = "skipped"
		case graph.Cached:
			status = "cached"
		}
		fmt.Printf("%-40s %s\n", id, status)
	}
	return nil
}

// driveBuild submits every currently-ready node to the scheduler,
// waiting for each wave to complete before checking the graph for the
// next wave a just-finished node may have unblocked. External
// submissions always land on the global queue (Submit, not
// SubmitLocal): none of these tasks are driver-spawned subtasks of an
// already-running node.
func driveBuild(ctx context.Context, g *graph.Graph, sched *scheduler.Scheduler, exec *scheduler.Executor, want []string) error {
	wanted := make(map[string]bool, len(want))
	for _, id := range want {
		wanted[id] = true
	}

	submitted := make(map[string]bool)
	for {
		ready := g.ReadyNodes()
		progressed := false
		for _, id := range ready {
			if submitted[id] {
				continue
			}
			submitted[id] = true
			progressed = true
			id := id
			sched.Submit(&scheduler.PriorityTask{
				TargetID: id,
				Priority: scheduler.Normal,
				Run: func() {
					if err := exec.Execute(ctx, id); err != nil {
						log.Printf("forge: %s: %v", id, err)
					}
				},
			})
		}
		sched.WaitAll()

		done := true
		for id := range wanted {
			node, ok := g.Get(id)
			if !ok || node.Status == graph.Pending || node.Status == graph.Ready || node.Status == graph.Running {
				done = false
				break
			}
		}
		if done {
			return nil
		}
		if !progressed {
			// Nothing newly ready and the wanted set isn't done: the
			// remaining targets are unreachable (e.g. a Skipped
			// ancestor cut off their only path to Ready).
			return nil
		}
	}
}
