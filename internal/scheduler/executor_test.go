package scheduler

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/cache"
	"github.com/forgebuild/forge/internal/coordinator"
	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/driver"
	"github.com/forgebuild/forge/internal/forgeerr"
	"github.com/forgebuild/forge/internal/graph"
	"github.com/forgebuild/forge/internal/sandbox"
)

func discardLogger() *log.Logger {
	return log.New(testWriter{}, "", 0)
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

// fixedHasher returns a SourceHasher that ignores the filesystem and
// maps each source path to a caller-provided digest, for tests that
// don't want real files on disk.
func fixedHasher(by map[string]digest.Digest) func([]string) ([]digest.Digest, error) {
	return func(sources []string) ([]digest.Digest, error) {
		out := make([]digest.Digest, len(sources))
		for i, s := range sources {
			out[i] = by[s]
		}
		return out, nil
	}
}

func newTestCoordinator(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	targetStore, err := cache.Open(t.TempDir(), cache.TagTarget, 0, discardLogger())
	require.NoError(t, err)
	actionStore, err := cache.Open(t.TempDir(), cache.TagAction, 0, discardLogger())
	require.NoError(t, err)
	return coordinator.New(targetStore, actionStore, nil, discardLogger())
}

// Scenario A: single-target cache hit.
func TestScenarioASingleTargetCacheHit(t *testing.T) {
	g, err := graph.NewFromTargets([]graph.Target{{ID: "//a:x"}}, nil)
	require.NoError(t, err)
	coord := newTestCoordinator(t)

	srcDigest := digest.HashBytes([]byte("src/a.c"))
	targetKey := cache.TargetKey("//a:x", []digest.Digest{srcDigest}, nil)
	outDigest := digest.HashBytes([]byte("O"))
	require.NoError(t, coord.Update(context.Background(), cache.TagTarget, targetKey,
		cache.Entry{OutputDigest: outDigest, Success: true, OutputPaths: []string{"out/a.o"}}, []byte("O")))

	fake := driver.NewFake("c")
	reg := driver.NewRegistry()
	reg.Register(fake)

	targets := map[string]driver.Target{
		"//a:x": {ID: "//a:x", Language: "c", Sources: []string{"src/a.c"}},
	}
	exec := NewExecutor(g, reg, coord, targets)
	exec.SourceHasher = fixedHasher(map[string]digest.Digest{"src/a.c": srcDigest})

	var events []Event
	exec.Subscribe(func(ev Event) { events = append(events, ev) })

	require.NoError(t, exec.Execute(context.Background(), "//a:x"))

	node, _ := g.Get("//a:x")
	require.Equal(t, graph.Cached, node.Status)
	require.EqualValues(t, 0, fake.Invocations())
	require.Len(t, events, 2) // Started, Cached
	require.Equal(t, TargetCached, events[len(events)-1].Kind)
}

// Scenario B: two-target chain, cold build.
func TestScenarioBColdChainBuild(t *testing.T) {
	g, err := graph.NewFromTargets([]graph.Target{
		{ID: "//a:lib"},
		{ID: "//a:app", Deps: []string{"//a:lib"}},
	}, nil)
	require.NoError(t, err)
	coord := newTestCoordinator(t)

	libFake := driver.NewFake("go")
	reg := driver.NewRegistry()
	reg.Register(libFake)

	targets := map[string]driver.Target{
		"//a:lib": {ID: "//a:lib", Language: "go", Sources: []string{"lib.go"}, OutputHint: "lib.a"},
		"//a:app": {ID: "//a:app", Language: "go", Sources: []string{"app.go"}, Deps: []string{"//a:lib"}, OutputHint: "app.bin"},
	}
	exec := NewExecutor(g, reg, coord, targets)
	exec.SourceHasher = fixedHasher(map[string]digest.Digest{
		"lib.go": digest.HashBytes([]byte("lib.go")),
		"app.go": digest.HashBytes([]byte("app.go")),
	})

	require.NoError(t, exec.Execute(context.Background(), "//a:lib"))
	libNode, _ := g.Get("//a:lib")
	require.Equal(t, graph.Success, libNode.Status)

	dependents := g.Dependents("//a:lib")
	require.Equal(t, []string{"//a:app"}, dependents)
	appNode, _ := g.Get("//a:app")
	require.Equal(t, graph.Ready, appNode.Status)

	require.NoError(t, exec.Execute(context.Background(), "//a:app"))
	appNode, _ = g.Get("//a:app")
	require.Equal(t, graph.Success, appNode.Status)

	require.EqualValues(t, 2, libFake.Invocations()) // one call for lib, one for app
	stats := coord.Stats()
	require.Equal(t, 2, stats.Action.Entries)
	require.Equal(t, 2, stats.Target.Entries)
}

// Scenario E: dynamic discovery.
func TestScenarioEDynamicDiscovery(t *testing.T) {
	g, err := graph.NewFromTargets([]graph.Target{
		{ID: "//gen:proto"},
		{ID: "//app:main"},
	}, nil)
	require.NoError(t, err)
	coord := newTestCoordinator(t)

	fake := driver.NewFake("proto")
	fake.SetResult("//gen:proto", driver.InvocationResult{
		OutputPaths:       []string{"gen.pb.cc"},
		DiscoveredOutputs: []string{"gen.pb.cc"},
		DiscoveredEdges:   []driver.Edge{{From: "//gen:proto", To: "//app:main"}},
	})
	reg := driver.NewRegistry()
	reg.Register(fake)

	targets := map[string]driver.Target{
		"//gen:proto": {ID: "//gen:proto", Language: "proto", Sources: []string{"gen.proto"}},
		"//app:main":  {ID: "//app:main", Language: "proto"},
	}
	exec := NewExecutor(g, reg, coord, targets)
	exec.SourceHasher = fixedHasher(map[string]digest.Digest{"gen.proto": digest.HashBytes([]byte("gen.proto"))})

	require.NoError(t, exec.Execute(context.Background(), "//gen:proto"))

	genNode, _ := g.Get("//gen:proto")
	require.Equal(t, graph.Success, genNode.Status)

	appNode, _ := g.Get("//app:main")
	require.Equal(t, graph.Ready, appNode.Status)
	require.Equal(t, []string{"//gen:proto"}, g.Dependencies("//app:main"))
}

// Scenario F: resource-limit violation.
func TestScenarioFSandboxViolationCancelsDownstream(t *testing.T) {
	g, err := graph.NewFromTargets([]graph.Target{
		{ID: "//a:heavy"},
		{ID: "//a:downstream", Deps: []string{"//a:heavy"}},
	}, nil)
	require.NoError(t, err)
	coord := newTestCoordinator(t)

	fake := driver.NewFake("c")
	fake.SetFailure("//a:heavy", forgeerr.NewSandboxErr("//a:heavy", forgeerr.SandboxOOM, "exceeded 64MiB"))
	reg := driver.NewRegistry()
	reg.Register(fake)

	targets := map[string]driver.Target{
		"//a:heavy":      {ID: "//a:heavy", Language: "c", Sources: []string{"heavy.c"}},
		"//a:downstream": {ID: "//a:downstream", Language: "c", Deps: []string{"//a:heavy"}},
	}
	exec := NewExecutor(g, reg, coord, targets).WithCancelOnFailure(true)
	exec.SourceHasher = fixedHasher(map[string]digest.Digest{"heavy.c": digest.HashBytes([]byte("heavy.c"))})

	var failedEvents []Event
	exec.Subscribe(func(ev Event) {
		if ev.Kind == TargetFailed {
			failedEvents = append(failedEvents, ev)
		}
	})

	require.NoError(t, exec.Execute(context.Background(), "//a:heavy"))

	heavyNode, _ := g.Get("//a:heavy")
	require.Equal(t, graph.Failed, heavyNode.Status)
	downstreamNode, _ := g.Get("//a:downstream")
	require.Equal(t, graph.Skipped, downstreamNode.Status)

	require.Len(t, failedEvents, 1)
	var sbErr *forgeerr.SandboxErr
	require.ErrorAs(t, failedEvents[0].Err, &sbErr)
	require.Equal(t, forgeerr.SandboxOOM, sbErr.Kind)

	stats := coord.Stats()
	require.Equal(t, 0, stats.Action.Entries)
}

// DriverErr failures retry up to the configured bound before failing
// the node for good.
func TestExecutorRetriesTransientDriverErr(t *testing.T) {
	g, err := graph.NewFromTargets([]graph.Target{{ID: "//a:flaky"}}, nil)
	require.NoError(t, err)
	coord := newTestCoordinator(t)

	fake := driver.NewFake("c")
	fake.SetFailure("//a:flaky", forgeerr.NewDriverErr("//a:flaky", "linker crashed", 1, nil))
	reg := driver.NewRegistry()
	reg.Register(fake)

	targets := map[string]driver.Target{"//a:flaky": {ID: "//a:flaky", Language: "c", Sources: []string{"f.c"}}}
	exec := NewExecutor(g, reg, coord, targets).WithRetry(2, time.Millisecond)
	exec.SourceHasher = fixedHasher(map[string]digest.Digest{"f.c": digest.HashBytes([]byte("f.c"))})

	require.NoError(t, exec.Execute(context.Background(), "//a:flaky"))

	node, _ := g.Get("//a:flaky")
	require.Equal(t, graph.Failed, node.Status)
	require.EqualValues(t, 3, fake.Invocations()) // initial attempt + 2 retries
}

// A driver invocation that overruns Limits.TimeoutMS fails the node
// with a SandboxErr (wall-clock exceeded) rather than retrying it as a
// transient DriverErr.
func TestExecutorEnforcesTimeout(t *testing.T) {
	g, err := graph.NewFromTargets([]graph.Target{{ID: "//a:slow"}}, nil)
	require.NoError(t, err)
	coord := newTestCoordinator(t)

	fake := driver.NewFake("c")
	fake.Delay = 50 * time.Millisecond
	reg := driver.NewRegistry()
	reg.Register(fake)

	targets := map[string]driver.Target{"//a:slow": {ID: "//a:slow", Language: "c", Sources: []string{"s.c"}}}
	exec := NewExecutor(g, reg, coord, targets).
		WithRetry(1, time.Millisecond).
		WithLimits(sandbox.Limits{TimeoutMS: 5})
	exec.SourceHasher = fixedHasher(map[string]digest.Digest{"s.c": digest.HashBytes([]byte("s.c"))})

	var failedEvents []Event
	exec.Subscribe(func(ev Event) {
		if ev.Kind == TargetFailed {
			failedEvents = append(failedEvents, ev)
		}
	})

	require.NoError(t, exec.Execute(context.Background(), "//a:slow"))

	node, _ := g.Get("//a:slow")
	require.Equal(t, graph.Failed, node.Status)
	require.Len(t, failedEvents, 1)
	var sbErr *forgeerr.SandboxErr
	require.ErrorAs(t, failedEvents[0].Err, &sbErr)
	require.Equal(t, forgeerr.SandboxWallClockExceeded, sbErr.Kind)
	require.EqualValues(t, 1, fake.Invocations()) // not retried: SandboxErr, not DriverErr
}
