package scheduler

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/forgebuild/forge/internal/cache"
	"github.com/forgebuild/forge/internal/coordinator"
	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/driver"
	"github.com/forgebuild/forge/internal/forgeerr"
	"github.com/forgebuild/forge/internal/graph"
	"github.com/forgebuild/forge/internal/sandbox"
)

// EventKind enumerates the node lifecycle events the Executor
// publishes, per the core's event interface.
type EventKind int

const (
	TargetStarted EventKind = iota
	TargetCompleted
	TargetFailed
	TargetCached
	TargetProgress
)

func (k EventKind) String() string {
	switch k {
	case TargetStarted:
		return "TargetStarted"
	case TargetCompleted:
		return "TargetCompleted"
	case TargetFailed:
		return "TargetFailed"
	case TargetCached:
		return "TargetCached"
	case TargetProgress:
		return "TargetProgress"
	default:
		return "Unknown"
	}
}

// Event is published synchronously, in subscriber registration order,
// on every node lifecycle transition.
type Event struct {
	Kind     EventKind
	TargetID string
	Duration time.Duration
	Err      error
	Message  string
}

// Executor wraps a single BuildNode's execution path: cache lookup,
// sandboxed driver invocation, result propagation, and dynamic
// discovery flush, steps 1-5 of the worker's per-node contract.
type Executor struct {
	graph    *graph.Graph
	registry *driver.Registry
	coord    *coordinator.Coordinator
	targets  map[string]driver.Target

	// SourceHasher computes the content digest of each of a target's
	// declared sources, in order. Defaults to digest.HashFilesParallel
	// against the real filesystem; tests substitute a hasher that doesn't
	// require files on disk.
	SourceHasher func(sources []string) ([]digest.Digest, error)

	cancelOnFailure bool
	maxRetries      int
	retryBackoff    time.Duration
	limits          sandbox.Limits

	resultsMu sync.Mutex
	results   map[string]digest.Digest // completed target id -> output digest

	subMu sync.Mutex
	subs  []func(Event)
}

// NewExecutor wires an Executor over a graph, driver registry, and
// cache coordinator. targets supplies the full per-target data model
// (sources, deps, language, flags) the graph's leaner Target omits.
func NewExecutor(g *graph.Graph, registry *driver.Registry, coord *coordinator.Coordinator, targets map[string]driver.Target) *Executor {
	return &Executor{
		graph:        g,
		registry:     registry,
		coord:        coord,
		targets:      targets,
		SourceHasher: hashFilesDefault,
		maxRetries:   2,
		retryBackoff: 10 * time.Millisecond,
		results:      make(map[string]digest.Digest),
	}
}

func hashFilesDefault(sources []string) ([]digest.Digest, error) {
	return digest.HashFilesParallel(sources)
}

// WithCancelOnFailure sets the policy flag controlling whether a
// Failed node cancels its downstream subgraph.
func (e *Executor) WithCancelOnFailure(cancel bool) *Executor {
	e.cancelOnFailure = cancel
	return e
}

// WithRetry configures the retry bound and base back-off for
// transient DriverErr failures.
func (e *Executor) WithRetry(maxRetries int, backoff time.Duration) *Executor {
	e.maxRetries = maxRetries
	e.retryBackoff = backoff
	return e
}

// WithLimits sets the resource limits applied around every driver
// invocation (see sandbox.Enforce). The zero value leaves every
// dimension unenforced.
func (e *Executor) WithLimits(l sandbox.Limits) *Executor {
	e.limits = l
	return e
}

// Subscribe registers fn for every lifecycle Event, called
// synchronously in registration order.
func (e *Executor) Subscribe(fn func(Event)) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.subs = append(e.subs, fn)
}

func (e *Executor) publish(ev Event) {
	e.subMu.Lock()
	subs := make([]func(Event), len(e.subs))
	copy(subs, e.subs)
	e.subMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (e *Executor) resultDigest(id string) digest.Digest {
	e.resultsMu.Lock()
	defer e.resultsMu.Unlock()
	return e.results[id] // zero digest if missing (e.g. a Skipped dependency)
}

func (e *Executor) setResultDigest(id string, d digest.Digest) {
	e.resultsMu.Lock()
	e.results[id] = d
	e.resultsMu.Unlock()
}

// Execute drives target id through its full lifecycle: mark Running,
// consult the target cache, consult the action cache, invoke the
// driver on a full miss, then mark a terminal status. Returns nil
// even when the node lands on Failed; callers inspect the terminal
// status via the graph, mirroring how a scheduler task reports
// completion rather than propagating node failure as a Go error.
func (e *Executor) Execute(ctx context.Context, id string) error {
	start := time.Now()
	if _, err := e.graph.MarkStatus(id, graph.Running); err != nil {
		return err
	}
	e.publish(Event{Kind: TargetStarted, TargetID: id})

	target := e.targets[id]
	depDigests := e.dependencyDigests(target)

	sourceDigests, err := e.SourceHasher(target.Sources)
	if err != nil {
		return e.fail(id, start, forgeerr.NewDriverErr(id, "hashing sources", -1, err))
	}

	targetKey := cache.TargetKey(id, sourceDigests, depDigests)
	if entry, ok, err := e.coord.IsCached(ctx, cache.TagTarget, targetKey); err != nil {
		return e.fail(id, start, err)
	} else if ok {
		e.setResultDigest(id, entry.OutputDigest)
		if _, err := e.graph.MarkStatus(id, graph.Cached); err != nil {
			return err
		}
		e.publish(Event{Kind: TargetCached, TargetID: id, Duration: time.Since(start)})
		return nil
	}

	drv, ok := e.registry.Lookup(target.Language)
	if !ok {
		return e.fail(id, start, forgeerr.NewDriverErr(id, "no driver registered for language "+target.Language, -1, nil))
	}
	meta := drv.Version()
	flagsDigest := digest.HashManyStrings(target.Flags)
	actionKey := cache.ActionKey(id, sourceDigests, depDigests, meta.Digest(), flagsDigest)

	if entry, ok, err := e.coord.IsCached(ctx, cache.TagAction, actionKey); err != nil {
		return e.fail(id, start, err)
	} else if ok {
		e.setResultDigest(id, entry.OutputDigest)
		blob, err := e.coord.Artifact(cache.TagAction, entry.OutputDigest)
		if err != nil {
			return e.fail(id, start, err)
		}
		if err := e.recordTargetLevel(ctx, targetKey, entry, blob); err != nil {
			return e.fail(id, start, err)
		}
		if _, err := e.graph.MarkStatus(id, graph.Success); err != nil {
			return err
		}
		e.publish(Event{Kind: TargetCompleted, TargetID: id, Duration: time.Since(start)})
		return nil
	}

	e.publish(Event{Kind: TargetProgress, TargetID: id, Message: "invoking driver"})
	res, err := e.invokeWithRetry(ctx, drv, target, id)
	if err != nil {
		return e.fail(id, start, err)
	}

	entry, blob := packResult(res)
	if err := e.coord.Update(ctx, cache.TagAction, actionKey, entry, blob); err != nil {
		return e.fail(id, start, err)
	}
	if err := e.recordTargetLevel(ctx, targetKey, entry, blob); err != nil {
		return e.fail(id, start, err)
	}

	if discoveries := discoveriesFrom(id, res); len(discoveries) > 0 {
		if err := e.graph.Extend(discoveries); err != nil {
			return e.fail(id, start, err)
		}
	}

	e.setResultDigest(id, entry.OutputDigest)
	if _, err := e.graph.MarkStatus(id, graph.Success); err != nil {
		return err
	}
	e.publish(Event{Kind: TargetCompleted, TargetID: id, Duration: time.Since(start)})
	return nil
}

// recordTargetLevel mirrors an action-level result into the coarser
// TargetCache under targetKey, carrying the same artifact blob so a
// later TargetKey hit can reconstruct outputs without a full-miss
// driver invocation.
func (e *Executor) recordTargetLevel(ctx context.Context, targetKey string, entry cache.Entry, blob []byte) error {
	return e.coord.Update(ctx, cache.TagTarget, targetKey, entry, blob)
}

func (e *Executor) dependencyDigests(target driver.Target) []digest.Digest {
	out := make([]digest.Digest, len(target.Deps))
	for i, dep := range target.Deps {
		out[i] = e.resultDigest(dep)
	}
	return out
}

// invokeWithRetry runs the driver, retrying a DriverErr failure up to
// e.maxRetries times with exponential back-off. The retry is sound
// only because every invocation runs inside a freshly built hermetic
// Spec: identical declared inputs/outputs/env guarantee a retry
// reproduces the same action. SandboxErr is never retried: it
// reflects a resource-limit or policy violation the sandbox itself
// enforced, not a transient condition.
func (e *Executor) invokeWithRetry(ctx context.Context, drv driver.Driver, target driver.Target, id string) (driver.InvocationResult, error) {
	inputs, err := drv.DeclareInputs(ctx, target)
	if err != nil {
		return driver.InvocationResult{}, forgeerr.NewDriverErr(id, "declare_inputs", -1, err)
	}
	outputs, err := drv.DeclareOutputs(ctx, target)
	if err != nil {
		return driver.InvocationResult{}, forgeerr.NewDriverErr(id, "declare_outputs", -1, err)
	}
	spec, err := sandbox.NewBuilder().WithInputs(inputs, nil).WithOutputs(outputs, nil).WithLimits(e.limits).Build()
	if err != nil {
		return driver.InvocationResult{}, err
	}
	req := driver.InvocationRequest{Target: target, Spec: spec}

	backoff := e.retryBackoff
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		invokeCtx := ctx
		var cancel context.CancelFunc
		if e.limits.TimeoutMS > 0 {
			invokeCtx, cancel = context.WithTimeout(ctx, time.Duration(e.limits.TimeoutMS)*time.Millisecond)
		}
		restore, err := sandbox.Enforce(spec)
		if err != nil {
			if cancel != nil {
				cancel()
			}
			return driver.InvocationResult{}, forgeerr.NewDriverErr(id, "enforce_limits", -1, err)
		}
		res, err := drv.Invoke(invokeCtx, req)
		restore()
		if cancel != nil {
			if invokeCtx.Err() == context.DeadlineExceeded {
				err = forgeerr.NewSandboxErr(id, forgeerr.SandboxWallClockExceeded, "invocation exceeded TimeoutMS")
			}
			cancel()
		}
		if err == nil {
			return res, nil
		}
		lastErr = err
		if _, retryable := err.(*forgeerr.DriverErr); !retryable || attempt == e.maxRetries {
			return driver.InvocationResult{}, err
		}
		select {
		case <-ctx.Done():
			return driver.InvocationResult{}, forgeerr.NewCancelledErr(id, ctx.Err().Error())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return driver.InvocationResult{}, lastErr
}

func (e *Executor) fail(id string, start time.Time, cause error) error {
	if _, err := e.graph.MarkStatus(id, graph.Failed); err != nil {
		return err
	}
	if e.cancelOnFailure {
		e.graph.CancelDescendants(id)
	}
	e.publish(Event{Kind: TargetFailed, TargetID: id, Duration: time.Since(start), Err: cause})
	return nil
}

// packResult builds the cache Entry and artifact blob for a
// completed invocation. The blob is a manifest of sorted output
// paths rather than packed file contents: this executor owns
// graph/cache orchestration, not a content-store writer for arbitrary
// output trees, so the manifest stands in as the thing actually
// content-addressed here.
func packResult(res driver.InvocationResult) (cache.Entry, []byte) {
	paths := append([]string(nil), res.OutputPaths...)
	sort.Strings(paths)
	blob := []byte(strings.Join(paths, "\n"))
	d := digest.HashBytes(blob)
	return cache.Entry{
		OutputDigest: d,
		Timestamp:    time.Now(),
		Success:      true,
		OutputPaths:  res.OutputPaths,
	}, blob
}

// discoveriesFrom converts the discovered edges an invocation
// reported into graph Discovery records, applied before the node's
// status transition per the dynamic-discovery contract.
func discoveriesFrom(id string, res driver.InvocationResult) []graph.Discovery {
	var out []graph.Discovery
	for _, edge := range res.DiscoveredEdges {
		out = append(out, graph.Discovery{Kind: graph.DiscoveredEdge, From: edge.From, To: edge.To})
	}
	return out
}
