package driver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forgebuild/forge/internal/cache"
)

// Fake is a deterministic, in-memory Driver used to exercise the
// scheduler and executor in tests without invoking a real compiler.
// Invoke's behavior per target is configured via SetResult and
// SetFailure; targets configured with neither succeed trivially. Every
// Invoke call first simulates Delay of work.
type Fake struct {
	Lang  string
	Delay time.Duration

	mu      sync.Mutex
	results map[string]InvocationResult
	fail    map[string]error

	invocations int64
}

// NewFake constructs a Fake registered under lang.
func NewFake(lang string) *Fake {
	return &Fake{Lang: lang, results: make(map[string]InvocationResult), fail: make(map[string]error)}
}

// SetResult configures the InvocationResult Invoke returns for
// targetID.
func (f *Fake) SetResult(targetID string, res InvocationResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[targetID] = res
}

// SetFailure configures Invoke to return err for targetID.
func (f *Fake) SetFailure(targetID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[targetID] = err
}

// Invocations reports how many times Invoke has been called across
// all targets, for assertions like "driver called exactly once".
func (f *Fake) Invocations() int64 {
	return atomic.LoadInt64(&f.invocations)
}

func (f *Fake) Language() string { return f.Lang }

func (f *Fake) Version() cache.DriverMetadata {
	return cache.DriverMetadata{Language: f.Lang, Version: "fake-1"}
}

func (f *Fake) AnalyzeImports(ctx context.Context, t Target) ([]string, error) {
	return nil, nil
}

func (f *Fake) DeclareInputs(ctx context.Context, t Target) ([]string, error) {
	return t.Sources, nil
}

func (f *Fake) DeclareOutputs(ctx context.Context, t Target) ([]string, error) {
	if t.OutputHint != "" {
		return []string{t.OutputHint}, nil
	}
	return nil, nil
}

func (f *Fake) Invoke(ctx context.Context, req InvocationRequest) (InvocationResult, error) {
	atomic.AddInt64(&f.invocations, 1)
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return InvocationResult{}, ctx.Err()
		}
	}

	f.mu.Lock()
	err, failed := f.fail[req.Target.ID]
	res, hasResult := f.results[req.Target.ID]
	f.mu.Unlock()

	if failed {
		return InvocationResult{}, err
	}
	if hasResult {
		return res, nil
	}
	return InvocationResult{OutputPaths: req.Spec.Outputs}, nil
}
