// Package driver defines the language-driver capability interface the
// execution core consumes but never implements, plus a process-global
// registry keyed by language tag and a fake driver for exercising the
// scheduler and executor without a real compiler toolchain.
package driver

import (
	"context"
	"sync"

	"github.com/forgebuild/forge/internal/cache"
	"github.com/forgebuild/forge/internal/sandbox"
)

// Kind is a Target's declared nature.
type Kind int

const (
	Executable Kind = iota
	Library
	Test
	Custom
)

// Target is a declared unit of work, immutable once produced by
// workspace parsing.
type Target struct {
	ID         string
	Kind       Kind
	Language   string
	Sources    []string
	Deps       []string
	Flags      []string
	OutputHint string
	Config     map[string]string
}

// Edge is a dependent/dependency pair a driver discovers mid-action,
// handed back to the graph as a DiscoveredEdge (From is the
// dependency, To is the dependent).
type Edge struct {
	From, To string
}

// InvocationRequest is everything a driver needs to run one action.
type InvocationRequest struct {
	Target Target
	Spec   sandbox.Spec
}

// InvocationResult is what a driver reports back after Invoke
// completes. Dynamic-discovery fields (DiscoveredOutputs,
// DiscoveredEdges) feed the graph's Extend before the node's status
// transitions.
type InvocationResult struct {
	OutputPaths       []string
	DiscoveredOutputs []string
	DiscoveredEdges   []Edge
	Stdout            []byte
	Stderr            []byte
}

// Driver is the capability interface a language integration provides.
// A flat interface with small per-language structs, not a class
// hierarchy: analyze_imports, declare_inputs, declare_outputs, invoke,
// version.
type Driver interface {
	// Language returns the tag this driver registers under.
	Language() string
	// Version contributes the driver's identity to an ActionKey.
	Version() cache.DriverMetadata
	// AnalyzeImports returns target ids this target transitively
	// imports, beyond its declared Deps, as far as the driver can tell
	// without running the action (e.g. static import scanning).
	AnalyzeImports(ctx context.Context, t Target) ([]string, error)
	// DeclareInputs returns the full input path set for a HermeticSpec.
	DeclareInputs(ctx context.Context, t Target) ([]string, error)
	// DeclareOutputs returns the full output path set for a
	// HermeticSpec.
	DeclareOutputs(ctx context.Context, t Target) ([]string, error)
	// Invoke runs the action inside the given HermeticSpec.
	Invoke(ctx context.Context, req InvocationRequest) (InvocationResult, error)
}

// Registry is a process-global driver table keyed by language tag,
// populated at startup.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds d under its own Language() tag, overwriting any prior
// registration for that tag.
func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.Language()] = d
}

// Lookup returns the driver registered for language, if any.
func (r *Registry) Lookup(language string) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[language]
	return d, ok
}

// Languages lists every registered language tag.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.drivers))
	for lang := range r.drivers {
		out = append(out, lang)
	}
	return out
}
