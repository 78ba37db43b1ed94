// Package sandbox describes hermetic action execution: the declared
// inputs, outputs, scratch paths, environment, resource limits, and
// network policy a driver's invocation is confined to, plus the wire
// codec that serializes this description for the distributed case.
package sandbox

import (
	"strings"

	"github.com/forgebuild/forge/internal/forgeerr"
)

// NetworkPolicy governs outbound network access from within the
// sandbox.
type NetworkPolicy struct {
	// Hermetic, when true (the default), denies all traffic.
	Hermetic bool
	// AllowHosts, when Hermetic is false, is the declared set of hosts
	// outbound traffic may reach.
	AllowHosts []string
}

// Limits bounds the resources a sandboxed action may consume. A zero
// value means unspecified (no limit enforced for that dimension).
type Limits struct {
	MaxMemoryBytes uint64
	MaxCPUTimeMS   uint64
	MaxProcesses   uint64
	TimeoutMS      uint64
}

// Spec is the full environmental description of a sandboxed action.
// No field embeds a command: the driver binds a command separately
// and invokes it inside the sandbox this Spec describes.
type Spec struct {
	Inputs  []string
	Outputs []string
	Temps   []string
	Env     map[string]string
	Limits  Limits
	Network NetworkPolicy
}

// Builder validates a Spec incrementally and fails with a descriptive
// error on the first violation it would cause `Build` to reject.
type Builder struct {
	spec Spec
	err  error
}

// NewBuilder starts a Spec under construction, with an empty
// environment and a hermetic network policy.
func NewBuilder() *Builder {
	return &Builder{spec: Spec{Env: map[string]string{}, Network: NetworkPolicy{Hermetic: true}}}
}

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// WithInputs declares the sandbox's readable input paths. exists is
// called once per path; a nil exists func skips existence validation.
func (b *Builder) WithInputs(paths []string, exists func(string) bool) *Builder {
	for _, p := range paths {
		if exists != nil && !exists(p) {
			return b.fail(forgeerr.Wrap("sandbox: input path does not exist: %s", p))
		}
	}
	b.spec.Inputs = append(b.spec.Inputs, paths...)
	return b
}

// WithOutputs declares the sandbox's writable output paths. writable
// is called once per path to confirm the location is a writable spot
// (e.g. not under a read-only input); a nil writable func accepts all.
func (b *Builder) WithOutputs(paths []string, writable func(string) bool) *Builder {
	for _, p := range paths {
		if writable != nil && !writable(p) {
			return b.fail(forgeerr.Wrap("sandbox: output path is not writable: %s", p))
		}
	}
	b.spec.Outputs = append(b.spec.Outputs, paths...)
	return b
}

// WithTemps declares scratch paths available to the action but not
// captured as outputs.
func (b *Builder) WithTemps(paths []string) *Builder {
	b.spec.Temps = append(b.spec.Temps, paths...)
	return b
}

// WithEnv declares an environment variable. Keys containing NUL bytes
// are rejected, since they cannot be represented in a POSIX
// environment block.
func (b *Builder) WithEnv(key, value string) *Builder {
	if strings.ContainsRune(key, 0) || strings.ContainsRune(value, 0) {
		return b.fail(forgeerr.Wrap("sandbox: env key/value contains NUL: %q", key))
	}
	b.spec.Env[key] = value
	return b
}

// WithLimits sets resource limits. Any non-zero field must be
// positive (limits of exactly 0 mean "unspecified", negative limits
// are impossible given the unsigned type, but a caller constructing
// Limits directly with all-zero fields is accepted as "no limits").
func (b *Builder) WithLimits(l Limits) *Builder {
	b.spec.Limits = l
	return b
}

// WithNetwork sets the network policy. An AllowHosts policy with an
// empty host list is rejected: it is ambiguous between "hermetic" and
// "allow everything", so callers must say which they mean.
func (b *Builder) WithNetwork(n NetworkPolicy) *Builder {
	if !n.Hermetic && len(n.AllowHosts) == 0 {
		return b.fail(forgeerr.Wrap("sandbox: AllowHosts network policy requires a non-empty host list"))
	}
	for _, h := range n.AllowHosts {
		if h == "" {
			return b.fail(forgeerr.Wrap("sandbox: AllowHosts contains an empty host"))
		}
	}
	b.spec.Network = n
	return b
}

// Build returns the validated Spec, or the first validation error
// encountered. It succeeds only for a spec the sandbox can enforce.
func (b *Builder) Build() (Spec, error) {
	if b.err != nil {
		return Spec{}, b.err
	}
	return b.spec, nil
}
