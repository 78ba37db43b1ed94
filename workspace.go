package forge

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/forgebuild/forge/internal/driver"
	"github.com/forgebuild/forge/internal/forgeerr"
	"github.com/forgebuild/forge/internal/graph"
)

// WorkspaceTarget is one target as declared in a workspace manifest
// file, the on-disk form the external parser (out of scope for this
// core) would otherwise hand over already resolved.
type WorkspaceTarget struct {
	ID         string            `yaml:"id"`
	Language   string            `yaml:"language"`
	Sources    []string          `yaml:"sources"`
	Deps       []string          `yaml:"deps"`
	Flags      []string          `yaml:"flags"`
	OutputHint string            `yaml:"output"`
	Config     map[string]string `yaml:"config"`
}

// Workspace is a parsed manifest: every declared target, keyed by ID.
type Workspace struct {
	Targets map[string]WorkspaceTarget
}

// LoadWorkspace parses a forge.yaml manifest at path into a Workspace.
// This stands in for the workspace-parsing front end the core
// consumes but doesn't implement: by the time targets reach the
// graph and driver registry, they're already in this resolved shape.
func LoadWorkspace(path string) (*Workspace, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, forgeerr.NewParseErr("reading workspace manifest "+path, err)
	}
	var doc struct {
		Targets []WorkspaceTarget `yaml:"targets"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, forgeerr.NewParseErr("parsing workspace manifest "+path, err)
	}
	ws := &Workspace{Targets: make(map[string]WorkspaceTarget, len(doc.Targets))}
	for _, t := range doc.Targets {
		if !TargetID(t.ID).Valid() {
			return nil, forgeerr.NewParseErr("invalid target id "+t.ID, nil)
		}
		ws.Targets[t.ID] = t
	}
	return ws, nil
}

// GraphTargets projects the workspace into the flat (id, deps) list
// BuildGraph construction consumes.
func (w *Workspace) GraphTargets() []graph.Target {
	out := make([]graph.Target, 0, len(w.Targets))
	for id, t := range w.Targets {
		out = append(out, graph.Target{ID: id, Deps: t.Deps})
	}
	return out
}

// DriverTargets projects the workspace into the richer per-target
// data model the Executor needs alongside the graph (sources,
// language, flags) that graph.Target deliberately omits.
func (w *Workspace) DriverTargets() map[string]driver.Target {
	out := make(map[string]driver.Target, len(w.Targets))
	for id, t := range w.Targets {
		out[id] = driver.Target{
			ID:         id,
			Language:   t.Language,
			Sources:    t.Sources,
			Deps:       t.Deps,
			Flags:      t.Flags,
			OutputHint: t.OutputHint,
			Config:     t.Config,
		}
	}
	return out
}

// Languages returns the distinct languages referenced by the
// workspace's targets, used to decide which drivers a build needs
// registered.
func (w *Workspace) Languages() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range w.Targets {
		if t.Language == "" || seen[t.Language] {
			continue
		}
		seen[t.Language] = true
		out = append(out, t.Language)
	}
	return out
}
