package graph

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestJournalSurvivesReplay is the crash-recovery property spec.md §6
// requires of persisted state: discoveries applied and durably
// journaled by one Graph are recoverable by a freshly constructed one.
func TestJournalSurvivesReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.journal")

	g := chain(t)
	require.NoError(t, g.OpenJournal(path))
	require.NoError(t, g.Extend([]Discovery{
		{Kind: DiscoveredNode, NewNode: Target{ID: "//gen:proto"}},
		{Kind: DiscoveredEdge, From: "//gen:proto", To: "//a:app"},
	}))
	require.NoError(t, g.CloseJournal())

	recovered, err := LoadJournal(path)
	require.NoError(t, err)
	require.Len(t, recovered, 2)

	fresh := chain(t)
	require.NoError(t, Replay(fresh, recovered))
	require.Equal(t, []string{"//a:lib", "//gen:proto"}, fresh.Dependencies("//a:app"))
}

// TestLoadJournalMissingFileIsEmpty is the "nothing to recover" case:
// a graph that never crashed (or never discovered anything) shouldn't
// fail recovery just because no journal file exists yet.
func TestLoadJournalMissingFileIsEmpty(t *testing.T) {
	recovered, err := LoadJournal(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	require.Empty(t, recovered)
}

// TestExtendPreservesCostFunc is the minor review fix: a discovered
// edge must recompute critical-path cost using the Graph's own
// CostFunc, not silently fall back to the uniform-cost default.
func TestExtendPreservesCostFunc(t *testing.T) {
	cost := func(id string) float64 {
		if id == "//a:app" {
			return 100
		}
		return 1
	}
	g, err := NewFromTargets([]Target{
		{ID: "//a:lib"},
		{ID: "//a:app", Deps: []string{"//a:lib"}},
	}, cost)
	require.NoError(t, err)

	require.NoError(t, g.Extend([]Discovery{
		{Kind: DiscoveredNode, NewNode: Target{ID: "//gen:proto"}},
		{Kind: DiscoveredEdge, From: "//gen:proto", To: "//a:app"},
	}))

	n, ok := g.Get("//gen:proto")
	require.True(t, ok)
	require.Equal(t, 1+100.0, n.CriticalPathCost)
}
