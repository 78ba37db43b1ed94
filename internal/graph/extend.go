package graph

import (
	"time"

	"github.com/google/uuid"

	"github.com/forgebuild/forge/internal/forgeerr"
)

// DiscoveryKind distinguishes the three shapes of dynamically
// discovered graph mutation a running action can report back.
type DiscoveryKind int

const (
	// DiscoveredEdge records that To depends on From (i.e. an edge
	// From→To, matching the edge direction "for every edge u→v, v
	// depends on u").
	DiscoveredEdge DiscoveryKind = iota
	// DiscoveredNode introduces a brand new Pending node.
	DiscoveredNode
	// DiscoveredInputs appends extra input paths to an existing node,
	// for later re-hashing by the caller.
	DiscoveredInputs
)

// Discovery is one unit of runtime graph mutation, as reported by a
// running action (e.g. a compiler emitting a depfile).
type Discovery struct {
	Kind DiscoveryKind

	From string // DiscoveredEdge: the dependency
	To   string // DiscoveredEdge: the dependent

	NewNode Target // DiscoveredNode

	Target string   // DiscoveredInputs: the node to extend
	Inputs []string // DiscoveredInputs: paths to append
}

// journalRecord is one applied (or held) discovery, replayable in the
// order it was applied to reconstruct graph mutations after a crash.
type journalRecord struct {
	ID        string
	AppliedAt time.Time
	Discovery Discovery
}

// Extend applies a batch of discoveries under the graph's single
// write lock. Each discovery is validated and applied independently:
// an invalid one is reported back but does not block the rest of the
// batch from landing, matching a worklist model where a build keeps
// making progress on everything that remains valid.
func (g *Graph) Extend(discoveries []Discovery) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var firstErr error
	for _, d := range discoveries {
		if err := g.applyOneLocked(d); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		rec := journalRecord{ID: uuid.NewString(), AppliedAt: time.Now(), Discovery: d}
		g.journal = append(g.journal, rec)
		if err := g.appendJournalLocked(rec); err != nil {
			// The mutation already landed in memory and cannot be
			// unwound; surface the durability failure so the caller
			// knows recovery can no longer be trusted for this graph.
			return err
		}
	}
	return firstErr
}

func (g *Graph) applyOneLocked(d Discovery) error {
	switch d.Kind {
	case DiscoveredNode:
		g.addNodeLocked(d.NewNode.ID)
		g.applyPendingLocked(d.NewNode.ID)
		return nil
	case DiscoveredInputs:
		n, ok := g.byID[d.Target]
		if !ok {
			return forgeerr.NewGraphErr("input expansion for unknown node "+d.Target, d.Target)
		}
		if n.Status.Terminal() {
			return forgeerr.NewGraphErr("input expansion too late: node "+d.Target+" already terminal", d.Target)
		}
		n.ExtraInputs = append(n.ExtraInputs, d.Inputs...)
		return nil
	case DiscoveredEdge:
		return g.applyEdgeLocked(d.From, d.To)
	default:
		return forgeerr.NewGraphErr("unknown discovery kind", "")
	}
}

func (g *Graph) applyEdgeLocked(from, to string) error {
	dependent, depOK := g.byID[to]
	if !depOK {
		g.pendingEdges[to] = append(g.pendingEdges[to], pendingEdge{from: from, to: to})
		return nil
	}
	switch {
	case dependent.Status == Success:
		return nil // tolerated no-op: the dependent already finished successfully
	case dependent.Status == Running:
		return forgeerr.NewDriverErr(to, "too late: dependency "+from+" discovered after target started running", 0, nil)
	case dependent.Status.Terminal():
		return forgeerr.NewGraphErr("cannot add dependency to terminal node "+to, to)
	}

	dep, depFromOK := g.byID[from]
	if !depFromOK {
		g.pendingEdges[from] = append(g.pendingEdges[from], pendingEdge{from: from, to: to})
		return nil
	}

	if g.g.HasEdgeFromTo(dep.id, dependent.id) {
		return nil
	}
	g.g.SetEdge(g.g.NewEdge(dep, dependent))
	if cycle, hasCycle := g.findCycle(); hasCycle {
		g.g.RemoveEdge(dep.id, dependent.id)
		return forgeerr.NewCycleErr(cycle)
	}
	g.computeDerivedLocked(g.cost)
	return nil
}

// applyPendingLocked re-attempts any edges that were held awaiting
// id's arrival, now that id exists as a node. A re-attempt may queue
// itself again under the other endpoint's id if that one is still
// missing.
func (g *Graph) applyPendingLocked(id string) {
	pending := g.pendingEdges[id]
	if len(pending) == 0 {
		return
	}
	delete(g.pendingEdges, id)
	for _, pe := range pending {
		_ = g.applyEdgeLocked(pe.from, pe.to)
	}
}

// Journal returns a snapshot of every discovery applied so far, in
// application order, for crash-recovery replay.
func (g *Graph) Journal() []Discovery {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Discovery, len(g.journal))
	for i, r := range g.journal {
		out[i] = r.Discovery
	}
	return out
}

// Replay re-applies a previously recorded journal to a freshly
// constructed Graph, in order. Edge discoveries already implied by the
// base target set are no-ops the second time through.
func Replay(g *Graph, records []Discovery) error {
	return g.Extend(records)
}
