// Package graph implements the build graph: a DAG of build nodes with
// topological readiness tracking and runtime mutation for
// dynamically-discovered dependencies, backed by gonum's directed
// graph and topological sort, the same combination the teacher's
// batch scheduler uses to order and validate a package graph.
package graph

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/forgebuild/forge/internal/forgeerr"
)

// Status is a BuildNode's position in the forward-only status
// lattice: Pending → Ready → Running → {Success | Failed | Skipped | Cached}.
type Status int

const (
	Pending Status = iota
	Ready
	Running
	Success
	Failed
	Skipped
	Cached
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Success:
		return "Success"
	case Failed:
		return "Failed"
	case Skipped:
		return "Skipped"
	case Cached:
		return "Cached"
	default:
		return "Unknown"
	}
}

// Terminal reports whether s is one of the four states a node never
// leaves once entered.
func (s Status) Terminal() bool {
	switch s {
	case Success, Failed, Skipped, Cached:
		return true
	default:
		return false
	}
}

// SuccessEquivalent reports whether s counts as satisfying a
// dependent's readiness requirement.
func (s Status) SuccessEquivalent() bool {
	return s == Success || s == Cached || s == Skipped
}

// Target is the minimal declarative input the graph needs: a stable
// id and its ordered dependency list. Everything else about a target
// (sources, flags, language) lives above this package.
type Target struct {
	ID   string
	Deps []string
}

// Node is the scheduler's view of a Target.
type Node struct {
	id       int64 // gonum node id
	TargetID string
	Status   Status
	Seq      uint64 // monotonic tiebreak, assigned at construction

	Depth            int
	CriticalPathCost float64
	ExtraInputs      []string // appended by DiscoveredInputs discoveries
}

// ID implements gonum/graph.Node.
func (n *Node) ID() int64 { return n.id }

// CostFunc estimates a node's own execution cost for critical-path
// computation. The default (nil) assigns every node a uniform cost of 1.
type CostFunc func(targetID string) float64

// Graph is a DAG of Nodes. All mutation goes through a single write
// lock; queries take a read lock.
type Graph struct {
	mu        sync.RWMutex
	g         *simple.DirectedGraph
	byID      map[string]*Node
	byGonumID map[int64]*Node
	nextID    int64
	nextSeq   uint64

	pendingEdges map[string][]pendingEdge // missing node id -> edges awaiting its arrival

	cost CostFunc // preserved from construction so Extend's recompute doesn't fall back to uniform cost

	journal     []journalRecord // in-memory replay log
	journalFile *os.File        // on-disk append-only mirror of journal; nil until OpenJournal
}

type pendingEdge struct {
	from, to string
}

// New constructs an empty Graph.
func New() *Graph {
	return &Graph{
		g:            simple.NewDirectedGraph(),
		byID:         make(map[string]*Node),
		byGonumID:    make(map[int64]*Node),
		pendingEdges: make(map[string][]pendingEdge),
	}
}

// NewFromTargets builds a Graph from a flat target list, resolving
// declared dependencies to edges and detecting cycles up front.
func NewFromTargets(targets []Target, cost CostFunc) (*Graph, error) {
	g := New()
	for _, t := range targets {
		g.addNodeLocked(t.ID)
	}
	for _, t := range targets {
		for _, dep := range t.Deps {
			depNode, ok := g.byID[dep]
			if !ok {
				return nil, forgeerr.NewGraphErr("unknown dependency "+dep+" of "+t.ID, t.ID)
			}
			dependentNode := g.byID[t.ID]
			if !g.g.HasEdgeFromTo(depNode.id, dependentNode.id) {
				g.g.SetEdge(g.g.NewEdge(depNode, dependentNode))
			}
		}
	}
	if cycle, ok := g.findCycle(); ok {
		return nil, forgeerr.NewCycleErr(cycle)
	}
	g.cost = cost
	g.computeDerivedLocked(cost)
	return g, nil
}

func (g *Graph) addNodeLocked(id string) *Node {
	if n, ok := g.byID[id]; ok {
		return n
	}
	n := &Node{id: g.nextID, TargetID: id, Status: Pending, Seq: g.nextSeq}
	g.nextID++
	g.nextSeq++
	g.byID[id] = n
	g.byGonumID[n.id] = n
	g.g.AddNode(n)
	return n
}

// findCycle returns the participant ids of the first component in gonum's
// topo.Unorderable, sorted by id, exactly as the teacher's batch.Ctx.Build distinguishes
// an acyclic graph from one that needs cycle-breaking.
func (g *Graph) findCycle() ([]string, bool) {
	if _, err := topo.Sort(g.g); err != nil {
		unorderable, ok := err.(topo.Unorderable)
		if !ok || len(unorderable) == 0 {
			return nil, true // defensive: treat any non-Unorderable sort failure as "some cycle"
		}
		var ids []string
		for _, n := range unorderable[0] {
			ids = append(ids, n.(*Node).TargetID)
		}
		sort.Strings(ids)
		return ids, true
	}
	return nil, false
}

// computeDerivedLocked fills in Depth and CriticalPathCost for every
// node, given a topological order. Callers hold g.mu (or are in the
// single-threaded constructor path).
func (g *Graph) computeDerivedLocked(cost CostFunc) {
	if cost == nil {
		cost = func(string) float64 { return 1 }
	}
	order, err := topo.Sort(g.g)
	if err != nil {
		return // cyclic; caller already rejected construction
	}
	for _, gn := range order {
		n := gn.(*Node)
		depth := 0
		to := g.g.To(n.id)
		for to.Next() {
			dep := to.Node().(*Node)
			if dep.Depth+1 > depth {
				depth = dep.Depth + 1
			}
		}
		n.Depth = depth
	}
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i].(*Node)
		best := 0.0
		from := g.g.From(n.id)
		for from.Next() {
			dependent := from.Node().(*Node)
			if dependent.CriticalPathCost > best {
				best = dependent.CriticalPathCost
			}
		}
		n.CriticalPathCost = cost(n.TargetID) + best
	}
}

// Dependents returns the ids of nodes that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.byID[id]
	if !ok {
		return nil
	}
	var out []string
	from := g.g.From(n.id)
	for from.Next() {
		out = append(out, from.Node().(*Node).TargetID)
	}
	sort.Strings(out)
	return out
}

// DependentsCount is the number of direct dependents of id, used as a
// PriorityTask input.
func (g *Graph) DependentsCount(id string) int {
	return len(g.Dependents(id))
}

// Dependencies returns the ids id directly depends on.
func (g *Graph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.byID[id]
	if !ok {
		return nil
	}
	var out []string
	to := g.g.To(n.id)
	for to.Next() {
		out = append(out, to.Node().(*Node).TargetID)
	}
	sort.Strings(out)
	return out
}

// Get returns a copy of the node's current snapshot.
func (g *Graph) Get(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.byID[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// isReadyLocked reports whether every dependency of n is in a
// success-equivalent terminal state.
func (g *Graph) isReadyLocked(n *Node) bool {
	to := g.g.To(n.id)
	for to.Next() {
		dep := to.Node().(*Node)
		if !dep.Status.SuccessEquivalent() {
			return false
		}
	}
	return true
}

// ReadyNodes returns the ids of every node currently eligible to run:
// status Pending and all dependencies success-equivalent.
func (g *Graph) ReadyNodes() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for id, n := range g.byID {
		if n.Status == Pending && g.isReadyLocked(n) {
			n.Status = Ready
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// MarkStatus transitions id to status. Transitioning to a terminal
// status atomically re-scans direct dependents and returns the ids of
// any that newly became Ready. Transitions out of a terminal status
// are rejected.
func (g *Graph) MarkStatus(id string, status Status) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.byID[id]
	if !ok {
		return nil, forgeerr.NewGraphErr("unknown node "+id, id)
	}
	if n.Status.Terminal() {
		return nil, forgeerr.NewGraphErr("node "+id+" already terminal, cannot transition to "+status.String(), id)
	}
	n.Status = status
	if !status.Terminal() {
		return nil, nil
	}
	var newlyReady []string
	from := g.g.From(n.id)
	for from.Next() {
		dependent := from.Node().(*Node)
		if dependent.Status == Pending && g.isReadyLocked(dependent) {
			dependent.Status = Ready
			newlyReady = append(newlyReady, dependent.TargetID)
		}
	}
	sort.Strings(newlyReady)
	return newlyReady, nil
}

// CancelDescendants marks the entire downstream subgraph of id
// Skipped, without invoking drivers. Already-terminal descendants are
// left untouched.
func (g *Graph) CancelDescendants(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.byID[id]
	if !ok {
		return nil
	}
	var skipped []string
	queue := []int64{n.id}
	seen := map[int64]bool{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		from := g.g.From(cur)
		for from.Next() {
			dependent := from.Node().(*Node)
			if seen[dependent.id] {
				continue
			}
			seen[dependent.id] = true
			if !dependent.Status.Terminal() {
				dependent.Status = Skipped
				skipped = append(skipped, dependent.TargetID)
			}
			queue = append(queue, dependent.id)
		}
	}
	sort.Strings(skipped)
	return skipped
}

func (g *Graph) String() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return fmt.Sprintf("graph{nodes=%d}", len(g.byID))
}

var _ graph.Directed = (*simple.DirectedGraph)(nil) // document the backing type's interface
