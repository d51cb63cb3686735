package scheduler

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"

	"github.com/aristath/agentpipe/internal/pipeline"
)

// DAG is the dependency graph over agent IDs. It is immutable once built.
type DAG struct {
	agents     map[int]AgentConfig
	ids        []int         // ascending
	dependents map[int][]int // agentID -> agents that depend on it
}

// NewDAG indexes agents by ID. Returns INVALID_AGENT_CONFIG on duplicate IDs.
func NewDAG(agents []AgentConfig) (*DAG, error) {
	d := &DAG{
		agents:     make(map[int]AgentConfig, len(agents)),
		dependents: make(map[int][]int),
	}

	for _, a := range agents {
		if _, exists := d.agents[a.ID]; exists {
			return nil, pipeline.NewConfigError(pipeline.CodeInvalidAgentConfig, "duplicate agent id %d", a.ID)
		}
		d.agents[a.ID] = cloneAgent(a)
		d.ids = append(d.ids, a.ID)

		for _, depID := range a.Dependencies {
			d.dependents[depID] = append(d.dependents[depID], a.ID)
		}
	}
	sort.Ints(d.ids)

	return d, nil
}

// Validate checks that every dependency exists and that the graph is acyclic.
// A cycle is reported with its participants as CIRCULAR_DEPENDENCY.
func (d *DAG) Validate() error {
	for _, id := range d.ids {
		for _, depID := range d.agents[id].Dependencies {
			if _, exists := d.agents[depID]; !exists {
				return pipeline.NewConfigError(pipeline.CodeInvalidAgentConfig,
					"agent %d depends on non-existent agent %d", id, depID)
			}
		}
	}

	if _, err := toposort.Toposort(d.edges()); err != nil {
		// The sort only knows that a cycle exists; the DFS names it.
		if cycle := d.findCycle(); cycle != nil {
			return pipeline.NewConfigError(pipeline.CodeCircularDependency,
				"dependency cycle %s", formatCycle(cycle))
		}
		return pipeline.NewConfigError(pipeline.CodeCircularDependency, "dependency graph contains a cycle: %v", err)
	}

	return nil
}

// edges lists every agent as a vertex plus one edge per distinct dependency.
// Edge (depID, id) means depID must come before id.
func (d *DAG) edges() []toposort.Edge {
	edges := make([]toposort.Edge, 0, len(d.ids))
	for _, id := range d.ids {
		edges = append(edges, toposort.Edge{nil, id})
		for _, depID := range uniqueInts(d.agents[id].Dependencies) {
			edges = append(edges, toposort.Edge{depID, id})
		}
	}
	return edges
}

// findCycle runs a depth-first traversal over dependency edges with a
// recursion-stack set and returns the path closed by the first back-edge.
func (d *DAG) findCycle() []int {
	visited := make(map[int]bool, len(d.ids))
	onStack := make(map[int]bool)
	var stack []int

	var visit func(id int) []int
	visit = func(id int) []int {
		visited[id] = true
		onStack[id] = true
		stack = append(stack, id)

		for _, depID := range d.agents[id].Dependencies {
			if onStack[depID] {
				start := 0
				for i, v := range stack {
					if v == depID {
						start = i
						break
					}
				}
				cycle := append([]int(nil), stack[start:]...)
				return append(cycle, depID)
			}
			if !visited[depID] {
				if c := visit(depID); c != nil {
					return c
				}
			}
		}

		onStack[id] = false
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, id := range d.ids {
		if !visited[id] {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

func formatCycle(cycle []int) string {
	parts := make([]string, len(cycle))
	for i, id := range cycle {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, " -> ")
}

// Order returns a topological order of all agents. Among agents whose
// dependencies are all satisfied, the lowest ID goes first. Must only be
// called on a validated DAG.
func (d *DAG) Order() []int {
	remaining := make(map[int]int, len(d.ids))
	ready := &intHeap{}
	for _, id := range d.ids {
		remaining[id] = len(uniqueInts(d.agents[id].Dependencies))
		if remaining[id] == 0 {
			heap.Push(ready, id)
		}
	}

	order := make([]int, 0, len(d.ids))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(int)
		order = append(order, id)
		for _, child := range uniqueInts(d.dependents[id]) {
			remaining[child]--
			if remaining[child] == 0 {
				heap.Push(ready, child)
			}
		}
	}
	return order
}

// Get returns the agent config for id.
func (d *DAG) Get(id int) (AgentConfig, bool) {
	a, ok := d.agents[id]
	if !ok {
		return AgentConfig{}, false
	}
	return cloneAgent(a), true
}

// Dependents returns the IDs of agents that directly depend on id.
func (d *DAG) Dependents(id int) []int {
	return append([]int(nil), d.dependents[id]...)
}

// Len returns the number of agents.
func (d *DAG) Len() int {
	return len(d.ids)
}

func uniqueInts(in []int) []int {
	if len(in) < 2 {
		return in
	}
	seen := make(map[int]bool, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

type intHeap []int

func (h intHeap) Len() int           { return len(h) }
func (h intHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
