// ABOUTME: Phase 5 optimization: dependency index, SCC cycle detection, loopback marking, topo hints.
// ABOUTME: Every cycle must contain a condition with a branch leaving the cycle; anything else is rejected.
package compile

import (
	"sort"

	"github.com/dipeo/dipeo/diagram"
)

// optimize runs phase 5: builds the dependency index, finds strongly
// connected components, validates that each cycle has a condition exit,
// marks in-cycle condition branches as loopback edges, and assigns a
// topological rank over the acyclic condensation.
func optimize(p *pass) {
	deps := &diagram.DependencyIndex{
		Incoming: make(map[diagram.NodeID][]*diagram.ExecutableEdge),
		Outgoing: make(map[diagram.NodeID][]*diagram.ExecutableEdge),
		TopoHint: make(map[diagram.NodeID]int),
	}
	for _, e := range p.edges {
		deps.Outgoing[e.SourceNode] = append(deps.Outgoing[e.SourceNode], e)
		deps.Incoming[e.TargetNode] = append(deps.Incoming[e.TargetNode], e)
	}
	p.deps = deps

	order := sortedNodeIDs(p.nodes)
	components := tarjan(order, deps.Outgoing)

	sccOf := make(map[diagram.NodeID]int)
	for i, comp := range components {
		for _, id := range comp {
			sccOf[id] = i
		}
	}

	for i, comp := range components {
		if !isCycle(comp, deps.Outgoing) {
			continue
		}
		cycle := append([]diagram.NodeID(nil), comp...)
		sort.Slice(cycle, func(a, b int) bool { return cycle[a] < cycle[b] })
		deps.Cycles = append(deps.Cycles, cycle)

		if !cycleHasExit(p, comp, sccOf, i) {
			p.errorf(PhaseOptimization, comp[0], "",
				"cycle %v has no condition branch leaving the cycle", cycle)
			continue
		}
		markLoopbacks(p, sccOf, i)
	}
	if len(p.errors) > 0 {
		return
	}

	assignTopoHints(p, components, sccOf)
}

func sortedNodeIDs(nodes map[diagram.NodeID]diagram.ExecutableNode) []diagram.NodeID {
	ids := make([]diagram.NodeID, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// isCycle reports whether an SCC is a loop: more than one node, or one node
// with a self edge.
func isCycle(comp []diagram.NodeID, outgoing map[diagram.NodeID][]*diagram.ExecutableEdge) bool {
	if len(comp) > 1 {
		return true
	}
	for _, e := range outgoing[comp[0]] {
		if e.TargetNode == comp[0] {
			return true
		}
	}
	return false
}

// cycleHasExit checks for a condition node inside the component with a
// branch edge targeting a node outside it. Either branch may be the exit;
// which one loops back is the diagram author's choice.
func cycleHasExit(p *pass, comp []diagram.NodeID, sccOf map[diagram.NodeID]int, scc int) bool {
	for _, id := range comp {
		if p.nodes[id].NodeType() != diagram.NodeTypeCondition {
			continue
		}
		for _, e := range p.deps.Outgoing[id] {
			if (e.Kind == diagram.EdgeConditionTrue || e.Kind == diagram.EdgeConditionFalse) &&
				sccOf[e.TargetNode] != scc {
				return true
			}
		}
	}
	return false
}

// markLoopbacks reclassifies condition branches that stay inside their
// cycle. The scheduler advances the epoch when a loopback edge fires; the
// branch label survives in SourceLabel.
func markLoopbacks(p *pass, sccOf map[diagram.NodeID]int, scc int) {
	for _, e := range p.edges {
		if sccOf[e.SourceNode] != scc || sccOf[e.TargetNode] != scc {
			continue
		}
		if e.Kind == diagram.EdgeConditionTrue || e.Kind == diagram.EdgeConditionFalse {
			e.Kind = diagram.EdgeLoopback
		}
	}
}

// assignTopoHints ranks nodes by a topological order of the SCC
// condensation. Nodes sharing a cycle share a rank.
func assignTopoHints(p *pass, components [][]diagram.NodeID, sccOf map[diagram.NodeID]int) {
	n := len(components)
	indegree := make([]int, n)
	succ := make([][]int, n)
	for _, e := range p.edges {
		a, b := sccOf[e.SourceNode], sccOf[e.TargetNode]
		if a == b {
			continue
		}
		succ[a] = append(succ[a], b)
		indegree[b]++
	}

	var queue []int
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	sort.Ints(queue)

	rank := 0
	for len(queue) > 0 {
		scc := queue[0]
		queue = queue[1:]
		for _, id := range components[scc] {
			p.deps.TopoHint[id] = rank
		}
		rank++
		var freed []int
		for _, next := range succ[scc] {
			indegree[next]--
			if indegree[next] == 0 {
				freed = append(freed, next)
			}
		}
		sort.Ints(freed)
		queue = append(queue, freed...)
	}
}

// tarjan computes strongly connected components, visiting nodes in the
// given order so output is deterministic.
func tarjan(order []diagram.NodeID, outgoing map[diagram.NodeID][]*diagram.ExecutableEdge) [][]diagram.NodeID {
	index := make(map[diagram.NodeID]int)
	lowlink := make(map[diagram.NodeID]int)
	onStack := make(map[diagram.NodeID]bool)
	var stack []diagram.NodeID
	var components [][]diagram.NodeID
	counter := 0

	var strongconnect func(v diagram.NodeID)
	strongconnect = func(v diagram.NodeID) {
		index[v] = counter
		lowlink[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, e := range outgoing[v] {
			w := e.TargetNode
			if _, visited := index[w]; !visited {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] && index[w] < lowlink[v] {
				lowlink[v] = index[w]
			}
		}

		if lowlink[v] == index[v] {
			var comp []diagram.NodeID
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			components = append(components, comp)
		}
	}

	for _, v := range order {
		if _, visited := index[v]; !visited {
			strongconnect(v)
		}
	}
	return components
}
