// ABOUTME: Executable diagram model: the compiler's frozen output consumed by the engine.
// ABOUTME: Defines ExecutableEdge, transform/packing rules, the dependency index, and ExecutableDiagram.
package diagram

import (
	"sort"

	"github.com/dipeo/dipeo/envelope"
)

// EdgeKind classifies a resolved connection.
type EdgeKind string

const (
	EdgeData           EdgeKind = "data"
	EdgeConditionTrue  EdgeKind = "condition_true"
	EdgeConditionFalse EdgeKind = "condition_false"
	EdgeLoopback       EdgeKind = "loopback"
)

// Packing selects how a resolved input value binds into the node's input
// namespace: under the target label (pack) or shallow-merged (spread).
type Packing string

const (
	PackingPack   Packing = "pack"
	PackingSpread Packing = "spread"
)

// TransformOp enumerates the per-edge transform rules.
type TransformOp string

const (
	TransformExtract   TransformOp = "extract"
	TransformWrap      TransformOp = "wrap"
	TransformMap       TransformOp = "map"
	TransformTemplate  TransformOp = "template"
	TransformSerialize TransformOp = "serialize_json"
	TransformParse     TransformOp = "parse_json"
)

// TransformRule is one declared coercion step on an edge, applied in order
// by the input resolver. Only these rules may change a value's shape; the
// runtime never rewrites envelope bodies on its own.
type TransformRule struct {
	Op      TransformOp       `json:"op" yaml:"op"`
	Field   string            `json:"field,omitempty" yaml:"field,omitempty"`     // extract
	Key     string            `json:"key,omitempty" yaml:"key,omitempty"`         // wrap
	Mapping map[string]string `json:"mapping,omitempty" yaml:"mapping,omitempty"` // map
	Format  string            `json:"format,omitempty" yaml:"format,omitempty"`   // template
}

// ExecutableEdge is a fully resolved connection between two node ports.
type ExecutableEdge struct {
	ID          EdgeID
	SourceNode  NodeID
	SourceLabel HandleLabel
	TargetNode  NodeID
	TargetLabel HandleLabel
	ContentType envelope.ContentType
	Kind        EdgeKind
	Packing     Packing
	Transforms  []TransformRule
	Label       string
}

// DependencyIndex holds the per-node edge sets and ordering hints computed
// by the compiler's optimization phase. All graph traversal at runtime goes
// through this index; nodes and edges hold no back-references.
type DependencyIndex struct {
	Incoming map[NodeID][]*ExecutableEdge
	Outgoing map[NodeID][]*ExecutableEdge
	// TopoHint assigns each node a rank in a topological ordering of the
	// acyclic condensation of the graph. The scheduler uses it to break
	// ties among simultaneously ready nodes.
	TopoHint map[NodeID]int
	// Cycles records every loop subgraph found, as node sets.
	Cycles [][]NodeID
}

// ExecutableDiagram is the frozen, validated output of compilation.
// It is immutable after assembly; the engine only reads it.
type ExecutableDiagram struct {
	ID         string
	Nodes      map[NodeID]ExecutableNode
	Edges      []*ExecutableEdge
	Deps       *DependencyIndex
	StartNodes []NodeID
	Persons    map[PersonID]Person
}

// Node returns the typed node with the given ID, or nil.
func (d *ExecutableDiagram) Node(id NodeID) ExecutableNode {
	return d.Nodes[id]
}

// IncomingEdges returns the edges terminating at the given node.
func (d *ExecutableDiagram) IncomingEdges(id NodeID) []*ExecutableEdge {
	return d.Deps.Incoming[id]
}

// OutgoingEdges returns the edges originating from the given node.
func (d *ExecutableDiagram) OutgoingEdges(id NodeID) []*ExecutableEdge {
	return d.Deps.Outgoing[id]
}

// OutgoingFrom returns the outgoing edges whose source label matches.
func (d *ExecutableDiagram) OutgoingFrom(id NodeID, label HandleLabel) []*ExecutableEdge {
	var result []*ExecutableEdge
	for _, e := range d.Deps.Outgoing[id] {
		if e.SourceLabel == label {
			result = append(result, e)
		}
	}
	return result
}

// Edge returns the edge with the given ID, or nil.
func (d *ExecutableDiagram) Edge(id EdgeID) *ExecutableEdge {
	for _, e := range d.Edges {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// NodeIDs returns all node IDs sorted for deterministic iteration.
func (d *ExecutableDiagram) NodeIDs() []NodeID {
	ids := make([]NodeID, 0, len(d.Nodes))
	for id := range d.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NodesOfType returns the IDs of nodes with the given type, sorted.
func (d *ExecutableDiagram) NodesOfType(nt NodeType) []NodeID {
	var ids []NodeID
	for id, n := range d.Nodes {
		if n.NodeType() == nt {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// InCycle reports whether the node participates in any recorded loop
// subgraph.
func (d *ExecutableDiagram) InCycle(id NodeID) bool {
	for _, cycle := range d.Deps.Cycles {
		for _, n := range cycle {
			if n == id {
				return true
			}
		}
	}
	return false
}
