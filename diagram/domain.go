// ABOUTME: Domain diagram model: the compiler's input as produced by external format parsers.
// ABOUTME: Defines DomainDiagram, DomainNode, Arrow, Handle, Person, and traversal helpers.
package diagram

import (
	"sort"

	"github.com/dipeo/dipeo/envelope"
)

// HandleDirection distinguishes input handles from output handles.
type HandleDirection string

const (
	DirectionInput  HandleDirection = "input"
	DirectionOutput HandleDirection = "output"
)

// Position is the editor placement of a node. The core carries it through
// untouched for UI projection.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// DomainNode is an untyped node as it arrives from a format parser. Data
// holds the node's raw properties; the compiler's transformation phase turns
// them into a typed ExecutableNode.
type DomainNode struct {
	ID       NodeID         `json:"id" yaml:"id"`
	Type     NodeType       `json:"type" yaml:"type"`
	Position Position       `json:"position" yaml:"position"`
	Data     map[string]any `json:"data" yaml:"data"`
}

// Arrow is a directed connection between two handles, optionally carrying a
// content type declaration, a label, and edge properties such as packing and
// transform rules.
type Arrow struct {
	ID          EdgeID               `json:"id" yaml:"id"`
	Source      HandleID             `json:"source" yaml:"source"`
	Target      HandleID             `json:"target" yaml:"target"`
	ContentType envelope.ContentType `json:"content_type,omitempty" yaml:"content_type,omitempty"`
	Label       string               `json:"label,omitempty" yaml:"label,omitempty"`
	Data        map[string]any       `json:"data,omitempty" yaml:"data,omitempty"`
}

// Handle is a named attachment point on a node. Its label is the variable
// name by which arriving envelopes are bound in the input resolver.
type Handle struct {
	ID        HandleID             `json:"id" yaml:"id"`
	NodeID    NodeID               `json:"node_id" yaml:"node_id"`
	Label     HandleLabel          `json:"label" yaml:"label"`
	Direction HandleDirection      `json:"direction" yaml:"direction"`
	DataType  envelope.ContentType `json:"data_type,omitempty" yaml:"data_type,omitempty"`
}

// LLMConfig holds a persona's model configuration. Provider-specific
// credentials live outside the core.
type LLMConfig struct {
	Service      string   `json:"service" yaml:"service"`
	Model        string   `json:"model" yaml:"model"`
	APIKeyID     string   `json:"api_key_id,omitempty" yaml:"api_key_id,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
}

// Person is a configured LLM persona shared by PersonJob nodes.
type Person struct {
	ID        PersonID  `json:"id" yaml:"id"`
	Label     string    `json:"label" yaml:"label"`
	LLMConfig LLMConfig `json:"llm_config" yaml:"llm_config"`
}

// DomainDiagram is the compiler's input: the parsed but untyped form of a
// visual workflow. Invariants (at least one start, one endpoint, resolvable
// handle references, unique IDs) are enforced by the compiler's validation
// phase rather than on construction.
type DomainDiagram struct {
	ID      string                `json:"id,omitempty" yaml:"id,omitempty"`
	Nodes   map[NodeID]DomainNode `json:"nodes" yaml:"nodes"`
	Arrows  []Arrow               `json:"arrows" yaml:"arrows"`
	Handles map[HandleID]Handle   `json:"handles" yaml:"handles"`
	Persons map[PersonID]Person   `json:"persons,omitempty" yaml:"persons,omitempty"`
}

// NodeIDs returns all node IDs in sorted order for deterministic output.
func (d *DomainDiagram) NodeIDs() []NodeID {
	ids := make([]NodeID, 0, len(d.Nodes))
	for id := range d.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NodesOfType returns the IDs of all nodes with the given type, sorted.
func (d *DomainDiagram) NodesOfType(nt NodeType) []NodeID {
	var ids []NodeID
	for id, n := range d.Nodes {
		if n.Type == nt {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// HandlesOf returns all handles attached to the given node, sorted by ID.
func (d *DomainDiagram) HandlesOf(nodeID NodeID) []Handle {
	var hs []Handle
	for _, h := range d.Handles {
		if h.NodeID == nodeID {
			hs = append(hs, h)
		}
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i].ID < hs[j].ID })
	return hs
}
