// ABOUTME: Phase 1 structural validation: pluggable rules checking IDs, types, boundaries, and handle references.
// ABOUTME: Modelled as a fixed rule list; each rule reports findings attributed to the validation phase.
package compile

import (
	"fmt"

	"github.com/dipeo/dipeo/diagram"
)

// rule is one structural validation check run over the domain diagram.
type rule interface {
	Name() string
	Apply(p *pass)
}

func builtinRules() []rule {
	return []rule{
		&uniqueIDsRule{},
		&nodeTypeKnownRule{},
		&boundaryNodesRule{},
		&handleRefsRule{},
		&cardinalityRule{},
	}
}

// validate runs all structural rules in order. Later phases assume the
// invariants these rules establish.
func validate(p *pass) {
	for _, r := range builtinRules() {
		r.Apply(p)
	}
}

// uniqueIDsRule rejects duplicate arrow IDs and handles whose map key
// disagrees with their declared ID.
type uniqueIDsRule struct{}

func (r *uniqueIDsRule) Name() string { return "unique_ids" }

func (r *uniqueIDsRule) Apply(p *pass) {
	seen := make(map[diagram.EdgeID]bool)
	for _, a := range p.domain.Arrows {
		if a.ID == "" {
			p.errorf(PhaseValidation, "", "", "arrow %s -> %s has no ID", a.Source, a.Target)
			continue
		}
		if seen[a.ID] {
			p.errorf(PhaseValidation, "", a.ID, "duplicate arrow ID")
		}
		seen[a.ID] = true
	}
	for key, h := range p.domain.Handles {
		if key != h.ID {
			p.errorf(PhaseValidation, h.NodeID, "", "handle map key %q disagrees with handle ID %q", key, h.ID)
		}
		if _, ok := p.domain.Nodes[h.NodeID]; !ok {
			p.errorf(PhaseValidation, h.NodeID, "", "handle %s references unknown node", h.ID)
		}
	}
}

// nodeTypeKnownRule rejects nodes whose type has no handler specification.
type nodeTypeKnownRule struct{}

func (r *nodeTypeKnownRule) Name() string { return "node_type_known" }

func (r *nodeTypeKnownRule) Apply(p *pass) {
	for _, id := range p.domain.NodeIDs() {
		n := p.domain.Nodes[id]
		if !n.Type.Valid() {
			p.errorf(PhaseValidation, id, "", "unknown node type %q", n.Type)
		}
	}
}

// boundaryNodesRule requires at least one start and one endpoint node.
type boundaryNodesRule struct{}

func (r *boundaryNodesRule) Name() string { return "boundary_nodes" }

func (r *boundaryNodesRule) Apply(p *pass) {
	if len(p.domain.NodesOfType(diagram.NodeTypeStart)) == 0 {
		p.errorf(PhaseValidation, "", "", "diagram has no start node")
	}
	if len(p.domain.NodesOfType(diagram.NodeTypeEndpoint)) == 0 {
		p.errorf(PhaseValidation, "", "", "diagram has no endpoint node")
	}
}

// handleRefsRule verifies that every arrow endpoint resolves to an existing
// handle with the expected direction.
type handleRefsRule struct{}

func (r *handleRefsRule) Name() string { return "handle_refs" }

func (r *handleRefsRule) Apply(p *pass) {
	for _, a := range p.domain.Arrows {
		r.checkEndpoint(p, a, a.Source, diagram.DirectionOutput)
		r.checkEndpoint(p, a, a.Target, diagram.DirectionInput)
	}
}

func (r *handleRefsRule) checkEndpoint(p *pass, a diagram.Arrow, ref diagram.HandleID, want diagram.HandleDirection) {
	h, ok := p.domain.Handles[ref]
	if !ok {
		// Canonical handle IDs are also accepted without an explicit Handle
		// entry, as long as they parse and point at a real node.
		node, _, dir, err := diagram.ParseHandleID(ref)
		if err != nil {
			p.errorf(PhaseValidation, "", a.ID, "unresolvable handle reference %q", ref)
			return
		}
		if _, exists := p.domain.Nodes[node]; !exists {
			p.errorf(PhaseValidation, node, a.ID, "handle %q references unknown node", ref)
			return
		}
		if dir != want {
			p.errorf(PhaseValidation, node, a.ID, "handle %q has direction %s, want %s", ref, dir, want)
		}
		return
	}
	if h.Direction != want {
		p.errorf(PhaseValidation, h.NodeID, a.ID, "handle %q has direction %s, want %s", ref, h.Direction, want)
	}
}

// cardinalityRule enforces per-type connection rules from HandleSpecs:
// allowed labels, boundary constraints (start has no inputs, endpoint no
// outputs), and the condition node's two-branch output surface.
type cardinalityRule struct{}

func (r *cardinalityRule) Name() string { return "cardinality" }

func (r *cardinalityRule) Apply(p *pass) {
	incoming := make(map[diagram.NodeID]int)
	outgoing := make(map[diagram.NodeID]int)
	condLabels := make(map[diagram.NodeID]map[diagram.HandleLabel]bool)

	for _, a := range p.domain.Arrows {
		srcNode, srcLabel, _, err := parseEndpoint(p, a.Source)
		if err != nil {
			continue // handleRefsRule reported it
		}
		dstNode, dstLabel, _, err := parseEndpoint(p, a.Target)
		if err != nil {
			continue
		}
		outgoing[srcNode]++
		incoming[dstNode]++

		if src, ok := p.domain.Nodes[srcNode]; ok && src.Type.Valid() {
			spec := diagram.HandleSpecs[src.Type]
			if len(spec.Outputs) == 0 {
				p.errorf(PhaseValidation, srcNode, a.ID, "%s node cannot have outgoing arrows", src.Type)
			} else if _, ok := spec.OutputPort(srcLabel); !ok {
				p.errorf(PhaseValidation, srcNode, a.ID, "%s node has no output port %q", src.Type, srcLabel)
			}
			if src.Type == diagram.NodeTypeCondition {
				if condLabels[srcNode] == nil {
					condLabels[srcNode] = make(map[diagram.HandleLabel]bool)
				}
				condLabels[srcNode][srcLabel] = true
			}
		}
		if dst, ok := p.domain.Nodes[dstNode]; ok && dst.Type.Valid() {
			spec := diagram.HandleSpecs[dst.Type]
			if len(spec.Inputs) == 0 {
				p.errorf(PhaseValidation, dstNode, a.ID, "%s node cannot have incoming arrows", dst.Type)
			} else if _, ok := spec.InputPort(dstLabel); !ok {
				if dstLabel == diagram.LabelDefault && spec.SingleUnnamedInput() {
					continue
				}
				p.errorf(PhaseValidation, dstNode, a.ID, "%s node has no input port %q", dst.Type, dstLabel)
			}
		}
	}

	for _, id := range p.domain.NodesOfType(diagram.NodeTypeCondition) {
		labels := condLabels[id]
		if !labels[diagram.LabelCondTrue] || !labels[diagram.LabelCondFalse] {
			p.errorf(PhaseValidation, id, "", "condition node must connect both condtrue and condfalse outputs")
		}
	}
	for _, id := range p.domain.NodeIDs() {
		n := p.domain.Nodes[id]
		if !n.Type.Valid() {
			continue
		}
		spec := diagram.HandleSpecs[n.Type]
		if spec.MaxIncoming > 0 && incoming[id] > spec.MaxIncoming {
			p.errorf(PhaseValidation, id, "", "node has %d incoming arrows, max %d", incoming[id], spec.MaxIncoming)
		}
		if spec.MaxOutgoing > 0 && outgoing[id] > spec.MaxOutgoing {
			p.errorf(PhaseValidation, id, "", "node has %d outgoing arrows, max %d", outgoing[id], spec.MaxOutgoing)
		}
	}
}

// parseEndpoint resolves an arrow endpoint to (node, label, direction),
// preferring an explicit Handle entry over parsing the canonical ID.
func parseEndpoint(p *pass, ref diagram.HandleID) (diagram.NodeID, diagram.HandleLabel, diagram.HandleDirection, error) {
	if h, ok := p.domain.Handles[ref]; ok {
		return h.NodeID, h.Label, h.Direction, nil
	}
	node, label, dir, err := diagram.ParseHandleID(ref)
	if err != nil {
		return "", "", "", fmt.Errorf("unresolvable handle %q: %w", ref, err)
	}
	if _, ok := p.domain.Nodes[node]; !ok {
		return "", "", "", fmt.Errorf("handle %q references unknown node", ref)
	}
	return node, label, dir, nil
}
