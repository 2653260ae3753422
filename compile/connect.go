// ABOUTME: Phase 3 connection resolution: arrow endpoints become (node, label, direction) triples.
// ABOUTME: Labels are checked against HandleSpecs; condition branches are classified here.
package compile

import (
	"github.com/dipeo/dipeo/diagram"
)

// connection is a resolved arrow, ready for edge building.
type connection struct {
	arrow       diagram.Arrow
	sourceNode  diagram.NodeID
	sourceLabel diagram.HandleLabel
	targetNode  diagram.NodeID
	targetLabel diagram.HandleLabel
	kind        diagram.EdgeKind
}

// resolveConnections runs phase 3 over every arrow, in declaration order so
// that compilation stays deterministic.
func resolveConnections(p *pass) {
	for _, a := range p.domain.Arrows {
		srcNode, srcLabel, _, err := parseEndpoint(p, a.Source)
		if err != nil {
			p.errorf(PhaseConnections, "", a.ID, "%v", err)
			continue
		}
		dstNode, dstLabel, _, err := parseEndpoint(p, a.Target)
		if err != nil {
			p.errorf(PhaseConnections, "", a.ID, "%v", err)
			continue
		}

		// Unlabelled targets bind to the single unnamed input when the node
		// type declares one; otherwise labels are mandatory.
		if dstLabel == "" {
			spec := diagram.HandleSpecs[p.nodes[dstNode].NodeType()]
			if !spec.SingleUnnamedInput() {
				p.errorf(PhaseConnections, dstNode, a.ID, "unlabelled edge targets a node with multiple input ports; a label is required")
				continue
			}
			dstLabel = diagram.LabelDefault
		}
		if srcLabel == "" {
			srcLabel = diagram.LabelDefault
		}

		kind := diagram.EdgeData
		switch srcLabel {
		case diagram.LabelCondTrue:
			kind = diagram.EdgeConditionTrue
		case diagram.LabelCondFalse:
			kind = diagram.EdgeConditionFalse
		}

		p.conns = append(p.conns, connection{
			arrow:       a,
			sourceNode:  srcNode,
			sourceLabel: srcLabel,
			targetNode:  dstNode,
			targetLabel: dstLabel,
			kind:        kind,
		})
	}
}
