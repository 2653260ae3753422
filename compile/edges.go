// ABOUTME: Phase 4 edge building: content-type propagation, coercion checks, packing, and transform rules.
// ABOUTME: Coercion policy: object->raw_text serializes by default; raw_text->object only with a declared parse rule.
package compile

import (
	"encoding/json"

	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/envelope"
)

// buildEdges runs phase 4: each resolved connection becomes an
// ExecutableEdge or an error.
func buildEdges(p *pass) {
	for _, c := range p.conns {
		edge := p.buildEdge(c)
		if edge != nil {
			p.edges = append(p.edges, edge)
		}
	}
}

func (p *pass) buildEdge(c connection) *diagram.ExecutableEdge {
	srcType := p.nodes[c.sourceNode].NodeType()
	dstType := p.nodes[c.targetNode].NodeType()
	srcSpec := diagram.HandleSpecs[srcType]
	dstSpec := diagram.HandleSpecs[dstType]

	srcPort, ok := srcSpec.OutputPort(c.sourceLabel)
	if !ok {
		p.errorf(PhaseEdges, c.sourceNode, c.arrow.ID, "%s node has no output port %q", srcType, c.sourceLabel)
		return nil
	}
	dstPort, ok := dstSpec.InputPort(c.targetLabel)
	if !ok {
		p.errorf(PhaseEdges, c.targetNode, c.arrow.ID, "%s node has no input port %q", dstType, c.targetLabel)
		return nil
	}

	transforms, ok := p.parseTransforms(c)
	if !ok {
		return nil
	}

	ct := p.propagateContentType(c, srcPort)

	packing := diagram.PackingPack
	if c.arrow.Data != nil {
		if v, present := c.arrow.Data["packing"]; present {
			s, isStr := v.(string)
			if !isStr || (diagram.Packing(s) != diagram.PackingPack && diagram.Packing(s) != diagram.PackingSpread) {
				p.errorf(PhaseEdges, "", c.arrow.ID, "invalid packing %v", v)
				return nil
			}
			packing = diagram.Packing(s)
		}
	}
	if packing == diagram.PackingSpread {
		// Spread requires the producer to be able to emit an object body.
		if !srcPort.Accepts(envelope.ContentObject) {
			p.errorf(PhaseEdges, c.sourceNode, c.arrow.ID, "spread packing requires an object-producing port")
			return nil
		}
		if ct != "" && ct != envelope.ContentObject {
			p.errorf(PhaseEdges, "", c.arrow.ID, "spread packing requires content_type object, got %s", ct)
			return nil
		}
	}

	if ct != "" && !dstPort.Accepts(ct) {
		coerced, coercion := p.coerce(c, ct, dstPort, transforms)
		if coercion == nil {
			p.errorf(PhaseEdges, c.targetNode, c.arrow.ID,
				"content type %s is not accepted by %s input %q and no coercion applies", ct, dstType, c.targetLabel)
			return nil
		}
		ct = coerced
		transforms = coercion
	}

	return &diagram.ExecutableEdge{
		ID:          c.arrow.ID,
		SourceNode:  c.sourceNode,
		SourceLabel: c.sourceLabel,
		TargetNode:  c.targetNode,
		TargetLabel: c.targetLabel,
		ContentType: ct,
		Kind:        c.kind,
		Packing:     packing,
		Transforms:  transforms,
		Label:       c.arrow.Label,
	}
}

// propagateContentType picks the edge's content type: explicit arrow
// declaration first, then the source handle's data type, then the producing
// port's sole declared type. Empty means any.
func (p *pass) propagateContentType(c connection, srcPort diagram.PortSpec) envelope.ContentType {
	if c.arrow.ContentType != "" {
		return c.arrow.ContentType
	}
	if h, ok := p.domain.Handles[c.arrow.Source]; ok && h.DataType != "" {
		return h.DataType
	}
	if len(srcPort.ContentTypes) == 1 {
		return srcPort.ContentTypes[0]
	}
	return ""
}

// coerce applies the default coercion policy when the consumer rejects the
// edge's content type. Returns the resulting type and the transform chain,
// or ("", nil) when no coercion is allowed.
func (p *pass) coerce(c connection, ct envelope.ContentType, dstPort diagram.PortSpec, transforms []diagram.TransformRule) (envelope.ContentType, []diagram.TransformRule) {
	switch {
	case ct == envelope.ContentObject && dstPort.Accepts(envelope.ContentRawText):
		// object -> raw_text is always allowed: JSON-serialize.
		return envelope.ContentRawText, append(transforms, diagram.TransformRule{Op: diagram.TransformSerialize})
	case ct == envelope.ContentRawText && dstPort.Accepts(envelope.ContentObject):
		// raw_text -> object only when the edge declares the parse itself.
		for _, t := range transforms {
			if t.Op == diagram.TransformParse {
				return envelope.ContentObject, transforms
			}
		}
		return "", nil
	default:
		return "", nil
	}
}

// parseTransforms decodes the arrow's declared transform_rules list.
func (p *pass) parseTransforms(c connection) ([]diagram.TransformRule, bool) {
	if c.arrow.Data == nil {
		return nil, true
	}
	raw, present := c.arrow.Data["transform_rules"]
	if !present {
		return nil, true
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		p.errorf(PhaseEdges, "", c.arrow.ID, "transform_rules are not serializable: %v", err)
		return nil, false
	}
	var rules []diagram.TransformRule
	if err := json.Unmarshal(buf, &rules); err != nil {
		p.errorf(PhaseEdges, "", c.arrow.ID, "malformed transform_rules: %v", err)
		return nil, false
	}
	for _, r := range rules {
		switch r.Op {
		case diagram.TransformExtract, diagram.TransformWrap, diagram.TransformMap,
			diagram.TransformTemplate, diagram.TransformSerialize, diagram.TransformParse:
		default:
			p.errorf(PhaseEdges, "", c.arrow.ID, "unknown transform op %q", r.Op)
			return nil, false
		}
	}
	return rules, true
}
