// ABOUTME: Handle labels, handle ID construction/parsing, and the static HandleSpecs table.
// ABOUTME: HandleSpecs declares the allowed input/output ports per node type, used by the compiler and resolver.
package diagram

import (
	"fmt"
	"strings"

	"github.com/dipeo/dipeo/envelope"
)

// HandleLabel is the name of an attachment point. Labels double as the
// variable names under which the input resolver binds arriving envelopes.
type HandleLabel string

const (
	LabelDefault   HandleLabel = "default"
	LabelFirst     HandleLabel = "first"
	LabelCondTrue  HandleLabel = "condtrue"
	LabelCondFalse HandleLabel = "condfalse"
	LabelResults   HandleLabel = "results"
	LabelError     HandleLabel = "error"
)

// MakeHandleID builds the canonical handle ID "<node>_<label>_<direction>".
func MakeHandleID(node NodeID, label HandleLabel, dir HandleDirection) HandleID {
	return HandleID(fmt.Sprintf("%s_%s_%s", node, label, dir))
}

// ParseHandleID splits a canonical handle ID into its parts. Node IDs may
// themselves contain underscores, so parsing works from the right: the final
// segment is the direction, the one before it the label.
func ParseHandleID(id HandleID) (NodeID, HandleLabel, HandleDirection, error) {
	s := string(id)
	i := strings.LastIndex(s, "_")
	if i <= 0 {
		return "", "", "", fmt.Errorf("malformed handle ID %q", id)
	}
	dir := HandleDirection(s[i+1:])
	if dir != DirectionInput && dir != DirectionOutput {
		return "", "", "", fmt.Errorf("handle ID %q has unknown direction %q", id, dir)
	}
	rest := s[:i]
	j := strings.LastIndex(rest, "_")
	if j <= 0 {
		return "", "", "", fmt.Errorf("malformed handle ID %q: missing label", id)
	}
	return NodeID(rest[:j]), HandleLabel(rest[j+1:]), dir, nil
}

// PortSpec declares one input or output port of a node type.
type PortSpec struct {
	Label HandleLabel
	// ContentTypes lists acceptable envelope content types; empty means any.
	ContentTypes []envelope.ContentType
	// Required marks input ports that must be bound (or defaulted) before
	// the node may execute.
	Required bool
	// Default, when non-nil, supplies the value bound to a required input
	// port that received no envelope.
	Default any
}

// Accepts reports whether the port admits the given content type.
func (p PortSpec) Accepts(ct envelope.ContentType) bool {
	if len(p.ContentTypes) == 0 {
		return true
	}
	for _, c := range p.ContentTypes {
		if c == ct {
			return true
		}
	}
	return false
}

// HandleSpec declares the full port surface of a node type plus its
// structural connection rules.
type HandleSpec struct {
	Inputs  []PortSpec
	Outputs []PortSpec
	// MaxIncoming bounds incoming edge count; 0 means unlimited.
	MaxIncoming int
	// MaxOutgoing bounds outgoing edge count; 0 means unlimited.
	MaxOutgoing int
}

// InputPort returns the input port spec with the given label.
func (hs HandleSpec) InputPort(label HandleLabel) (PortSpec, bool) {
	for _, p := range hs.Inputs {
		if p.Label == label {
			return p, true
		}
	}
	return PortSpec{}, false
}

// OutputPort returns the output port spec with the given label.
func (hs HandleSpec) OutputPort(label HandleLabel) (PortSpec, bool) {
	for _, p := range hs.Outputs {
		if p.Label == label {
			return p, true
		}
	}
	return PortSpec{}, false
}

// SingleUnnamedInput reports whether the node type declares exactly one
// input port labelled "default". Unlabelled edges may only target such nodes.
func (hs HandleSpec) SingleUnnamedInput() bool {
	return len(hs.Inputs) == 1 && hs.Inputs[0].Label == LabelDefault
}

var anyContent []envelope.ContentType

var (
	textOrObj = []envelope.ContentType{envelope.ContentRawText, envelope.ContentObject}
	objOnly   = []envelope.ContentType{envelope.ContentObject}
	errOnly   = []envelope.ContentType{envelope.ContentError}
)

// HandleSpecs is the static specification table: the allowed ports and
// connection cardinalities for every node type. The compiler's connection
// resolution phase verifies every edge against this table.
var HandleSpecs = map[NodeType]HandleSpec{
	NodeTypeStart: {
		Inputs:      nil,
		Outputs:     []PortSpec{{Label: LabelDefault, ContentTypes: objOnly}},
		MaxIncoming: 0,
	},
	NodeTypeEndpoint: {
		Inputs:      []PortSpec{{Label: LabelDefault, ContentTypes: anyContent, Required: true}},
		Outputs:     nil,
		MaxOutgoing: 0,
	},
	NodeTypeCondition: {
		Inputs: []PortSpec{{Label: LabelDefault, ContentTypes: anyContent, Required: true}},
		Outputs: []PortSpec{
			{Label: LabelCondTrue, ContentTypes: anyContent},
			{Label: LabelCondFalse, ContentTypes: anyContent},
		},
	},
	NodeTypePersonJob: {
		Inputs: []PortSpec{
			{Label: LabelDefault, ContentTypes: anyContent},
			{Label: LabelFirst, ContentTypes: anyContent},
		},
		Outputs: []PortSpec{{Label: LabelDefault, ContentTypes: textOrObj}},
	},
	NodeTypeCodeJob: {
		Inputs: []PortSpec{{Label: LabelDefault, ContentTypes: anyContent}},
		Outputs: []PortSpec{
			// Snippets return whatever the executor hands back: strings emit
			// raw_text, everything else object.
			{Label: LabelDefault, ContentTypes: textOrObj},
			{Label: LabelError, ContentTypes: errOnly},
		},
	},
	NodeTypeApiJob: {
		Inputs: []PortSpec{{Label: LabelDefault, ContentTypes: anyContent}},
		Outputs: []PortSpec{
			{Label: LabelDefault, ContentTypes: objOnly},
			{Label: LabelError, ContentTypes: errOnly},
		},
	},
	NodeTypeDb: {
		Inputs: []PortSpec{{Label: LabelDefault, ContentTypes: anyContent}},
		Outputs: []PortSpec{
			{Label: LabelDefault, ContentTypes: textOrObj},
			{Label: LabelError, ContentTypes: errOnly},
		},
	},
	NodeTypeTemplateJob: {
		Inputs:  []PortSpec{{Label: LabelDefault, ContentTypes: anyContent}},
		Outputs: []PortSpec{{Label: LabelDefault, ContentTypes: []envelope.ContentType{envelope.ContentRawText}}},
	},
	NodeTypeJsonSchemaValidator: {
		Inputs: []PortSpec{{Label: LabelDefault, ContentTypes: objOnly, Required: true}},
		Outputs: []PortSpec{
			{Label: LabelDefault, ContentTypes: objOnly},
			{Label: LabelError, ContentTypes: errOnly},
		},
	},
	NodeTypeHook: {
		Inputs: []PortSpec{{Label: LabelDefault, ContentTypes: anyContent}},
		Outputs: []PortSpec{
			{Label: LabelDefault, ContentTypes: anyContent},
			{Label: LabelError, ContentTypes: errOnly},
		},
	},
	NodeTypeSubDiagram: {
		Inputs: []PortSpec{{Label: LabelDefault, ContentTypes: anyContent}},
		Outputs: []PortSpec{
			{Label: LabelDefault, ContentTypes: objOnly},
			{Label: LabelError, ContentTypes: errOnly},
		},
	},
	NodeTypeUserResponse: {
		Inputs:  []PortSpec{{Label: LabelDefault, ContentTypes: anyContent}},
		Outputs: []PortSpec{{Label: LabelDefault, ContentTypes: []envelope.ContentType{envelope.ContentRawText}}},
	},
	NodeTypeIntegratedApi: {
		Inputs: []PortSpec{{Label: LabelDefault, ContentTypes: anyContent}},
		Outputs: []PortSpec{
			{Label: LabelDefault, ContentTypes: objOnly},
			{Label: LabelError, ContentTypes: errOnly},
		},
	},
	NodeTypeDiffPatch: {
		Inputs: []PortSpec{{Label: LabelDefault, ContentTypes: anyContent}},
		Outputs: []PortSpec{
			{Label: LabelDefault, ContentTypes: objOnly},
			{Label: LabelError, ContentTypes: errOnly},
		},
	},
	NodeTypeIrBuilder: {
		Inputs:  []PortSpec{{Label: LabelDefault, ContentTypes: anyContent}},
		Outputs: []PortSpec{{Label: LabelDefault, ContentTypes: objOnly}},
	},
	NodeTypeTypescriptAst: {
		Inputs:  []PortSpec{{Label: LabelDefault, ContentTypes: []envelope.ContentType{envelope.ContentRawText}}},
		Outputs: []PortSpec{{Label: LabelDefault, ContentTypes: objOnly}},
	},
}
