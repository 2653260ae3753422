// ABOUTME: Tests for handle ID parsing and the HandleSpecs table invariants.
// ABOUTME: Verifies direction/label extraction and per-node-type port declarations.
package diagram

import (
	"testing"
)

func TestMakeAndParseHandleID(t *testing.T) {
	id := MakeHandleID("node-1", LabelDefault, DirectionOutput)
	node, label, dir, err := ParseHandleID(id)
	if err != nil {
		t.Fatalf("ParseHandleID: %v", err)
	}
	if node != "node-1" || label != LabelDefault || dir != DirectionOutput {
		t.Errorf("got (%s, %s, %s)", node, label, dir)
	}
}

func TestParseHandleID_NodeIDWithUnderscores(t *testing.T) {
	id := MakeHandleID("my_long_node_id", LabelCondTrue, DirectionInput)
	node, label, dir, err := ParseHandleID(id)
	if err != nil {
		t.Fatalf("ParseHandleID: %v", err)
	}
	if node != "my_long_node_id" {
		t.Errorf("node = %q, want my_long_node_id", node)
	}
	if label != LabelCondTrue || dir != DirectionInput {
		t.Errorf("got label=%s dir=%s", label, dir)
	}
}

func TestParseHandleID_Malformed(t *testing.T) {
	cases := []HandleID{"", "justoneword", "node_label_sideways"}
	for _, id := range cases {
		if _, _, _, err := ParseHandleID(id); err == nil {
			t.Errorf("ParseHandleID(%q) accepted malformed input", id)
		}
	}
}

func TestHandleSpecs_EveryNodeTypeDeclared(t *testing.T) {
	for _, nt := range AllNodeTypes {
		if _, ok := HandleSpecs[nt]; !ok {
			t.Errorf("node type %q missing from HandleSpecs", nt)
		}
	}
}

func TestHandleSpecs_ConditionHasExactlyTwoBranchOutputs(t *testing.T) {
	spec := HandleSpecs[NodeTypeCondition]
	if len(spec.Outputs) != 2 {
		t.Fatalf("condition outputs = %d, want 2", len(spec.Outputs))
	}
	if _, ok := spec.OutputPort(LabelCondTrue); !ok {
		t.Error("condition missing condtrue output")
	}
	if _, ok := spec.OutputPort(LabelCondFalse); !ok {
		t.Error("condition missing condfalse output")
	}
}

func TestHandleSpecs_StartAndEndpointBoundaries(t *testing.T) {
	if len(HandleSpecs[NodeTypeStart].Inputs) != 0 {
		t.Error("start node declares input ports")
	}
	if len(HandleSpecs[NodeTypeEndpoint].Outputs) != 0 {
		t.Error("endpoint node declares output ports")
	}
}

func TestPortSpec_Accepts(t *testing.T) {
	p, ok := HandleSpecs[NodeTypeCodeJob].OutputPort(LabelDefault)
	if !ok {
		t.Fatal("code_job missing default output")
	}
	if !p.Accepts("object") {
		t.Error("code_job default output rejects object")
	}
	if !p.Accepts("raw_text") {
		t.Error("code_job default output rejects raw_text")
	}
	if p.Accepts("binary") {
		t.Error("code_job default output accepts binary")
	}

	v, ok := HandleSpecs[NodeTypeJsonSchemaValidator].InputPort(LabelDefault)
	if !ok {
		t.Fatal("json_schema_validator missing default input")
	}
	if v.Accepts("raw_text") {
		t.Error("json_schema_validator default input accepts raw_text")
	}
}

func TestNewMessageID_Sortable(t *testing.T) {
	a := NewMessageID()
	b := NewMessageID()
	if a == b {
		t.Error("consecutive message IDs collided")
	}
	// ULID-backed IDs order by generation time when compared as strings.
	if string(b) < string(a) {
		t.Errorf("IDs not monotonic: %s then %s", a, b)
	}
}
