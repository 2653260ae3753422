// ABOUTME: Scheduler tests: seq allocation, join policies, the edge filtering rules,
// ABOUTME: active-branch gating, and epoch advancement on loop-back.
package engine

import (
	"testing"

	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/envelope"
	"github.com/dipeo/dipeo/events"
	"github.com/dipeo/dipeo/state"
)

// graphSpec builds an ExecutableDiagram by hand so scheduler behavior can be
// pinned without going through the compiler.
type graphSpec struct {
	nodes map[diagram.NodeID]diagram.ExecutableNode
	edges []*diagram.ExecutableEdge
}

func (g graphSpec) build() *diagram.ExecutableDiagram {
	deps := &diagram.DependencyIndex{
		Incoming: make(map[diagram.NodeID][]*diagram.ExecutableEdge),
		Outgoing: make(map[diagram.NodeID][]*diagram.ExecutableEdge),
		TopoHint: make(map[diagram.NodeID]int),
	}
	for _, e := range g.edges {
		deps.Incoming[e.TargetNode] = append(deps.Incoming[e.TargetNode], e)
		deps.Outgoing[e.SourceNode] = append(deps.Outgoing[e.SourceNode], e)
	}
	var starts []diagram.NodeID
	for id, n := range g.nodes {
		if n.NodeType() == diagram.NodeTypeStart {
			starts = append(starts, id)
		}
	}
	return &diagram.ExecutableDiagram{
		ID:         "test",
		Nodes:      g.nodes,
		Edges:      g.edges,
		Deps:       deps,
		StartNodes: starts,
	}
}

func plainNode(id diagram.NodeID) diagram.ExecutableNode {
	return &diagram.CodeJobNode{NodeBase: diagram.NodeBase{ID: id, Type: diagram.NodeTypeCodeJob}}
}

func joinNode(id diagram.NodeID, policy diagram.JoinPolicy) diagram.ExecutableNode {
	return &diagram.CodeJobNode{NodeBase: diagram.NodeBase{ID: id, Type: diagram.NodeTypeCodeJob, Join: policy}}
}

func startNode(id diagram.NodeID) diagram.ExecutableNode {
	return &diagram.StartNode{NodeBase: diagram.NodeBase{ID: id, Type: diagram.NodeTypeStart}}
}

func condNode(id diagram.NodeID, skippable bool) diagram.ExecutableNode {
	return &diagram.ConditionNode{
		NodeBase:  diagram.NodeBase{ID: id, Type: diagram.NodeTypeCondition},
		Skippable: skippable,
	}
}

func dataEdge(id diagram.EdgeID, from, to diagram.NodeID) *diagram.ExecutableEdge {
	return &diagram.ExecutableEdge{
		ID: id, SourceNode: from, TargetNode: to,
		SourceLabel: diagram.LabelDefault, TargetLabel: diagram.LabelDefault,
		Kind: diagram.EdgeData, Packing: diagram.PackingPack,
	}
}

func branchEdge(id diagram.EdgeID, from, to diagram.NodeID, label diagram.HandleLabel, kind diagram.EdgeKind) *diagram.ExecutableEdge {
	return &diagram.ExecutableEdge{
		ID: id, SourceNode: from, TargetNode: to,
		SourceLabel: label, TargetLabel: diagram.LabelDefault,
		Kind: kind, Packing: diagram.PackingPack,
	}
}

func newTestScheduler(t *testing.T, g graphSpec) (*Scheduler, *state.Tracker, *diagram.ExecutableDiagram) {
	t.Helper()
	diag := g.build()
	tracker := state.NewTracker("exec-test", diag.NodeIDs())
	bus := events.NewBus(events.WithKeepAliveInterval(0))
	bus.Register("exec-test", 64)
	return NewScheduler(diag, tracker, bus, "exec-test"), tracker, diag
}

func env(t *testing.T) *envelope.Envelope {
	t.Helper()
	return envelope.FromText("payload", "src")
}

func TestPublish_SeqMonotonicPerEdgeAndEpoch(t *testing.T) {
	g := graphSpec{
		nodes: map[diagram.NodeID]diagram.ExecutableNode{"a": plainNode("a"), "b": plainNode("b")},
		edges: []*diagram.ExecutableEdge{dataEdge("e1", "a", "b")},
	}
	sched, _, diag := newTestScheduler(t, g)
	e := diag.Edge("e1")

	for want := uint64(1); want <= 3; want++ {
		tok := sched.Publish(e, 0, env(t))
		if tok.Seq != want {
			t.Errorf("epoch 0 publish %d: seq = %d", want, tok.Seq)
		}
	}
	// A new epoch restarts the sequence.
	if tok := sched.Publish(e, 1, env(t)); tok.Seq != 1 {
		t.Errorf("epoch 1 first seq = %d, want 1", tok.Seq)
	}
}

func TestConsumeInbound_TakesEarliestPerEdge(t *testing.T) {
	g := graphSpec{
		nodes: map[diagram.NodeID]diagram.ExecutableNode{"a": plainNode("a"), "b": plainNode("b")},
		edges: []*diagram.ExecutableEdge{dataEdge("e1", "a", "b")},
	}
	sched, _, diag := newTestScheduler(t, g)
	e := diag.Edge("e1")
	sched.Publish(e, 0, env(t))
	sched.Publish(e, 0, env(t))

	first := sched.ConsumeInbound("b", 0)
	if len(first) != 1 || first[0].Seq != 1 {
		t.Fatalf("first consume = %+v, want one token with seq 1", first)
	}
	second := sched.ConsumeInbound("b", 0)
	if len(second) != 1 || second[0].Seq != 2 {
		t.Fatalf("second consume = %+v, want one token with seq 2", second)
	}
}

func TestIsReady_JoinAllWaitsForEveryEdge(t *testing.T) {
	g := graphSpec{
		nodes: map[diagram.NodeID]diagram.ExecutableNode{
			"a": plainNode("a"), "b": plainNode("b"), "j": plainNode("j"),
		},
		edges: []*diagram.ExecutableEdge{dataEdge("e1", "a", "j"), dataEdge("e2", "b", "j")},
	}
	sched, _, diag := newTestScheduler(t, g)

	sched.Publish(diag.Edge("e1"), 0, env(t))
	if sched.IsReady("j", 0) {
		t.Error("ready with one of two ALL edges")
	}
	sched.Publish(diag.Edge("e2"), 0, env(t))
	if !sched.IsReady("j", 0) {
		t.Error("not ready with all edges satisfied")
	}
}

func TestIsReady_JoinAnyFiresOnFirstToken(t *testing.T) {
	g := graphSpec{
		nodes: map[diagram.NodeID]diagram.ExecutableNode{
			"a": plainNode("a"), "b": plainNode("b"),
			"j": joinNode("j", diagram.JoinPolicy{Kind: diagram.JoinAny}),
		},
		edges: []*diagram.ExecutableEdge{dataEdge("e1", "a", "j"), dataEdge("e2", "b", "j")},
	}
	sched, _, diag := newTestScheduler(t, g)

	if sched.IsReady("j", 0) {
		t.Error("ready with no tokens")
	}
	sched.Publish(diag.Edge("e1"), 0, env(t))
	if !sched.IsReady("j", 0) {
		t.Error("ANY join not ready with one token")
	}
}

func TestIsReady_JoinKOfN(t *testing.T) {
	g := graphSpec{
		nodes: map[diagram.NodeID]diagram.ExecutableNode{
			"a": plainNode("a"), "b": plainNode("b"), "c": plainNode("c"),
			"j": joinNode("j", diagram.JoinPolicy{Kind: diagram.JoinKOfN, K: 2}),
		},
		edges: []*diagram.ExecutableEdge{
			dataEdge("e1", "a", "j"), dataEdge("e2", "b", "j"), dataEdge("e3", "c", "j"),
		},
	}
	sched, _, diag := newTestScheduler(t, g)

	sched.Publish(diag.Edge("e1"), 0, env(t))
	if sched.IsReady("j", 0) {
		t.Error("2-of-3 ready with one token")
	}
	sched.Publish(diag.Edge("e3"), 0, env(t))
	if !sched.IsReady("j", 0) {
		t.Error("2-of-3 not ready with two tokens")
	}
}

func TestStartEdge_NotRequiredAfterFirstRun(t *testing.T) {
	// j has a start edge and a loop edge back from w. On the first pass both
	// matter; once j has run, only the loop edge does.
	g := graphSpec{
		nodes: map[diagram.NodeID]diagram.ExecutableNode{
			"s": startNode("s"), "j": plainNode("j"), "w": plainNode("w"),
		},
		edges: []*diagram.ExecutableEdge{dataEdge("e1", "s", "j"), dataEdge("e2", "w", "j")},
	}
	sched, tracker, diag := newTestScheduler(t, g)

	sched.Publish(diag.Edge("e2"), 0, env(t))
	if sched.IsReady("j", 0) {
		t.Error("ready before the start edge delivered, on first pass")
	}
	sched.Publish(diag.Edge("e1"), 0, env(t))
	if !sched.IsReady("j", 0) {
		t.Error("not ready with both edges on first pass")
	}

	sched.ConsumeInbound("j", 0)
	tracker.RecordStart("j", 0)

	// Second pass: only the loop token arrives.
	sched.Publish(diag.Edge("e2"), 0, env(t))
	if !sched.IsReady("j", 0) {
		t.Error("start edge still required after the node has run")
	}
}

func TestConditionBranch_OnlyActiveBranchRequired(t *testing.T) {
	// j joins a data edge from a and the condtrue branch of c.
	g := graphSpec{
		nodes: map[diagram.NodeID]diagram.ExecutableNode{
			"a": plainNode("a"), "c": condNode("c", false), "j": plainNode("j"),
		},
		edges: []*diagram.ExecutableEdge{
			dataEdge("e1", "a", "j"),
			branchEdge("e2", "c", "j", diagram.LabelCondTrue, diagram.EdgeConditionTrue),
		},
	}
	sched, _, diag := newTestScheduler(t, g)

	// Unevaluated condition: the branch edge is not required, the data edge is.
	sched.Publish(diag.Edge("e1"), 0, env(t))
	if !sched.IsReady("j", 0) {
		t.Error("unevaluated branch edge should not block readiness")
	}
	sched.ConsumeInbound("j", 0)

	// Evaluated to condtrue: now the branch edge is required.
	sched.SetActiveBranch("c", 0, diagram.LabelCondTrue)
	sched.Publish(diag.Edge("e1"), 0, env(t))
	if sched.IsReady("j", 0) {
		t.Error("active branch edge should be required once evaluated")
	}
	sched.Publish(diag.Edge("e2"), 0, env(t))
	if !sched.IsReady("j", 0) {
		t.Error("not ready with data and active branch tokens")
	}
}

func TestConditionBranch_InactiveBranchSatisfied(t *testing.T) {
	g := graphSpec{
		nodes: map[diagram.NodeID]diagram.ExecutableNode{
			"a": plainNode("a"), "c": condNode("c", false), "j": plainNode("j"),
		},
		edges: []*diagram.ExecutableEdge{
			dataEdge("e1", "a", "j"),
			branchEdge("e2", "c", "j", diagram.LabelCondFalse, diagram.EdgeConditionFalse),
		},
	}
	sched, _, diag := newTestScheduler(t, g)

	sched.SetActiveBranch("c", 0, diagram.LabelCondTrue)
	sched.Publish(diag.Edge("e1"), 0, env(t))
	if !sched.IsReady("j", 0) {
		t.Error("inactive condfalse branch should count as satisfied")
	}
}

func TestSkippableCondition_PromotedWhenNothingElseRequired(t *testing.T) {
	// j's only incoming edge is a skippable condition branch: with nothing
	// else required, the branch becomes required again.
	g := graphSpec{
		nodes: map[diagram.NodeID]diagram.ExecutableNode{
			"c": condNode("c", true), "j": plainNode("j"),
		},
		edges: []*diagram.ExecutableEdge{
			branchEdge("e1", "c", "j", diagram.LabelCondTrue, diagram.EdgeConditionTrue),
		},
	}
	sched, _, diag := newTestScheduler(t, g)

	if sched.IsReady("j", 0) {
		t.Error("ready with no tokens at all")
	}
	sched.Publish(diag.Edge("e1"), 0, env(t))
	if !sched.IsReady("j", 0) {
		t.Error("promoted skippable edge with a token should make the node ready")
	}
}

func TestEpochAdvances_OnLoopbackToExecutedNode(t *testing.T) {
	g := graphSpec{
		nodes: map[diagram.NodeID]diagram.ExecutableNode{
			"c": condNode("c", false), "j": plainNode("j"),
		},
		edges: []*diagram.ExecutableEdge{
			branchEdge("lb", "c", "j", diagram.LabelCondTrue, diagram.EdgeLoopback),
		},
	}
	sched, tracker, diag := newTestScheduler(t, g)

	// j has not run yet: the loop-back stays at the current epoch.
	tok := sched.PublishOut(diag.Edge("lb"), env(t))
	if tok.Epoch != 0 || sched.CurrentEpoch() != 0 {
		t.Fatalf("epoch advanced before target executed: token %d, current %d", tok.Epoch, sched.CurrentEpoch())
	}
	sched.ConsumeInbound("j", 0)

	tracker.RecordStart("j", 0)
	tok = sched.PublishOut(diag.Edge("lb"), env(t))
	if tok.Epoch != 1 {
		t.Errorf("loop-back token epoch = %d, want 1", tok.Epoch)
	}
	if sched.CurrentEpoch() != 1 {
		t.Errorf("current epoch = %d, want 1", sched.CurrentEpoch())
	}
}

func TestReadyCandidates_OrderedByTopoHint(t *testing.T) {
	g := graphSpec{
		nodes: map[diagram.NodeID]diagram.ExecutableNode{
			"a": plainNode("a"), "x": plainNode("x"), "y": plainNode("y"),
		},
		edges: []*diagram.ExecutableEdge{dataEdge("e1", "a", "x"), dataEdge("e2", "a", "y")},
	}
	diag := g.build()
	diag.Deps.TopoHint["y"] = 1
	diag.Deps.TopoHint["x"] = 2
	tracker := state.NewTracker("exec-test", diag.NodeIDs())
	bus := events.NewBus(events.WithKeepAliveInterval(0))
	bus.Register("exec-test", 64)
	sched := NewScheduler(diag, tracker, bus, "exec-test")

	sched.Publish(diag.Edge("e1"), 0, env(t))
	sched.Publish(diag.Edge("e2"), 0, env(t))

	ready := sched.ReadyCandidates()
	if len(ready) != 2 {
		t.Fatalf("ready = %+v, want 2 candidates", ready)
	}
	if ready[0].Node != "y" || ready[1].Node != "x" {
		t.Errorf("order = %s,%s; want y,x by topo hint", ready[0].Node, ready[1].Node)
	}
}

func TestHasPendingTokens(t *testing.T) {
	g := graphSpec{
		nodes: map[diagram.NodeID]diagram.ExecutableNode{"a": plainNode("a"), "b": plainNode("b")},
		edges: []*diagram.ExecutableEdge{dataEdge("e1", "a", "b")},
	}
	sched, _, diag := newTestScheduler(t, g)

	if sched.HasPendingTokens() {
		t.Error("fresh scheduler reports pending tokens")
	}
	sched.Publish(diag.Edge("e1"), 0, env(t))
	if !sched.HasPendingTokens() {
		t.Error("pending token not reported")
	}
	sched.ConsumeInbound("b", 0)
	if sched.HasPendingTokens() {
		t.Error("consumed token still reported pending")
	}
}
