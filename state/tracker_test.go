// ABOUTME: Tests for the execution state tracker: status transitions, history counters, projection.
// ABOUTME: Covers epoch re-activation and the fatal invalid-transition path.
package state

import (
	"errors"
	"testing"

	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/envelope"
)

func newTracker() *Tracker {
	return NewTracker(diagram.ExecutionID("exec-t"), []diagram.NodeID{"a", "b", "c"})
}

func TestTransition_HappyPath(t *testing.T) {
	tr := newTracker()
	steps := []NodeStatus{StatusRunning, StatusCompleted}
	for _, to := range steps {
		if err := tr.Transition("a", to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if got := tr.Status("a"); got != StatusCompleted {
		t.Errorf("status = %s, want completed", got)
	}
}

func TestTransition_PendingToSkipped(t *testing.T) {
	tr := newTracker()
	if err := tr.Transition("b", StatusSkipped); err != nil {
		t.Fatalf("pending->skipped: %v", err)
	}
}

func TestTransition_Invalid(t *testing.T) {
	tr := newTracker()
	err := tr.Transition("a", StatusCompleted) // pending -> completed skips running
	if err == nil {
		t.Fatal("expected error for pending->completed")
	}
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("error type = %T, want *InvalidTransitionError", err)
	}
	if ite.From != StatusPending || ite.To != StatusCompleted {
		t.Errorf("error = %v, want pending->completed", ite)
	}
	// The failed transition must not have changed the status.
	if got := tr.Status("a"); got != StatusPending {
		t.Errorf("status after invalid transition = %s, want pending", got)
	}
}

func TestTransition_EpochReactivation(t *testing.T) {
	tr := newTracker()
	for _, to := range []NodeStatus{StatusRunning, StatusCompleted, StatusPending, StatusRunning} {
		if err := tr.Transition("a", to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
}

func TestHistory_CountsPerEpochAndTotal(t *testing.T) {
	tr := newTracker()
	if n := tr.RecordStart("a", 0); n != 1 {
		t.Errorf("first execution number = %d, want 1", n)
	}
	tr.RecordCompletion("a", 0, StatusCompleted, nil)
	if n := tr.RecordStart("a", 1); n != 2 {
		t.Errorf("second execution number = %d, want 2", n)
	}
	tr.RecordCompletion("a", 1, StatusCompleted, nil)

	if got := tr.ExecutionCount("a", 0); got != 1 {
		t.Errorf("epoch 0 count = %d, want 1", got)
	}
	if got := tr.ExecutionCount("a", 1); got != 1 {
		t.Errorf("epoch 1 count = %d, want 1", got)
	}
	if got := tr.ExecutionCount("a", 2); got != 0 {
		t.Errorf("epoch 2 count = %d, want 0", got)
	}
	if got := tr.TotalExecutionCount("a"); got != 2 {
		t.Errorf("total count = %d, want 2", got)
	}
}

func TestHistory_LastOutputAndTimeline(t *testing.T) {
	tr := newTracker()
	tr.RecordStart("a", 0)
	first := envelope.FromText("first", "a")
	tr.RecordCompletion("a", 0, StatusCompleted, first)
	tr.RecordStart("a", 1)
	second := envelope.FromText("second", "a")
	tr.RecordCompletion("a", 1, StatusCompleted, second)

	out := tr.LastOutput("a")
	if out == nil || out.Body != "second" {
		t.Fatalf("last output = %+v, want body 'second'", out)
	}
	if tr.LastOutput("b") != nil {
		t.Error("expected nil last output for node with no runs")
	}

	tl := tr.Timeline()
	if len(tl) != 2 {
		t.Fatalf("timeline length = %d, want 2", len(tl))
	}
	if tl[0].Epoch != 0 || tl[1].Epoch != 1 {
		t.Errorf("timeline epochs = %d,%d, want 0,1", tl[0].Epoch, tl[1].Epoch)
	}
	if tl[0].Status != StatusCompleted {
		t.Errorf("timeline[0] status = %s, want completed", tl[0].Status)
	}
}

func TestProjection(t *testing.T) {
	tr := newTracker()
	if err := tr.Transition("a", StatusRunning); err != nil {
		t.Fatal(err)
	}
	tr.RecordStart("a", 0)
	tr.RecordCompletion("a", 0, StatusCompleted, envelope.FromText("done", "a"))
	if err := tr.Transition("a", StatusCompleted); err != nil {
		t.Fatal(err)
	}

	p := tr.Projection()
	if p.ExecutionID != "exec-t" {
		t.Errorf("execution id = %s", p.ExecutionID)
	}
	if len(p.Nodes) != 3 {
		t.Fatalf("node count = %d, want 3", len(p.Nodes))
	}
	// Sorted by ID: a, b, c.
	if p.Nodes[0].ID != "a" || p.Nodes[0].Status != StatusCompleted {
		t.Errorf("node a view = %+v", p.Nodes[0])
	}
	if p.Nodes[0].ExecutionCount != 1 {
		t.Errorf("node a execution count = %d, want 1", p.Nodes[0].ExecutionCount)
	}
	if p.Nodes[0].LastOutput == nil {
		t.Error("node a last output summary missing")
	}
	if p.Nodes[1].Status != StatusPending || p.Nodes[1].ExecutionCount != 0 {
		t.Errorf("node b view = %+v", p.Nodes[1])
	}
}
