// ABOUTME: Per-execution state tracker: append-only history, runtime status machine, and UI projection.
// ABOUTME: All mutations hold the tracker's lock; the engine owns one Tracker per execution.
package state

import (
	"sort"
	"sync"
	"time"

	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/envelope"
)

// Tracker holds all mutable state of one execution: history, runtime node
// statuses, and the derived observer projection. Mutations are serialized
// on an internal mutex; readers of the projection get consistent snapshots.
type Tracker struct {
	mu     sync.Mutex
	execID diagram.ExecutionID
	hist   *history
	status map[diagram.NodeID]NodeStatus
	began  time.Time
}

// NewTracker creates the tracker for a fresh execution. Every node starts
// pending.
func NewTracker(execID diagram.ExecutionID, nodes []diagram.NodeID) *Tracker {
	status := make(map[diagram.NodeID]NodeStatus, len(nodes))
	for _, id := range nodes {
		status[id] = StatusPending
	}
	return &Tracker{
		execID: execID,
		hist:   newHistory(),
		status: status,
		began:  time.Now(),
	}
}

// Transition moves a node to a new runtime status. Illegal moves return an
// InvalidTransitionError, which the engine treats as fatal.
func (t *Tracker) Transition(node diagram.NodeID, to NodeStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	from, ok := t.status[node]
	if !ok {
		from = StatusPending
	}
	if !CanTransition(from, to) {
		return &InvalidTransitionError{Node: string(node), From: from, To: to}
	}
	t.status[node] = to
	return nil
}

// Status returns the current runtime status of a node.
func (t *Tracker) Status(node diagram.NodeID) NodeStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.status[node]
	if !ok {
		return StatusPending
	}
	return s
}

// RecordStart appends an open history record and returns the node's
// cumulative execution number (1-based).
func (t *Tracker) RecordStart(node diagram.NodeID, epoch uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hist.recordStart(node, epoch)
}

// RecordCompletion closes the node's open history record for the epoch.
func (t *Tracker) RecordCompletion(node diagram.NodeID, epoch uint64, status NodeStatus, output *envelope.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hist.recordCompletion(node, epoch, status, output)
}

// ExecutionCount returns how many times the node started at the given epoch.
func (t *Tracker) ExecutionCount(node diagram.NodeID, epoch uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hist.executionCount(node, epoch)
}

// TotalExecutionCount returns the node's cumulative start count across all
// epochs.
func (t *Tracker) TotalExecutionCount(node diagram.NodeID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hist.totalExecutionCount(node)
}

// LastOutput returns the most recent completed output for the node, or nil.
func (t *Tracker) LastOutput(node diagram.NodeID) *envelope.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hist.lastOutput[node]
}

// Timeline returns a copy of the full history in append order.
func (t *Tracker) Timeline() []ExecutionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hist.timeline()
}

// NodeView is one node's entry in the observer projection.
type NodeView struct {
	ID             diagram.NodeID `json:"id"`
	Status         NodeStatus     `json:"status"`
	ExecutionCount int            `json:"execution_count"`
	LastOutput     map[string]any `json:"last_output,omitempty"`
}

// UIProjection is a consistent snapshot of the execution for observers. It
// is derived from history and runtime state; mutating it has no effect on
// the tracker.
type UIProjection struct {
	ExecutionID diagram.ExecutionID `json:"execution_id"`
	StartedAt   time.Time           `json:"started_at"`
	Nodes       []NodeView          `json:"nodes"`
}

// Projection builds the observer view: one entry per node, sorted by ID,
// with cumulative execution counts and output summaries.
func (t *Tracker) Projection() UIProjection {
	t.mu.Lock()
	defer t.mu.Unlock()

	nodes := make([]NodeView, 0, len(t.status))
	for id, st := range t.status {
		view := NodeView{
			ID:             id,
			Status:         st,
			ExecutionCount: t.hist.totalExecutionCount(id),
		}
		if out := t.hist.lastOutput[id]; out != nil {
			view.LastOutput = out.Summary()
		}
		nodes = append(nodes, view)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return UIProjection{ExecutionID: t.execID, StartedAt: t.began, Nodes: nodes}
}
