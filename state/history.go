// ABOUTME: Append-only execution history: one record per node run, with epoch and outcome.
// ABOUTME: Backs iteration counting, last-output lookup, and the observer timeline.
package state

import (
	"time"

	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/envelope"
)

// ExecutionRecord is one entry in the append-only history. A record is
// created by RecordStart and closed in place by RecordCompletion; closing
// never removes or reorders entries.
type ExecutionRecord struct {
	Node            diagram.NodeID
	Epoch           uint64
	ExecutionNumber int // 1-based, cumulative across epochs
	Status          NodeStatus
	Output          *envelope.Envelope
	StartedAt       time.Time
	CompletedAt     time.Time
}

// history is the per-execution append-only log. Not safe for concurrent
// use; the owning Tracker serializes access.
type history struct {
	records []ExecutionRecord

	// startCounts counts recorded starts per node cumulatively and per
	// (node, epoch). Iteration limits and the start-once edge rule read
	// these rather than scanning records.
	totalStarts map[diagram.NodeID]int
	epochStarts map[nodeEpoch]int
	lastOutput  map[diagram.NodeID]*envelope.Envelope
}

type nodeEpoch struct {
	node  diagram.NodeID
	epoch uint64
}

func newHistory() *history {
	return &history{
		totalStarts: make(map[diagram.NodeID]int),
		epochStarts: make(map[nodeEpoch]int),
		lastOutput:  make(map[diagram.NodeID]*envelope.Envelope),
	}
}

// recordStart appends an open record and returns its cumulative
// execution number.
func (h *history) recordStart(node diagram.NodeID, epoch uint64) int {
	h.totalStarts[node]++
	h.epochStarts[nodeEpoch{node, epoch}]++
	n := h.totalStarts[node]
	h.records = append(h.records, ExecutionRecord{
		Node:            node,
		Epoch:           epoch,
		ExecutionNumber: n,
		Status:          StatusRunning,
		StartedAt:       time.Now(),
	})
	return n
}

// recordCompletion closes the most recent open record for (node, epoch).
func (h *history) recordCompletion(node diagram.NodeID, epoch uint64, status NodeStatus, output *envelope.Envelope) {
	for i := len(h.records) - 1; i >= 0; i-- {
		r := &h.records[i]
		if r.Node == node && r.Epoch == epoch && r.Status == StatusRunning {
			r.Status = status
			r.Output = output
			r.CompletedAt = time.Now()
			break
		}
	}
	if output != nil {
		h.lastOutput[node] = output
	}
}

func (h *history) executionCount(node diagram.NodeID, epoch uint64) int {
	return h.epochStarts[nodeEpoch{node, epoch}]
}

func (h *history) totalExecutionCount(node diagram.NodeID) int {
	return h.totalStarts[node]
}

func (h *history) timeline() []ExecutionRecord {
	out := make([]ExecutionRecord, len(h.records))
	copy(out, h.records)
	return out
}
