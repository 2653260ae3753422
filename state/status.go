// ABOUTME: Node runtime status enum and the legal transition table.
// ABOUTME: An invalid transition is fatal for the execution that attempted it.
package state

import "fmt"

// NodeStatus is the runtime status of a node at its current epoch.
type NodeStatus string

const (
	StatusPending        NodeStatus = "pending"
	StatusRunning        NodeStatus = "running"
	StatusCompleted      NodeStatus = "completed"
	StatusFailed         NodeStatus = "failed"
	StatusMaxIterReached NodeStatus = "maxiter_reached"
	StatusSkipped        NodeStatus = "skipped"
)

// validTransitions enumerates every legal status move. Completed nodes
// re-enter pending when a later epoch re-activates them; that reset is
// modelled as a distinct transition so anything else stays fatal.
var validTransitions = map[NodeStatus]map[NodeStatus]bool{
	StatusPending: {
		StatusRunning: true,
		StatusSkipped: true,
	},
	StatusRunning: {
		StatusCompleted:      true,
		StatusFailed:         true,
		StatusMaxIterReached: true,
	},
	StatusCompleted: {
		StatusPending: true, // epoch re-activation
	},
	StatusSkipped: {
		StatusPending: true, // epoch re-activation
	},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to NodeStatus) bool {
	return validTransitions[from][to]
}

// Terminal reports whether a status ends the node's participation in the
// execution (short of an epoch reset).
func (s NodeStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusMaxIterReached, StatusSkipped:
		return true
	}
	return false
}

// InvalidTransitionError reports an illegal runtime status move. The engine
// treats it as fatal for the execution.
type InvalidTransitionError struct {
	Node string
	From NodeStatus
	To   NodeStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition for node %s: %s -> %s", e.Node, e.From, e.To)
}
