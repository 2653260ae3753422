// ABOUTME: Compilation outcome types: phase identifiers, errors, warnings, and the Result wrapper.
// ABOUTME: An Error in any phase aborts the pipeline; warnings accumulate without blocking assembly.
package compile

import (
	"fmt"

	"github.com/dipeo/dipeo/diagram"
)

// Phase identifies one of the six compiler phases.
type Phase string

const (
	PhaseValidation     Phase = "validation"
	PhaseTransformation Phase = "transformation"
	PhaseConnections    Phase = "connections"
	PhaseEdges          Phase = "edges"
	PhaseOptimization   Phase = "optimization"
	PhaseAssembly       Phase = "assembly"
)

// Error is a compilation failure attributed to a phase and, where known, a
// node or edge.
type Error struct {
	Phase   Phase
	Message string
	NodeID  diagram.NodeID
	EdgeID  diagram.EdgeID
}

func (e *Error) Error() string {
	switch {
	case e.NodeID != "":
		return fmt.Sprintf("[%s] node %s: %s", e.Phase, e.NodeID, e.Message)
	case e.EdgeID != "":
		return fmt.Sprintf("[%s] edge %s: %s", e.Phase, e.EdgeID, e.Message)
	default:
		return fmt.Sprintf("[%s] %s", e.Phase, e.Message)
	}
}

// Warning is a non-fatal compilation finding.
type Warning struct {
	Phase   Phase
	Message string
	NodeID  diagram.NodeID
}

// Result is the public outcome of Compile. Diagram is nil whenever Errors
// is non-empty.
type Result struct {
	Diagram  *diagram.ExecutableDiagram
	Errors   []*Error
	Warnings []Warning
}

// OK reports whether compilation succeeded.
func (r *Result) OK() bool { return len(r.Errors) == 0 }

// Err returns the first error, or nil on success.
func (r *Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}
