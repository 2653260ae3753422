// ABOUTME: Runtime error taxonomy: handler, transform, input, timeout, cancellation, and internal errors.
// ABOUTME: Classification drives retry decisions; only transient handler errors on retryable nodes retry.
package engine

import (
	"errors"
	"fmt"

	"github.com/dipeo/dipeo/diagram"
)

// HandlerError is a failure reported by a node handler. Transient errors
// retry when the node is retryable; permanent errors fail the node.
type HandlerError struct {
	Node      diagram.NodeID
	Message   string
	Transient bool
	Cause     error
}

func (e *HandlerError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("handler error (%s) on node %s: %s", kind, e.Node, e.Message)
}

func (e *HandlerError) Unwrap() error { return e.Cause }

// Transientf builds a transient handler error.
func Transientf(node diagram.NodeID, format string, args ...any) *HandlerError {
	return &HandlerError{Node: node, Message: fmt.Sprintf(format, args...), Transient: true}
}

// Permanentf builds a permanent handler error.
func Permanentf(node diagram.NodeID, format string, args ...any) *HandlerError {
	return &HandlerError{Node: node, Message: fmt.Sprintf(format, args...)}
}

// TransformError is an input-resolver failure applying a declared transform
// rule. Always permanent.
type TransformError struct {
	Edge    diagram.EdgeID
	Op      diagram.TransformOp
	Message string
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s on edge %s: %s", e.Op, e.Edge, e.Message)
}

// InputCollision reports a spread-packing key collision. Always permanent.
type InputCollision struct {
	Node diagram.NodeID
	Key  string
}

func (e *InputCollision) Error() string {
	return fmt.Sprintf("input collision on node %s: key %q bound twice", e.Node, e.Key)
}

// MissingRequiredInput reports a required port with no value and no
// default. Always permanent.
type MissingRequiredInput struct {
	Node diagram.NodeID
	Port diagram.HandleLabel
}

func (e *MissingRequiredInput) Error() string {
	return fmt.Sprintf("node %s: required input %q has no value and no default", e.Node, e.Port)
}

// ExecutionError is an internal invariant violation. Fatal to the
// execution; surfaces as ExecutionFailed with reason "internal".
type ExecutionError struct {
	Message string
	Cause   error
}

func (e *ExecutionError) Error() string {
	return "execution error: " + e.Message
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// TimeoutError reports a handler exceeding its configured timeout_s.
type TimeoutError struct {
	Node diagram.NodeID
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("node %s exceeded its timeout", e.Node)
}

// ErrCancelled is observed by handlers when the execution is cancelled.
var ErrCancelled = errors.New("execution cancelled")

// transient reports whether an error should be retried on a retryable node.
func transient(err error) bool {
	var he *HandlerError
	if errors.As(err, &he) {
		return he.Transient
	}
	return false
}
