// ABOUTME: Event model for the per-execution ordered stream: types, payload shapes, and the Event struct.
// ABOUTME: Seq is assigned at publish time and is strictly monotonic per execution.
package events

import (
	"time"

	"github.com/dipeo/dipeo/diagram"
)

// Type identifies the kind of execution lifecycle event.
type Type string

const (
	ExecutionStarted   Type = "execution.started"
	NodeStarted        Type = "node.started"
	NodeCompleted      Type = "node.completed"
	NodeFailed         Type = "node.failed"
	TokenPublished     Type = "token.published"
	TokenConsumed      Type = "token.consumed"
	ExecutionCompleted Type = "execution.completed"
	ExecutionFailed    Type = "execution.failed"
	// Warning reports a non-fatal degradation, such as memory selection
	// falling back to the default filter.
	Warning   Type = "warning"
	KeepAlive Type = "keepalive"
)

// Event is one entry in an execution's ordered event stream. KeepAlive
// events are liveness signals: they carry the current max seq rather than a
// fresh one and are not retained in the ring.
type Event struct {
	ExecutionID diagram.ExecutionID `json:"execution_id"`
	Seq         uint64              `json:"seq"`
	TS          time.Time           `json:"ts"`
	Type        Type                `json:"type"`
	Payload     map[string]any      `json:"payload,omitempty"`
}
