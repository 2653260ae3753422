// ABOUTME: Opaque typed identifiers for diagram entities and runtime objects.
// ABOUTME: Provides ID generation helpers backed by uuid (executions) and ulid (messages).
package diagram

import (
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NodeID identifies a node within a diagram.
type NodeID string

// EdgeID identifies an edge within a diagram.
type EdgeID string

// HandleID identifies an input or output attachment point on a node.
type HandleID string

// PersonID identifies a configured LLM persona.
type PersonID string

// ExecutionID identifies a single run of a diagram within this process.
type ExecutionID string

// MessageID identifies a conversation log entry.
type MessageID string

// NewExecutionID returns a fresh process-unique execution identifier.
func NewExecutionID() ExecutionID {
	return ExecutionID("exec-" + uuid.NewString())
}

// NewEdgeID returns a deterministic edge identifier for a source/target pair
// plus ordinal, used when an arrow arrives without an explicit ID.
func NewEdgeID(source, target NodeID, ordinal int) EdgeID {
	return EdgeID(fmt.Sprintf("edge-%s-%s-%d", source, target, ordinal))
}

var (
	messageEntropyMu sync.Mutex
	messageEntropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewMessageID returns a lexicographically sortable message identifier so the
// conversation log orders correctly even when IDs are compared as strings.
// Monotonic entropy keeps IDs ordered within the same millisecond.
func NewMessageID() MessageID {
	messageEntropyMu.Lock()
	defer messageEntropyMu.Unlock()
	return MessageID("msg-" + ulid.MustNew(ulid.Now(), messageEntropy).String())
}
