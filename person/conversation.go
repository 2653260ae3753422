// ABOUTME: Append-only per-execution conversation log shared by every persona.
// ABOUTME: Messages are immutable once appended; all memory views are derived reads.
package person

import (
	"sync"
	"time"

	"github.com/dipeo/dipeo/diagram"
)

// System is the sender/recipient name for non-persona messages.
const System = "system"

// Broadcast addresses a message to every persona.
const Broadcast = "broadcast"

// Message is one immutable entry in the execution's conversation log.
type Message struct {
	ID       diagram.MessageID `json:"id"`
	From     string            `json:"from"` // PersonID or "system"
	To       string            `json:"to"`   // PersonID, "system", or "broadcast"
	Body     string            `json:"body"`
	TS       time.Time         `json:"ts"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// IsSystem reports whether the message was sent by the system.
func (m Message) IsSystem() bool { return m.From == System }

// Involves reports whether the persona sent or received the message.
func (m Message) Involves(p diagram.PersonID) bool {
	return m.From == string(p) || m.To == string(p) || m.To == Broadcast
}

// Conversation is the append-only message log of one execution. A single
// writer lock serializes appends; reads copy out under the same lock.
type Conversation struct {
	mu       sync.RWMutex
	messages []Message
}

// NewConversation creates an empty conversation log.
func NewConversation() *Conversation {
	return &Conversation{}
}

// Append adds a message, assigning its ID and timestamp, and returns the
// stored copy.
func (c *Conversation) Append(from, to, body string, metadata map[string]any) Message {
	msg := Message{
		ID:       diagram.NewMessageID(),
		From:     from,
		To:       to,
		Body:     body,
		TS:       time.Now(),
		Metadata: metadata,
	}
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
	return msg
}

// Messages returns a snapshot of the full log in append order.
func (c *Conversation) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages appended so far.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}
