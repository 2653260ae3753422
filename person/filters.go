// ABOUTME: Internal base filters over the conversation log: involvement, direction, and pairing views.
// ABOUTME: Filters never mutate the log; each returns a fresh slice in append order.
package person

import "github.com/dipeo/dipeo/diagram"

// Filter selects a subset of messages for one persona's view.
type Filter func(msgs []Message, p diagram.PersonID) []Message

// AllInvolved keeps messages the persona sent or received.
func AllInvolved(msgs []Message, p diagram.PersonID) []Message {
	return keep(msgs, func(m Message) bool { return m.Involves(p) })
}

// SentBy keeps messages the persona sent.
func SentBy(msgs []Message, p diagram.PersonID) []Message {
	return keep(msgs, func(m Message) bool { return m.From == string(p) })
}

// SentTo keeps messages addressed to the persona.
func SentTo(msgs []Message, p diagram.PersonID) []Message {
	return keep(msgs, func(m Message) bool { return m.To == string(p) || m.To == Broadcast })
}

// SystemAndMe keeps system messages plus anything involving the persona.
func SystemAndMe(msgs []Message, p diagram.PersonID) []Message {
	return keep(msgs, func(m Message) bool { return m.IsSystem() || m.Involves(p) })
}

// ConversationPairs keeps request/response pairs involving the persona: a
// message to the persona followed by the persona's next reply, and vice
// versa. Unpaired messages involving the persona are kept as well, so the
// fallback view never loses the persona's own turns.
func ConversationPairs(msgs []Message, p diagram.PersonID) []Message {
	pid := string(p)
	selected := make(map[diagram.MessageID]bool)
	for i, m := range msgs {
		if !m.Involves(p) {
			continue
		}
		selected[m.ID] = true
		// A message addressed to the persona pulls in the persona's
		// immediate reply even when that reply names a different recipient.
		if m.To == pid {
			for j := i + 1; j < len(msgs); j++ {
				if msgs[j].From == pid {
					selected[msgs[j].ID] = true
					break
				}
			}
		}
	}
	return keep(msgs, func(m Message) bool { return selected[m.ID] })
}

func keep(msgs []Message, pred func(Message) bool) []Message {
	var out []Message
	for _, m := range msgs {
		if pred(m) {
			out = append(out, m)
		}
	}
	return out
}

