// ABOUTME: Memory selection for PersonJob: GOLDFISH, the dual-persona LLM selector, caps, and dedup.
// ABOUTME: Selection is a derived view; the conversation log is never mutated here.
package person

import (
	"context"
	"log/slog"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/ports"
)

// Goldfish is the literal memorize_to value requesting zero memory.
const Goldfish = "GOLDFISH"

// SelectorFacetSuffix is appended to a persona's ID to form the transient
// selector facet identity.
const SelectorFacetSuffix = ".__selector"

// SelectionRequest describes one memory-selection call for a persona about
// to execute.
type SelectionRequest struct {
	Person        diagram.PersonID
	Config        diagram.LLMConfig
	MemorizeTo    string // Goldfish or a natural-language criterion
	AtMost        int    // 0 means no cap
	IgnorePersons []diagram.PersonID
	TaskPreview   string
}

// Selector derives a persona's memory view from the conversation log using
// a second LLM call (the selector facet).
type Selector struct {
	llm ports.LLMClient
	log *slog.Logger
}

// NewSelector creates a memory selector backed by the given LLM port.
func NewSelector(llm ports.LLMClient, log *slog.Logger) *Selector {
	if log == nil {
		log = slog.Default()
	}
	return &Selector{llm: llm, log: log}
}

// Select returns the messages the persona should see for its next turn.
// The second return value reports whether the LLM selector failed and the
// conversation_pairs fallback was used instead.
func (s *Selector) Select(ctx context.Context, conv *Conversation, req SelectionRequest) ([]Message, bool) {
	if req.MemorizeTo == Goldfish {
		return nil, false
	}

	candidates := AllInvolved(conv.Messages(), req.Person)
	candidates = dropIgnored(candidates, req.IgnorePersons)
	if len(candidates) == 0 {
		return nil, false
	}
	if req.MemorizeTo == "" {
		// No criterion: the default filter view, capped.
		return dedupeByContent(capMessages(candidates, req.AtMost)), false
	}

	ids, err := s.llm.SelectMemories(ctx, ports.SelectMemoriesRequest{
		Config:      req.Config,
		PersonID:    diagram.PersonID(string(req.Person) + SelectorFacetSuffix),
		Candidates:  toCandidates(candidates),
		TaskPreview: req.TaskPreview,
		Criterion:   req.MemorizeTo,
		AtMost:      req.AtMost,
	})
	if err != nil {
		s.log.Warn("memory selector failed, falling back to conversation pairs",
			"person", string(req.Person), "error", err)
		fallback := dropIgnored(ConversationPairs(conv.Messages(), req.Person), req.IgnorePersons)
		return dedupeByContent(capMessages(fallback, req.AtMost)), true
	}

	chosen := make(map[diagram.MessageID]bool, len(ids))
	for _, id := range ids {
		chosen[id] = true
	}
	var selected []Message
	for _, m := range candidates {
		if chosen[m.ID] {
			selected = append(selected, m)
		}
	}
	return dedupeByContent(capMessages(selected, req.AtMost)), false
}

func dropIgnored(msgs []Message, ignored []diagram.PersonID) []Message {
	if len(ignored) == 0 {
		return msgs
	}
	block := make(map[string]bool, len(ignored))
	for _, p := range ignored {
		block[string(p)] = true
	}
	return keep(msgs, func(m Message) bool { return !block[m.From] })
}

// capMessages keeps the most recent limit messages. System messages are
// always preserved in addition to the cap.
func capMessages(msgs []Message, limit int) []Message {
	if limit <= 0 || len(msgs) <= limit {
		return msgs
	}
	kept := make(map[diagram.MessageID]bool, limit)
	remaining := limit
	for i := len(msgs) - 1; i >= 0 && remaining > 0; i-- {
		kept[msgs[i].ID] = true
		remaining--
	}
	return keep(msgs, func(m Message) bool { return m.IsSystem() || kept[m.ID] })
}

// dedupeByContent removes messages whose normalized body hash repeats,
// keeping the earliest occurrence.
func dedupeByContent(msgs []Message) []Message {
	seen := make(map[[32]byte]bool, len(msgs))
	return keep(msgs, func(m Message) bool {
		h := contentHash(m.Body)
		if seen[h] {
			return false
		}
		seen[h] = true
		return true
	})
}

// contentHash hashes a whitespace-collapsed, lowercased body so trivially
// reworded duplicates collapse to one entry.
func contentHash(body string) [32]byte {
	normalized := strings.Join(strings.Fields(strings.ToLower(body)), " ")
	return blake3.Sum256([]byte(normalized))
}

func toCandidates(msgs []Message) []ports.CandidateMessage {
	out := make([]ports.CandidateMessage, len(msgs))
	for i, m := range msgs {
		out[i] = ports.CandidateMessage{ID: m.ID, From: m.From, To: m.To, Body: m.Body}
	}
	return out
}
