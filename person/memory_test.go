// ABOUTME: Tests for conversation filters and the memory selector, including GOLDFISH and fallback paths.
// ABOUTME: Uses a fake LLM port; no network calls.
package person

import (
	"context"
	"errors"
	"testing"

	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/ports"
)

type fakeLLM struct {
	selectFn func(req ports.SelectMemoriesRequest) ([]diagram.MessageID, error)
	calls    []ports.SelectMemoriesRequest
}

func (f *fakeLLM) Complete(ctx context.Context, req ports.CompleteRequest) (*ports.CompleteResult, error) {
	return &ports.CompleteResult{Text: "ok"}, nil
}

func (f *fakeLLM) SelectMemories(ctx context.Context, req ports.SelectMemoriesRequest) ([]diagram.MessageID, error) {
	f.calls = append(f.calls, req)
	if f.selectFn == nil {
		return nil, nil
	}
	return f.selectFn(req)
}

func seedConversation() *Conversation {
	conv := NewConversation()
	conv.Append(System, Broadcast, "execution begins", nil)
	conv.Append("alice", "bob", "can you review the API design?", nil)
	conv.Append("bob", "alice", "the API design looks fine", nil)
	conv.Append("carol", "alice", "unrelated marketing update", nil)
	conv.Append("alice", "bob", "what about the requirements?", nil)
	return conv
}

func TestFilters(t *testing.T) {
	msgs := seedConversation().Messages()

	if got := len(AllInvolved(msgs, "alice")); got != 5 {
		t.Errorf("all_involved(alice) = %d messages, want 5 (broadcast included)", got)
	}
	if got := len(SentBy(msgs, "alice")); got != 2 {
		t.Errorf("sent_by(alice) = %d, want 2", got)
	}
	if got := len(SentTo(msgs, "bob")); got != 3 {
		t.Errorf("sent_to(bob) = %d, want 3 (broadcast included)", got)
	}
	if got := len(SystemAndMe(msgs, "carol")); got != 2 {
		t.Errorf("system_and_me(carol) = %d, want 2", got)
	}
}

func TestConversationPairs_KeepsOrder(t *testing.T) {
	msgs := seedConversation().Messages()
	pairs := ConversationPairs(msgs, "bob")
	for i := 1; i < len(pairs); i++ {
		if !pairs[i-1].TS.Before(pairs[i].TS) && pairs[i-1].ID >= pairs[i].ID {
			t.Fatal("pairs view must preserve append order")
		}
	}
}

func TestSelect_Goldfish(t *testing.T) {
	llm := &fakeLLM{}
	sel := NewSelector(llm, nil)
	got, fellBack := sel.Select(context.Background(), seedConversation(), SelectionRequest{
		Person:     "alice",
		MemorizeTo: Goldfish,
	})
	if got != nil {
		t.Errorf("GOLDFISH view = %d messages, want empty", len(got))
	}
	if fellBack {
		t.Error("GOLDFISH must not report a fallback")
	}
	if len(llm.calls) != 0 {
		t.Error("GOLDFISH must not call the selector LLM")
	}
}

func TestSelect_DualPersonaFacet(t *testing.T) {
	conv := seedConversation()
	llm := &fakeLLM{selectFn: func(req ports.SelectMemoriesRequest) ([]diagram.MessageID, error) {
		// Pick the API design pair plus an unknown ID that must be dropped.
		return []diagram.MessageID{req.Candidates[1].ID, req.Candidates[2].ID, "msg-unknown"}, nil
	}}
	sel := NewSelector(llm, nil)

	got, fellBack := sel.Select(context.Background(), conv, SelectionRequest{
		Person:      "alice",
		MemorizeTo:  "API design",
		TaskPreview: "continue the design discussion",
	})
	if fellBack {
		t.Fatal("unexpected fallback")
	}
	if len(got) != 2 {
		t.Fatalf("selected %d messages, want 2", len(got))
	}
	if len(llm.calls) != 1 {
		t.Fatalf("selector called %d times, want 1", len(llm.calls))
	}
	call := llm.calls[0]
	if call.PersonID != diagram.PersonID("alice"+SelectorFacetSuffix) {
		t.Errorf("selector facet = %s, want alice%s", call.PersonID, SelectorFacetSuffix)
	}
	if call.Criterion != "API design" {
		t.Errorf("criterion = %q", call.Criterion)
	}
}

func TestSelect_FallbackOnLLMFailure(t *testing.T) {
	conv := seedConversation()
	llm := &fakeLLM{selectFn: func(ports.SelectMemoriesRequest) ([]diagram.MessageID, error) {
		return nil, errors.New("rate limited")
	}}
	sel := NewSelector(llm, nil)

	got, fellBack := sel.Select(context.Background(), conv, SelectionRequest{
		Person:     "bob",
		MemorizeTo: "requirements",
	})
	if !fellBack {
		t.Fatal("expected fallback to be reported")
	}
	if len(got) == 0 {
		t.Fatal("fallback view must not be empty for an involved persona")
	}
	for _, m := range got {
		if !m.Involves("bob") && !m.IsSystem() {
			t.Errorf("fallback included message not involving bob: %+v", m)
		}
	}
}

func TestSelect_IgnorePersons(t *testing.T) {
	conv := seedConversation()
	llm := &fakeLLM{selectFn: func(req ports.SelectMemoriesRequest) ([]diagram.MessageID, error) {
		for _, c := range req.Candidates {
			if c.From == "carol" {
				t.Error("ignored sender leaked into selector candidates")
			}
		}
		ids := make([]diagram.MessageID, len(req.Candidates))
		for i, c := range req.Candidates {
			ids[i] = c.ID
		}
		return ids, nil
	}}
	sel := NewSelector(llm, nil)

	got, _ := sel.Select(context.Background(), conv, SelectionRequest{
		Person:        "alice",
		MemorizeTo:    "everything",
		IgnorePersons: []diagram.PersonID{"carol"},
	})
	for _, m := range got {
		if m.From == "carol" {
			t.Errorf("ignored sender present in view: %+v", m)
		}
	}
}

func TestCapMessages_PreservesSystem(t *testing.T) {
	conv := seedConversation()
	msgs := AllInvolved(conv.Messages(), "alice")
	capped := capMessages(msgs, 2)

	var system, others int
	for _, m := range capped {
		if m.IsSystem() {
			system++
		} else {
			others++
		}
	}
	if system != 1 {
		t.Errorf("system messages = %d, want 1 preserved beyond the cap", system)
	}
	if others != 2 {
		t.Errorf("non-system messages = %d, want 2", others)
	}
	// Most recent survive.
	last := capped[len(capped)-1]
	if last.Body != "what about the requirements?" {
		t.Errorf("cap kept %q, want the most recent message", last.Body)
	}
}

func TestDedupeByContent(t *testing.T) {
	conv := NewConversation()
	first := conv.Append("alice", "bob", "The  API Design", nil)
	conv.Append("alice", "bob", "the api design", nil) // same after normalization
	conv.Append("alice", "bob", "something else", nil)

	got := dedupeByContent(conv.Messages())
	if len(got) != 2 {
		t.Fatalf("dedupe kept %d messages, want 2", len(got))
	}
	if got[0].ID != first.ID {
		t.Error("dedupe must keep the earliest occurrence")
	}
}
