// ABOUTME: Tests for the rendered-prompt LRU cache and placeholder substitution.
package engine

import "testing"

func TestSubstitute_ReplacesKnownPlaceholders(t *testing.T) {
	got := substitute("hello {{name}}, you have {{count}} items", map[string]any{
		"name":  "alice",
		"count": 3.0,
	})
	if got != "hello alice, you have 3 items" {
		t.Errorf("substitute = %q", got)
	}
}

func TestSubstitute_LeavesUnknownPlaceholders(t *testing.T) {
	got := substitute("hi {{who}}", map[string]any{"name": "alice"})
	if got != "hi {{who}}" {
		t.Errorf("substitute = %q", got)
	}
}

func TestStringifyValue(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"plain", "plain"},
		{42.0, "42"},
		{map[string]any{"k": "v"}, `{"k":"v"}`},
		{[]any{1.0, 2.0}, "[1,2]"},
	}
	for _, tc := range cases {
		if got := stringifyValue(tc.in); got != tc.want {
			t.Errorf("stringifyValue(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPromptCache_ReturnsCachedRender(t *testing.T) {
	c := newPromptCache(4)
	values := map[string]any{"x": "one"}

	first := c.render("value: {{x}}", values)
	second := c.render("value: {{x}}", values)
	if first != "value: one" || second != first {
		t.Errorf("renders = %q / %q", first, second)
	}
	if c.order.Len() != 1 {
		t.Errorf("cache holds %d entries, want 1", c.order.Len())
	}
}

func TestPromptCache_DistinguishesValues(t *testing.T) {
	c := newPromptCache(4)
	a := c.render("value: {{x}}", map[string]any{"x": "one"})
	b := c.render("value: {{x}}", map[string]any{"x": "two"})
	if a == b {
		t.Error("different bindings rendered identically")
	}
	if c.order.Len() != 2 {
		t.Errorf("cache holds %d entries, want 2", c.order.Len())
	}
}

func TestPromptCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := newPromptCache(2)
	c.render("a {{x}}", map[string]any{"x": 1.0})
	c.render("b {{x}}", map[string]any{"x": 1.0})
	// Touch "a" so "b" becomes the eviction candidate.
	c.render("a {{x}}", map[string]any{"x": 1.0})
	c.render("c {{x}}", map[string]any{"x": 1.0})

	if c.order.Len() != 2 {
		t.Fatalf("cache holds %d entries, want 2", c.order.Len())
	}
	key, _ := fingerprint("b {{x}}", map[string]any{"x": 1.0})
	if _, stillCached := c.items[key]; stillCached {
		t.Error("least recently used entry was not evicted")
	}
}
