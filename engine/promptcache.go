// ABOUTME: Bounded LRU cache of rendered prompt/template strings.
// ABOUTME: Keys combine the template text with a fingerprint of the substitution values.
package engine

import (
	"container/list"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
)

type promptCacheEntry struct {
	key      [32]byte
	rendered string
}

// promptCache is a plain LRU over rendered templates. PersonJob and
// TemplateJob repeatedly re-render identical templates inside loops; the
// cache turns those re-renders into lookups.
type promptCache struct {
	mu    sync.Mutex
	max   int
	order *list.List
	items map[[32]byte]*list.Element
}

func newPromptCache(max int) *promptCache {
	return &promptCache{
		max:   max,
		order: list.New(),
		items: make(map[[32]byte]*list.Element),
	}
}

// render substitutes {{key}} placeholders from values, consulting the cache
// first. values must be JSON-serializable; unserializable values bypass the
// cache.
func (c *promptCache) render(template string, values map[string]any) string {
	key, cacheable := fingerprint(template, values)
	if cacheable {
		c.mu.Lock()
		if el, ok := c.items[key]; ok {
			c.order.MoveToFront(el)
			rendered := el.Value.(*promptCacheEntry).rendered
			c.mu.Unlock()
			return rendered
		}
		c.mu.Unlock()
	}

	rendered := substitute(template, values)

	if cacheable {
		c.mu.Lock()
		if _, ok := c.items[key]; !ok {
			el := c.order.PushFront(&promptCacheEntry{key: key, rendered: rendered})
			c.items[key] = el
			for c.order.Len() > c.max {
				oldest := c.order.Back()
				c.order.Remove(oldest)
				delete(c.items, oldest.Value.(*promptCacheEntry).key)
			}
		}
		c.mu.Unlock()
	}
	return rendered
}

func fingerprint(template string, values map[string]any) ([32]byte, bool) {
	data, err := json.Marshal(values)
	if err != nil {
		return [32]byte{}, false
	}
	h := blake3.New()
	h.Write([]byte(template))
	h.Write([]byte{0})
	h.Write(data)
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key, true
}

// substitute replaces {{key}} placeholders. Unknown placeholders are left
// intact so missing bindings are visible in the output.
func substitute(template string, values map[string]any) string {
	out := template
	for k, v := range values {
		out = strings.ReplaceAll(out, "{{"+k+"}}", stringifyValue(v))
	}
	return out
}

func stringifyValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	}
	if data, err := json.Marshal(v); err == nil {
		return string(data)
	}
	return fmt.Sprintf("%v", v)
}
