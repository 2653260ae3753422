// ABOUTME: Typed accessors over a raw node data map, with fieldMappings renames applied once up front.
// ABOUTME: Wrong-typed values produce transformation errors attributed to the owning node.
package compile

import (
	"encoding/json"

	"github.com/dipeo/dipeo/diagram"
)

// fields wraps one node's raw data map after rename mapping. Accessors
// coerce JSON-ish scalar representations (float64 for ints, etc.) and
// report type mismatches as transformation errors.
type fields struct {
	p    *pass
	node diagram.NodeID
	data map[string]any
}

func newFields(p *pass, node diagram.NodeID, raw map[string]any, renames map[string]string) fields {
	data := make(map[string]any, len(raw))
	for k, v := range raw {
		if canonical, ok := renames[k]; ok {
			k = canonical
		}
		data[k] = v
	}
	return fields{p: p, node: node, data: data}
}

func (f fields) raw(key string) any { return f.data[key] }

func (f fields) str(key, fallback string) string {
	v, ok := f.data[key]
	if !ok || v == nil {
		return fallback
	}
	s, ok := v.(string)
	if !ok {
		f.p.errorf(PhaseTransformation, f.node, "", "field %q must be a string", key)
		return fallback
	}
	return s
}

func (f fields) intval(key string, fallback int) int {
	v, ok := f.data[key]
	if !ok || v == nil {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		f.p.errorf(PhaseTransformation, f.node, "", "field %q must be a number", key)
		return fallback
	}
}

func (f fields) boolean(key string, fallback bool) bool {
	v, ok := f.data[key]
	if !ok || v == nil {
		return fallback
	}
	b, ok := v.(bool)
	if !ok {
		f.p.errorf(PhaseTransformation, f.node, "", "field %q must be a boolean", key)
		return fallback
	}
	return b
}

func (f fields) strs(key string) []string {
	v, ok := f.data[key]
	if !ok || v == nil {
		return nil
	}
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				f.p.errorf(PhaseTransformation, f.node, "", "field %q must be a list of strings", key)
				return nil
			}
			out = append(out, s)
		}
		return out
	default:
		f.p.errorf(PhaseTransformation, f.node, "", "field %q must be a list of strings", key)
		return nil
	}
}

func (f fields) object(key string) map[string]any {
	v, ok := f.data[key]
	if !ok || v == nil {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		f.p.errorf(PhaseTransformation, f.node, "", "field %q must be an object", key)
		return nil
	}
	return m
}

func (f fields) strmap(key string) map[string]string {
	v, ok := f.data[key]
	if !ok || v == nil {
		return nil
	}
	switch m := v.(type) {
	case map[string]string:
		return m
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, item := range m {
			s, ok := item.(string)
			if !ok {
				f.p.errorf(PhaseTransformation, f.node, "", "field %q must map strings to strings", key)
				return nil
			}
			out[k] = s
		}
		return out
	default:
		f.p.errorf(PhaseTransformation, f.node, "", "field %q must map strings to strings", key)
		return nil
	}
}

// domainFromMap decodes an inline child diagram through a JSON round-trip.
func domainFromMap(p *pass, node diagram.NodeID, raw map[string]any) *diagram.DomainDiagram {
	buf, err := json.Marshal(raw)
	if err != nil {
		p.errorf(PhaseTransformation, node, "", "inline diagram is not serializable: %v", err)
		return nil
	}
	var d diagram.DomainDiagram
	if err := json.Unmarshal(buf, &d); err != nil {
		p.errorf(PhaseTransformation, node, "", "inline diagram is malformed: %v", err)
		return nil
	}
	return &d
}
