// ABOUTME: Edge transform rule application: extract, wrap, map, template, serialize_json, parse_json.
// ABOUTME: Transforms are the only sanctioned way a value changes shape between producer and consumer.
package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/envelope"
)

// applyTransforms runs an edge's declared rules in order. A rule whose
// precondition fails returns a TransformError.
func applyTransforms(edge *diagram.ExecutableEdge, env *envelope.Envelope) (*envelope.Envelope, error) {
	out := env
	for _, rule := range edge.Transforms {
		var err error
		out, err = applyTransform(edge.ID, rule, out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func applyTransform(edgeID diagram.EdgeID, rule diagram.TransformRule, env *envelope.Envelope) (*envelope.Envelope, error) {
	switch rule.Op {
	case diagram.TransformExtract:
		obj, ok := env.Body.(map[string]any)
		if !ok {
			return nil, &TransformError{Edge: edgeID, Op: rule.Op, Message: fmt.Sprintf("extract requires an object body, got %T", env.Body)}
		}
		v, present := lookupPath(obj, rule.Field)
		if !present {
			return nil, &TransformError{Edge: edgeID, Op: rule.Op, Message: fmt.Sprintf("field %q not found", rule.Field)}
		}
		return env.Derive(v, contentTypeOf(v)), nil

	case diagram.TransformWrap:
		if rule.Key == "" {
			return nil, &TransformError{Edge: edgeID, Op: rule.Op, Message: "wrap requires a key"}
		}
		return env.Derive(map[string]any{rule.Key: env.Body}, envelope.ContentObject), nil

	case diagram.TransformMap:
		obj, ok := env.Body.(map[string]any)
		if !ok {
			return nil, &TransformError{Edge: edgeID, Op: rule.Op, Message: fmt.Sprintf("map requires an object body, got %T", env.Body)}
		}
		out := make(map[string]any, len(obj))
		for k, v := range obj {
			if renamed, mapped := rule.Mapping[k]; mapped {
				k = renamed
			}
			out[k] = v
		}
		return env.Derive(out, envelope.ContentObject), nil

	case diagram.TransformTemplate:
		rendered, err := renderTemplate(rule.Format, env.Body)
		if err != nil {
			return nil, &TransformError{Edge: edgeID, Op: rule.Op, Message: err.Error()}
		}
		return env.Derive(rendered, envelope.ContentRawText), nil

	case diagram.TransformSerialize:
		data, err := json.Marshal(env.Body)
		if err != nil {
			return nil, &TransformError{Edge: edgeID, Op: rule.Op, Message: err.Error()}
		}
		return env.Derive(string(data), envelope.ContentRawText), nil

	case diagram.TransformParse:
		s, ok := env.Body.(string)
		if !ok {
			return nil, &TransformError{Edge: edgeID, Op: rule.Op, Message: fmt.Sprintf("parse_json requires a string body, got %T", env.Body)}
		}
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, &TransformError{Edge: edgeID, Op: rule.Op, Message: err.Error()}
		}
		return env.Derive(v, envelope.ContentObject), nil

	default:
		return nil, &TransformError{Edge: edgeID, Op: rule.Op, Message: "unknown transform op"}
	}
}

// lookupPath resolves a dot path within nested objects.
func lookupPath(obj map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = obj
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// renderTemplate substitutes {{key}} placeholders from an object body.
func renderTemplate(format string, body any) (string, error) {
	obj, ok := body.(map[string]any)
	if !ok {
		return "", fmt.Errorf("template requires an object body, got %T", body)
	}
	out := format
	for k, v := range obj {
		out = strings.ReplaceAll(out, "{{"+k+"}}", stringify(v))
	}
	return out, nil
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		if data, err := json.Marshal(v); err == nil {
			return string(data)
		}
		return fmt.Sprintf("%v", v)
	}
}

// contentTypeOf infers the content type of a transform result.
func contentTypeOf(v any) envelope.ContentType {
	switch v.(type) {
	case string:
		return envelope.ContentRawText
	case []byte:
		return envelope.ContentBinary
	case map[string]any, []any:
		return envelope.ContentObject
	default:
		return envelope.ContentObject
	}
}
