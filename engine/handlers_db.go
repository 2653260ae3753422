// ABOUTME: Db handler: file-backed read/write/append/update through the FileStore port,
// ABOUTME: with optional dot-path key selection and JSON serialization.
package engine

import (
	"context"
	"encoding/json"

	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/envelope"
)

// DbHandler performs one file operation. Keys select dot paths out of JSON
// payloads; serialize_json forces JSON encoding on writes and parsing on
// reads.
type DbHandler struct {
	BaseHandler
}

func (h *DbHandler) Execute(ctx context.Context, prepared any, ec *ExecutionContext) (*envelope.Envelope, error) {
	node := ec.Node.(*diagram.DbNode)
	inputs := prepared.(Inputs)

	if ec.Ports.Files == nil {
		return nil, Permanentf(node.ID, "no file store configured")
	}

	switch node.Operation {
	case diagram.DbRead:
		return h.read(ctx, node, ec)
	case diagram.DbWrite:
		return h.write(ctx, node, inputs, ec, false)
	case diagram.DbAppend:
		return h.write(ctx, node, inputs, ec, true)
	case diagram.DbUpdate:
		return h.update(ctx, node, inputs, ec)
	default:
		return nil, Permanentf(node.ID, "unknown db operation %q", node.Operation)
	}
}

func (h *DbHandler) read(ctx context.Context, node *diagram.DbNode, ec *ExecutionContext) (*envelope.Envelope, error) {
	data, err := ec.Ports.Files.Read(ctx, node.FilePath)
	if err != nil {
		return nil, Transientf(node.ID, "reading %s: %v", node.FilePath, err)
	}

	if len(node.Keys) == 0 && !node.SerializeJSON {
		return envelope.FromObject(map[string]any{
			"file_path": node.FilePath,
			"content":   string(data),
		}, string(node.ID)), nil
	}

	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, Permanentf(node.ID, "%s is not valid JSON: %v", node.FilePath, err)
	}
	if len(node.Keys) == 0 {
		return fromValue(parsed, node.ID), nil
	}

	obj, ok := parsed.(map[string]any)
	if !ok {
		return nil, Permanentf(node.ID, "%s holds a JSON %T, key selection needs an object", node.FilePath, parsed)
	}
	selected := make(map[string]any, len(node.Keys))
	for _, key := range node.Keys {
		v, present := lookupPath(obj, key)
		if !present {
			return nil, Permanentf(node.ID, "key %q not found in %s", key, node.FilePath)
		}
		selected[key] = v
	}
	return envelope.FromObject(selected, string(node.ID)), nil
}

func (h *DbHandler) write(ctx context.Context, node *diagram.DbNode, inputs Inputs, ec *ExecutionContext, appendMode bool) (*envelope.Envelope, error) {
	env, ok := inputs[diagram.LabelDefault]
	if !ok {
		return nil, Permanentf(node.ID, "%s needs an input value", node.Operation)
	}

	var data []byte
	if s, isStr := env.Body.(string); isStr && !node.SerializeJSON {
		data = []byte(s)
	} else {
		encoded, err := json.Marshal(env.Body)
		if err != nil {
			return nil, Permanentf(node.ID, "serializing payload: %v", err)
		}
		data = encoded
	}

	var err error
	if appendMode {
		err = ec.Ports.Files.Append(ctx, node.FilePath, data)
	} else {
		err = ec.Ports.Files.Write(ctx, node.FilePath, data)
	}
	if err != nil {
		return nil, Transientf(node.ID, "%s %s: %v", node.Operation, node.FilePath, err)
	}
	return envelope.FromObject(map[string]any{
		"file_path": node.FilePath,
		"operation": string(node.Operation),
		"bytes":     len(data),
	}, string(node.ID)), nil
}

// update reads the file as a JSON object, shallow-merges the input object
// over it, and writes the result back.
func (h *DbHandler) update(ctx context.Context, node *diagram.DbNode, inputs Inputs, ec *ExecutionContext) (*envelope.Envelope, error) {
	env, ok := inputs[diagram.LabelDefault]
	if !ok {
		return nil, Permanentf(node.ID, "update needs an input value")
	}
	patch, ok := env.Body.(map[string]any)
	if !ok {
		return nil, Permanentf(node.ID, "update needs an object input, got %T", env.Body)
	}

	current := map[string]any{}
	if data, err := ec.Ports.Files.Read(ctx, node.FilePath); err == nil {
		if err := json.Unmarshal(data, &current); err != nil {
			return nil, Permanentf(node.ID, "%s is not a JSON object: %v", node.FilePath, err)
		}
	}
	for k, v := range patch {
		current[k] = v
	}
	data, err := json.Marshal(current)
	if err != nil {
		return nil, Permanentf(node.ID, "serializing merged object: %v", err)
	}
	if err := ec.Ports.Files.Write(ctx, node.FilePath, data); err != nil {
		return nil, Transientf(node.ID, "update %s: %v", node.FilePath, err)
	}
	return envelope.FromObject(map[string]any{
		"file_path": node.FilePath,
		"operation": string(node.Operation),
		"keys":      len(patch),
	}, string(node.ID)), nil
}
