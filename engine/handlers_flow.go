// ABOUTME: Control-flow handlers: Start, Endpoint, and Condition.
// ABOUTME: Start seeds the execution's initial object; Condition tags its output with the active branch.
package engine

import (
	"context"
	"encoding/json"

	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/envelope"
)

// StartHandler fires once per execution and emits the execution variables
// merged with the node's configured custom data. Custom data wins on key
// conflicts.
type StartHandler struct {
	BaseHandler
}

func (h *StartHandler) Execute(ctx context.Context, prepared any, ec *ExecutionContext) (*envelope.Envelope, error) {
	node := ec.Node.(*diagram.StartNode)
	body := make(map[string]any, len(ec.Variables)+len(node.CustomData))
	for k, v := range ec.Variables {
		body[k] = v
	}
	for k, v := range node.CustomData {
		body[k] = v
	}
	return envelope.FromObject(body, string(node.ID)), nil
}

// EndpointHandler terminates a path. Its input is echoed back so history
// records it as a final output; optionally it persists the payload.
type EndpointHandler struct {
	BaseHandler
}

func (h *EndpointHandler) Execute(ctx context.Context, prepared any, ec *ExecutionContext) (*envelope.Envelope, error) {
	node := ec.Node.(*diagram.EndpointNode)
	inputs := prepared.(Inputs)

	env, ok := inputs[diagram.LabelDefault]
	if !ok {
		return nil, Permanentf(node.ID, "endpoint received no input")
	}

	if node.SaveToFile {
		if ec.Ports.Files == nil {
			return nil, Permanentf(node.ID, "save_to_file requires a file store")
		}
		data, err := payloadBytes(env)
		if err != nil {
			return nil, Permanentf(node.ID, "cannot serialize payload: %v", err)
		}
		if err := ec.Ports.Files.Write(ctx, node.FilePath, data); err != nil {
			return nil, Transientf(node.ID, "writing %s: %v", node.FilePath, err)
		}
	}
	return env.Derive(env.Body, env.ContentType), nil
}

// payloadBytes serializes an envelope body for persistence: strings and
// bytes verbatim, everything else as JSON.
func payloadBytes(env *envelope.Envelope) ([]byte, error) {
	switch b := env.Body.(type) {
	case string:
		return []byte(b), nil
	case []byte:
		return b, nil
	default:
		return json.MarshalIndent(b, "", "  ")
	}
}

// ConditionHandler evaluates its configured predicate and forwards the input
// envelope tagged with the selected branch. The driver publishes only on the
// matching branch edges.
type ConditionHandler struct {
	BaseHandler
}

func (h *ConditionHandler) Execute(ctx context.Context, prepared any, ec *ExecutionContext) (*envelope.Envelope, error) {
	node := ec.Node.(*diagram.ConditionNode)
	inputs := prepared.(Inputs)

	result, err := evalCondition(ctx, node, inputs, ec)
	if err != nil {
		return nil, err
	}

	branch := diagram.LabelCondFalse
	if result {
		branch = diagram.LabelCondTrue
	}

	out, ok := inputs[diagram.LabelDefault]
	if !ok {
		out = envelope.FromObject(map[string]any{}, string(node.ID))
	}
	return out.WithMeta(map[string]any{
		metaActiveBranch: string(branch),
		"result":         result,
	}), nil
}
