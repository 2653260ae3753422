// ABOUTME: CodeJob and Hook handlers: embedded code execution and external side effects.
// ABOUTME: Both delegate to injected ports; the core never spawns processes itself.
package engine

import (
	"context"
	"encoding/json"

	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/envelope"
)

// CodeJobHandler runs a snippet through the embedder's CodeExecutor. The
// executor's return value is emitted as-is: strings become raw_text,
// everything else object. No wrapping.
type CodeJobHandler struct {
	BaseHandler
}

func (h *CodeJobHandler) Execute(ctx context.Context, prepared any, ec *ExecutionContext) (*envelope.Envelope, error) {
	node := ec.Node.(*diagram.CodeJobNode)
	inputs := prepared.(Inputs)

	if ec.Ports.Code == nil {
		return nil, Permanentf(node.ID, "no code executor configured")
	}

	code := node.Code
	if code == "" && node.FilePath != "" {
		if ec.Ports.Files == nil {
			return nil, Permanentf(node.ID, "file_path requires a file store")
		}
		data, err := ec.Ports.Files.Read(ctx, node.FilePath)
		if err != nil {
			return nil, Transientf(node.ID, "reading %s: %v", node.FilePath, err)
		}
		code = string(data)
	}
	if code == "" {
		return nil, Permanentf(node.ID, "code job has no code")
	}

	args := make(map[string]any, len(inputs))
	for label, env := range inputs {
		args[string(label)] = env.Body
	}

	result, err := ec.Ports.Code.Run(ctx, node.Language, code, node.FunctionName, args)
	if err != nil {
		return nil, Permanentf(node.ID, "%s executor: %v", node.Language, err)
	}
	return fromValue(result, node.ID), nil
}

// fromValue builds the envelope matching a raw handler result.
func fromValue(v any, producedBy diagram.NodeID) *envelope.Envelope {
	switch t := v.(type) {
	case string:
		return envelope.FromText(t, string(producedBy))
	case []byte:
		return envelope.FromBinary(t, string(producedBy))
	case nil:
		return envelope.FromObject(map[string]any{}, string(producedBy))
	default:
		return envelope.FromObject(t, string(producedBy))
	}
}

// HookHandler triggers an external side effect: a shell command through the
// code executor or an HTTP webhook.
type HookHandler struct {
	BaseHandler
}

func (h *HookHandler) Execute(ctx context.Context, prepared any, ec *ExecutionContext) (*envelope.Envelope, error) {
	node := ec.Node.(*diagram.HookNode)
	inputs := prepared.(Inputs)

	args := make(map[string]any, len(inputs))
	for label, env := range inputs {
		args[string(label)] = env.Body
	}

	switch node.HookType {
	case diagram.HookShell:
		if ec.Ports.Code == nil {
			return nil, Permanentf(node.ID, "shell hook requires a code executor")
		}
		result, err := ec.Ports.Code.Run(ctx, diagram.LangShell, node.Command, "", args)
		if err != nil {
			return nil, Transientf(node.ID, "shell hook: %v", err)
		}
		return envelope.FromObject(map[string]any{
			"hook_type": string(node.HookType),
			"output":    result,
		}, string(node.ID)), nil

	case diagram.HookWebhook:
		if ec.Ports.HTTP == nil {
			return nil, Permanentf(node.ID, "webhook hook requires an http client")
		}
		payload, err := json.Marshal(args)
		if err != nil {
			return nil, Permanentf(node.ID, "webhook payload: %v", err)
		}
		resp, err := ec.Ports.HTTP.Request(ctx, "POST", node.URL,
			map[string]string{"Content-Type": "application/json"}, payload, ec.Node.Timeout())
		if err != nil {
			return nil, Transientf(node.ID, "webhook %s: %v", node.URL, err)
		}
		if resp.StatusCode >= 500 {
			return nil, Transientf(node.ID, "webhook %s returned %d", node.URL, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return nil, Permanentf(node.ID, "webhook %s returned %d", node.URL, resp.StatusCode)
		}
		return envelope.FromObject(map[string]any{
			"hook_type": string(node.HookType),
			"status":    resp.StatusCode,
			"body":      string(resp.Body),
		}, string(node.ID)), nil

	default:
		return nil, Permanentf(node.ID, "unknown hook type %q", node.HookType)
	}
}
