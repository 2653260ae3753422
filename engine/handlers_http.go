// ABOUTME: ApiJob and IntegratedApi handlers: outbound HTTP through the HttpClient port.
// ABOUTME: 5xx and transport failures are transient; 4xx responses fail permanently.
package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/envelope"
	"github.com/dipeo/dipeo/ports"
)

// ApiJobHandler performs one HTTP request and emits an object envelope with
// the status, headers, and parsed body.
type ApiJobHandler struct {
	BaseHandler
}

func (h *ApiJobHandler) Execute(ctx context.Context, prepared any, ec *ExecutionContext) (*envelope.Envelope, error) {
	node := ec.Node.(*diagram.ApiJobNode)
	inputs := prepared.(Inputs)

	if ec.Ports.HTTP == nil {
		return nil, Permanentf(node.ID, "no http client configured")
	}

	body := node.Body
	if body == nil {
		if env, ok := inputs[diagram.LabelDefault]; ok {
			body = env.Body
		}
	}
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, Permanentf(node.ID, "request body: %v", err)
		}
		payload = data
	}

	url := ec.Engine.tmpl.render(node.URL, substitutionValues(inputs, ec.Variables))
	resp, err := doRequest(ctx, ec.Ports.HTTP, node.ID, node.Method, url, node.Headers, payload, ec.Node.Timeout())
	if err != nil {
		return nil, err
	}
	return envelope.FromObject(responseBody(resp), string(node.ID)), nil
}

// doRequest issues the request and classifies the outcome: transport errors
// and 5xx/429 are transient, other 4xx permanent.
func doRequest(ctx context.Context, client ports.HttpClient, node diagram.NodeID, method, url string, headers map[string]string, payload []byte, timeout time.Duration) (*ports.HttpResponse, error) {
	if method == "" {
		method = "GET"
	}
	resp, err := client.Request(ctx, strings.ToUpper(method), url, headers, payload, timeout)
	if err != nil {
		return nil, Transientf(node, "%s %s: %v", method, url, err)
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == 429:
		return nil, Transientf(node, "%s %s returned %d", method, url, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, Permanentf(node, "%s %s returned %d", method, url, resp.StatusCode)
	}
	return resp, nil
}

// responseBody shapes an HTTP response into the handler's output object.
// JSON bodies are parsed; anything else passes through as a string.
func responseBody(resp *ports.HttpResponse) map[string]any {
	out := map[string]any{
		"status":  resp.StatusCode,
		"headers": resp.Headers,
	}
	var parsed any
	if json.Unmarshal(resp.Body, &parsed) == nil {
		out["body"] = parsed
	} else {
		out["body"] = string(resp.Body)
	}
	return out
}

// IntegratedApiHandler calls a named provider operation. The provider config
// supplies the endpoint; the input payload merges with the configured one.
type IntegratedApiHandler struct {
	BaseHandler
}

func (h *IntegratedApiHandler) Execute(ctx context.Context, prepared any, ec *ExecutionContext) (*envelope.Envelope, error) {
	node := ec.Node.(*diagram.IntegratedApiNode)
	inputs := prepared.(Inputs)

	if ec.Ports.HTTP == nil {
		return nil, Permanentf(node.ID, "no http client configured")
	}

	url, _ := node.Config["url"].(string)
	if url == "" {
		return nil, Permanentf(node.ID, "provider %q operation %q declares no url", node.Provider, node.Operation)
	}
	method, _ := node.Config["method"].(string)

	payload := map[string]any{}
	if configured, ok := node.Config["payload"].(map[string]any); ok {
		for k, v := range configured {
			payload[k] = v
		}
	}
	if env, ok := inputs[diagram.LabelDefault]; ok {
		if obj, isObj := env.Body.(map[string]any); isObj {
			for k, v := range obj {
				payload[k] = v
			}
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, Permanentf(node.ID, "request payload: %v", err)
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if configured, ok := node.Config["headers"].(map[string]any); ok {
		for k, v := range configured {
			if s, isStr := v.(string); isStr {
				headers[k] = s
			}
		}
	}

	resp, err := doRequest(ctx, ec.Ports.HTTP, node.ID, method, url, headers, data, ec.Node.Timeout())
	if err != nil {
		return nil, err
	}
	body := responseBody(resp)
	body["provider"] = node.Provider
	body["operation"] = node.Operation
	return envelope.FromObject(body, string(node.ID)), nil
}
