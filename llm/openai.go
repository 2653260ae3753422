// ABOUTME: OpenAI adapter for the LLMClient port, built on the official openai-go SDK.
// ABOUTME: Maps persona configs to chat completion calls and SDK failures to typed port errors.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/ports"
)

// selectorTemperature keeps memory selection near-deterministic.
const selectorTemperature = 0.1

// Client implements ports.LLMClient against the OpenAI API.
type Client struct {
	api openai.Client
	log *slog.Logger
}

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	baseURL string
	log     *slog.Logger
}

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(url string) Option {
	return func(c *clientConfig) { c.baseURL = url }
}

// WithLogger sets the client's logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *clientConfig) { c.log = log }
}

// New creates an OpenAI-backed LLM client.
func New(apiKey string, opts ...Option) *Client {
	cfg := clientConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}
	return &Client{api: openai.NewClient(reqOpts...), log: cfg.log}
}

// Complete performs one chat completion for a persona.
func (c *Client) Complete(ctx context.Context, req ports.CompleteRequest) (*ports.CompleteResult, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Config.Model),
		Messages: buildMessages(req.Config.SystemPrompt, req.Messages),
	}
	if req.Temperature >= 0 {
		params.Temperature = openai.Float(req.Temperature)
	} else if req.Config.Temperature != nil {
		params.Temperature = openai.Float(*req.Config.Temperature)
	}
	if req.StructuredSchema != nil {
		params.ResponseFormat = structuredFormat(req.StructuredSchema)
	}

	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, mapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ports.LLMError{Kind: ports.LLMServerError, Message: "empty completion response"}
	}

	result := &ports.CompleteResult{
		Text: resp.Choices[0].Message.Content,
		Usage: ports.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if req.StructuredSchema != nil {
		var structured map[string]any
		if err := json.Unmarshal([]byte(result.Text), &structured); err != nil {
			return nil, &ports.LLMError{Kind: ports.LLMServerError,
				Message: fmt.Sprintf("structured output is not valid JSON: %v", err)}
		}
		result.Structured = structured
	}
	return result, nil
}

// SelectMemories runs the dual-persona selection call: the selector facet is
// asked, at low temperature with a JSON schema, which candidate message IDs
// matter for the criterion and upcoming task.
func (c *Client) SelectMemories(ctx context.Context, req ports.SelectMemoriesRequest) ([]diagram.MessageID, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, selecting which conversation messages to keep in memory.\n", req.PersonID)
	fmt.Fprintf(&sb, "Selection criterion: %s\n", req.Criterion)
	if req.TaskPreview != "" {
		fmt.Fprintf(&sb, "Upcoming task: %s\n", req.TaskPreview)
	}
	if req.AtMost > 0 {
		fmt.Fprintf(&sb, "Select at most %d messages.\n", req.AtMost)
	}
	sb.WriteString("\nCandidate messages:\n")
	for _, m := range req.Candidates {
		fmt.Fprintf(&sb, "[%s] %s -> %s: %s\n", m.ID, m.From, m.To, m.Body)
	}
	sb.WriteString("\nReturn the IDs of the messages to keep.")

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(req.Config.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(sb.String()),
		},
		Temperature:    openai.Float(selectorTemperature),
		ResponseFormat: structuredFormat(selectionSchema),
	}

	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, mapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ports.LLMError{Kind: ports.LLMServerError, Message: "empty selection response"}
	}
	return parseSelection(resp.Choices[0].Message.Content)
}

// selectionSchema is the structured-output contract for SelectMemories.
var selectionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"message_ids": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
	},
	"required":             []any{"message_ids"},
	"additionalProperties": false,
}

// parseSelection extracts the selected IDs from the model's JSON reply.
func parseSelection(content string) ([]diagram.MessageID, error) {
	var payload struct {
		MessageIDs []string `json:"message_ids"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, &ports.LLMError{Kind: ports.LLMServerError,
			Message: fmt.Sprintf("selection reply is not valid JSON: %v", err)}
	}
	ids := make([]diagram.MessageID, len(payload.MessageIDs))
	for i, id := range payload.MessageIDs {
		ids[i] = diagram.MessageID(id)
	}
	return ids, nil
}

// buildMessages prepends the persona's system prompt and converts the port
// message roles to SDK unions.
func buildMessages(systemPrompt string, msgs []ports.ChatMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if systemPrompt != "" {
		out = append(out, openai.SystemMessage(systemPrompt))
	}
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// structuredFormat wraps a JSON schema for strict structured output.
func structuredFormat(schema map[string]any) openai.ChatCompletionNewParamsResponseFormatUnion {
	return openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
			JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
				Name:   "output",
				Schema: schema,
				Strict: openai.Bool(true),
			},
		},
	}
}

// mapError converts SDK failures into the port's typed error.
func mapError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		kind := ports.LLMInvalidRequest
		switch {
		case apierr.StatusCode == 429:
			kind = ports.LLMRateLimited
		case apierr.StatusCode == 408:
			kind = ports.LLMTimeout
		case apierr.StatusCode >= 500:
			kind = ports.LLMServerError
		}
		return &ports.LLMError{Kind: kind, Message: apierr.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ports.LLMError{Kind: ports.LLMTimeout, Message: err.Error()}
	}
	return &ports.LLMError{Kind: ports.LLMServerError, Message: err.Error()}
}
