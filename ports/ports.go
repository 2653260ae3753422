// ABOUTME: Outbound port contracts the core consumes: LLM completion, file storage, HTTP.
// ABOUTME: Concrete adapters live outside the core; the engine and person subsystem depend only on these interfaces.
package ports

import (
	"context"
	"fmt"
	"time"

	"github.com/dipeo/dipeo/diagram"
)

// ChatMessage is one turn of the prompt sent to an LLM.
type ChatMessage struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// CompleteRequest describes a single LLM completion call.
type CompleteRequest struct {
	Config   diagram.LLMConfig
	Messages []ChatMessage
	// StructuredSchema, when non-nil, requests JSON output conforming to the
	// given JSON schema.
	StructuredSchema map[string]any
	// Tools restricts the tool surface offered to the model.
	Tools diagram.ToolPreset
	// Temperature overrides the persona's configured temperature when >= 0.
	Temperature float64
}

// Usage reports token accounting for a completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// CompleteResult is the outcome of a completion call.
type CompleteResult struct {
	Text       string
	Structured map[string]any // non-nil when StructuredSchema was supplied
	Usage      Usage
}

// LLMClient is the completion port. Implementations may block on network
// I/O; they must honour ctx cancellation.
type LLMClient interface {
	Complete(ctx context.Context, req CompleteRequest) (*CompleteResult, error)

	// SelectMemories asks the model to pick the message IDs relevant to a
	// selection criterion and upcoming task. Used by the dual-persona
	// memory selector; implementations run it at low temperature with a
	// JSON-array-of-IDs output schema.
	SelectMemories(ctx context.Context, req SelectMemoriesRequest) ([]diagram.MessageID, error)
}

// CandidateMessage is a conversation entry offered to the memory selector.
type CandidateMessage struct {
	ID   diagram.MessageID
	From string
	To   string
	Body string
}

// SelectMemoriesRequest describes one memory-selection call.
type SelectMemoriesRequest struct {
	Config      diagram.LLMConfig
	PersonID    diagram.PersonID
	Candidates  []CandidateMessage
	TaskPreview string
	Criterion   string
	AtMost      int // 0 means no cap
}

// LLMErrorKind classifies LLM port failures for retry decisions.
type LLMErrorKind string

const (
	LLMTimeout        LLMErrorKind = "timeout"
	LLMRateLimited    LLMErrorKind = "rate_limited"
	LLMInvalidRequest LLMErrorKind = "invalid_request"
	LLMServerError    LLMErrorKind = "server_error"
)

// LLMError is the typed failure returned by LLMClient implementations.
type LLMError struct {
	Kind    LLMErrorKind
	Message string
}

func (e *LLMError) Error() string {
	return fmt.Sprintf("llm error (%s): %s", e.Kind, e.Message)
}

// Transient reports whether the failure is worth retrying.
func (e *LLMError) Transient() bool {
	return e.Kind == LLMTimeout || e.Kind == LLMRateLimited || e.Kind == LLMServerError
}

// FileStore is the file persistence port used by Endpoint, Db, and DiffPatch
// handlers.
type FileStore interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Append(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error
}

// HttpResponse is the result of an HttpClient request.
type HttpResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// HttpClient is the outbound HTTP port used by ApiJob, IntegratedApi, and
// webhook hooks.
type HttpClient interface {
	Request(ctx context.Context, method, url string, headers map[string]string, body []byte, timeout time.Duration) (*HttpResponse, error)
}
