// ABOUTME: ExecutionContext handed to every handler invocation, plus the embedder-provided ports.
// ABOUTME: Handlers suspend only through these ports; everything else is in-memory and fast.
package engine

import (
	"context"

	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/person"
	"github.com/dipeo/dipeo/ports"
	"github.com/dipeo/dipeo/state"
)

// CodeExecutor runs CodeJob snippets. Executors are supplied by the
// runtime embedder; the core only defines the contract.
type CodeExecutor interface {
	Run(ctx context.Context, language diagram.CodeJobLanguage, code, functionName string, inputs map[string]any) (any, error)
}

// Interviewer answers UserResponse prompts with external (human) input.
type Interviewer interface {
	Ask(ctx context.Context, prompt string) (string, error)
}

// Ports bundles every injected I/O adapter handlers may suspend on.
type Ports struct {
	LLM   ports.LLMClient
	Files ports.FileStore
	HTTP  ports.HttpClient
	Code  CodeExecutor
	User  Interviewer
}

// ExecutionContext is the per-invocation view a handler receives: the
// node being run, its position in the execution, and the shared services.
type ExecutionContext struct {
	ExecID          diagram.ExecutionID
	Diagram         *diagram.ExecutableDiagram
	Node            diagram.ExecutableNode
	Epoch           uint64
	ExecutionNumber int

	// Variables are the execution's initial inputs, available to every
	// handler read-only.
	Variables map[string]any

	Tracker      *state.Tracker
	Conversation *person.Conversation
	Memory       *person.Selector
	Ports        Ports
	Config       Config

	// Engine runs child diagrams for SubDiagram nodes.
	Engine *Engine
}
