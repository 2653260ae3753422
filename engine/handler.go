// ABOUTME: Node handler contract and the frozen node-type registry.
// ABOUTME: Handlers are registered at start-up; the registry rejects changes once frozen.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/envelope"
)

// metaActiveBranch marks a condition handler's selected branch on its
// output envelope.
const metaActiveBranch = "active_branch"

// Handler executes one node type. PrepareInputs is a pure transformation;
// Execute may suspend on injected I/O and must honour ctx cancellation.
type Handler interface {
	// PrepareInputs turns the resolved input namespace into the handler's
	// typed input value. No I/O.
	PrepareInputs(inputs Inputs, ec *ExecutionContext) (any, error)

	// Execute runs the node and returns its output envelope. Nodes with no
	// outputs (Endpoint) return an envelope recorded in history only.
	Execute(ctx context.Context, prepared any, ec *ExecutionContext) (*envelope.Envelope, error)

	// OnError may convert a failure into an error envelope emitted on the
	// node's error handle. Returning nil defers to the scheduler's
	// retry/fail logic.
	OnError(err error, ec *ExecutionContext) *envelope.Envelope

	// PostExecute post-processes the output. Default is identity.
	PostExecute(out *envelope.Envelope, ec *ExecutionContext) *envelope.Envelope
}

// BaseHandler provides the default PrepareInputs/OnError/PostExecute so
// concrete handlers only implement what they need.
type BaseHandler struct{}

func (BaseHandler) PrepareInputs(inputs Inputs, ec *ExecutionContext) (any, error) {
	return inputs, nil
}

func (BaseHandler) OnError(err error, ec *ExecutionContext) *envelope.Envelope {
	return nil
}

func (BaseHandler) PostExecute(out *envelope.Envelope, ec *ExecutionContext) *envelope.Envelope {
	return out
}

// Registry maps node types to handlers. It is the only process-wide
// mutable structure, and only until Freeze.
type Registry struct {
	mu       sync.Mutex
	frozen   bool
	handlers map[diagram.NodeType]Handler
}

// NewRegistry creates an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[diagram.NodeType]Handler)}
}

// Register binds a handler to a node type. Registering on a frozen
// registry or re-binding a type is an error.
func (r *Registry) Register(nt diagram.NodeType, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registry is frozen, cannot register %q", nt)
	}
	if _, exists := r.handlers[nt]; exists {
		return fmt.Errorf("node type %q already registered", nt)
	}
	r.handlers[nt] = h
	return nil
}

// Freeze makes the registry immutable.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Handler returns the handler for a node type.
func (r *Registry) Handler(nt diagram.NodeType) (Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[nt]
	return h, ok
}

// DefaultRegistry builds the frozen registry covering every built-in node
// type.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for nt, h := range map[diagram.NodeType]Handler{
		diagram.NodeTypeStart:               &StartHandler{},
		diagram.NodeTypeEndpoint:            &EndpointHandler{},
		diagram.NodeTypeCondition:           &ConditionHandler{},
		diagram.NodeTypePersonJob:           &PersonJobHandler{},
		diagram.NodeTypeCodeJob:             &CodeJobHandler{},
		diagram.NodeTypeApiJob:              &ApiJobHandler{},
		diagram.NodeTypeDb:                  &DbHandler{},
		diagram.NodeTypeTemplateJob:         &TemplateJobHandler{},
		diagram.NodeTypeJsonSchemaValidator: &JsonSchemaValidatorHandler{},
		diagram.NodeTypeHook:                &HookHandler{},
		diagram.NodeTypeSubDiagram:          &SubDiagramHandler{},
		diagram.NodeTypeUserResponse:        &UserResponseHandler{},
		diagram.NodeTypeIntegratedApi:       &IntegratedApiHandler{},
		diagram.NodeTypeDiffPatch:           &DiffPatchHandler{},
		diagram.NodeTypeIrBuilder:           &IrBuilderHandler{},
		diagram.NodeTypeTypescriptAst:       &TypescriptAstHandler{},
	} {
		if err := r.Register(nt, h); err != nil {
			panic(err) // unreachable: fresh registry
		}
	}
	r.Freeze()
	return r
}
