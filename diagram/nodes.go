// ABOUTME: Typed executable node variants produced by the compiler's transformation phase.
// ABOUTME: Each variant carries its validated configuration; the engine dispatches handlers on NodeType.
package diagram

import "time"

// MaxIterationScope selects how a PersonJob counts iterations against
// max_iteration: per epoch (reset on loop-controller epoch advance) or
// cumulative across the whole execution.
type MaxIterationScope string

const (
	ScopeCumulative MaxIterationScope = "cumulative"
	ScopePerEpoch   MaxIterationScope = "per_epoch"
)

// ConditionType selects the evaluation strategy of a Condition node.
type ConditionType string

const (
	CondDetectMaxIterations ConditionType = "detect_max_iterations"
	CondCheckNodesExecuted  ConditionType = "check_nodes_executed"
	CondCustomExpression    ConditionType = "custom_expression"
	CondLLMDecision         ConditionType = "llm_decision"
)

// ToolPreset restricts the tool surface a PersonJob may offer the model.
type ToolPreset string

const (
	ToolsNone      ToolPreset = "none"
	ToolsImage     ToolPreset = "image"
	ToolsWebsearch ToolPreset = "websearch"
)

// JoinPolicyKind selects how the scheduler evaluates readiness over a
// node's required incoming edges.
type JoinPolicyKind string

const (
	JoinAll  JoinPolicyKind = "all"
	JoinAny  JoinPolicyKind = "any"
	JoinKOfN JoinPolicyKind = "k_of_n"
)

// JoinPolicy is a node's readiness rule. K is meaningful only for k_of_n.
type JoinPolicy struct {
	Kind JoinPolicyKind
	K    int
}

// DefaultJoinPolicy is the ALL policy applied when a node declares none.
var DefaultJoinPolicy = JoinPolicy{Kind: JoinAll}

// NodeBase carries the configuration every executable node shares.
type NodeBase struct {
	ID         NodeID
	Type       NodeType
	Label      string
	Position   Position
	TimeoutS   int
	Retryable  bool
	MaxRetries int
	Join       JoinPolicy
}

// NodeID returns the node's identifier.
func (b *NodeBase) NodeID() NodeID { return b.ID }

// NodeType returns the node's type tag.
func (b *NodeBase) NodeType() NodeType { return b.Type }

// NodeLabel returns the node's display label.
func (b *NodeBase) NodeLabel() string { return b.Label }

// Timeout returns the node's execution timeout, or 0 for no timeout.
func (b *NodeBase) Timeout() time.Duration { return time.Duration(b.TimeoutS) * time.Second }

// RetryPolicy returns whether the node retries transient failures and how
// many times.
func (b *NodeBase) RetryPolicy() (bool, int) { return b.Retryable, b.MaxRetries }

// JoinRule returns the node's readiness policy, defaulting to ALL.
func (b *NodeBase) JoinRule() JoinPolicy {
	if b.Join.Kind == "" {
		return DefaultJoinPolicy
	}
	return b.Join
}

// ExecutableNode is the tagged-union interface over all typed node variants.
type ExecutableNode interface {
	NodeID() NodeID
	NodeType() NodeType
	NodeLabel() string
	Timeout() time.Duration
	RetryPolicy() (retryable bool, maxRetries int)
	JoinRule() JoinPolicy
}

// StartNode fires exactly once per execution at epoch 0 and emits its
// configured custom data as an object envelope.
type StartNode struct {
	NodeBase
	CustomData map[string]any
}

// EndpointNode terminates a path; it may persist its inputs via FileStore.
type EndpointNode struct {
	NodeBase
	SaveToFile bool
	FilePath   string
}

// ConditionNode routes a single token to condtrue or condfalse.
type ConditionNode struct {
	NodeBase
	ConditionType ConditionType
	Expression    string   // custom_expression
	TargetNodes   []NodeID // detect_max_iterations / check_nodes_executed subjects
	Person        PersonID // llm_decision persona
	JudgePrompt   string   // llm_decision prompt
	Skippable     bool
}

// PersonJobNode invokes an LLM persona with memory selection applied.
type PersonJobNode struct {
	NodeBase
	Person            PersonID
	FirstOnlyPrompt   string
	DefaultPrompt     string
	MaxIteration      int
	MaxIterationScope MaxIterationScope
	MemorizeTo        string
	AtMost            int
	IgnorePersons     []PersonID
	Tools             ToolPreset
	TextFormat        map[string]any // structured output JSON schema, nil for plain text
}

// CodeJobLanguage enumerates the embedded executors a CodeJob may target.
type CodeJobLanguage string

const (
	LangPython     CodeJobLanguage = "python"
	LangTypescript CodeJobLanguage = "typescript"
	LangBash       CodeJobLanguage = "bash"
	LangShell      CodeJobLanguage = "shell"
)

// CodeJobNode runs a snippet through an embedder-provided executor.
type CodeJobNode struct {
	NodeBase
	Language     CodeJobLanguage
	Code         string
	FilePath     string
	FunctionName string
}

// ApiJobNode performs a synchronous HTTP request through the HttpClient port.
type ApiJobNode struct {
	NodeBase
	URL     string
	Method  string
	Headers map[string]string
	Body    any
}

// DbOperation enumerates Db node file operations.
type DbOperation string

const (
	DbRead   DbOperation = "read"
	DbWrite  DbOperation = "write"
	DbAppend DbOperation = "append"
	DbUpdate DbOperation = "update"
)

// DbNode reads or writes files through the FileStore port.
type DbNode struct {
	NodeBase
	Operation     DbOperation
	FilePath      string
	Keys          []string // dot-path selection for JSON payloads
	SerializeJSON bool
}

// TemplateJobNode renders a template against its inputs.
type TemplateJobNode struct {
	NodeBase
	TemplateContent string
	OutputPath      string
}

// JsonSchemaValidatorNode validates its object input against a JSON schema.
type JsonSchemaValidatorNode struct {
	NodeBase
	Schema     map[string]any
	SchemaPath string
	StrictMode bool
}

// HookType enumerates hook invocation mechanisms.
type HookType string

const (
	HookShell   HookType = "shell"
	HookWebhook HookType = "webhook"
)

// HookNode triggers an external side effect (shell command or webhook).
type HookNode struct {
	NodeBase
	HookType HookType
	Command  string
	URL      string
}

// SubDiagramOutputMode selects the output envelope shape of a batch run.
type SubDiagramOutputMode string

const (
	OutputPureList   SubDiagramOutputMode = "pure_list"
	OutputRichObject SubDiagramOutputMode = "rich_object"
)

// SubDiagramNode runs a child diagram, optionally batched over an input list.
type SubDiagramNode struct {
	NodeBase
	Child         *DomainDiagram
	DiagramName   string
	Batch         bool
	BatchInputKey string
	OutputMode    SubDiagramOutputMode
	ResultKey     string
}

// UserResponseNode asks an external interviewer for free-form input.
type UserResponseNode struct {
	NodeBase
	Prompt string
}

// IntegratedApiNode calls a named provider operation through HttpClient.
type IntegratedApiNode struct {
	NodeBase
	Provider  string
	Operation string
	Config    map[string]any
}

// DiffPatchMode selects how a unified diff is applied.
type DiffPatchMode string

const (
	PatchNormal  DiffPatchMode = "normal"
	PatchForce   DiffPatchMode = "force"
	PatchDryRun  DiffPatchMode = "dry_run"
	PatchReverse DiffPatchMode = "reverse"
)

// DiffPatchNode applies a unified diff to a file via FileStore.
type DiffPatchNode struct {
	NodeBase
	TargetPath string
	Diff       string
	Mode       DiffPatchMode
}

// IrBuilderNode assembles an intermediate representation for code
// generation. The build step itself depends on an external toolchain.
type IrBuilderNode struct {
	NodeBase
	BuilderType string
	SourceType  string
}

// TypescriptAstNode parses TypeScript source into an AST projection. Parsing
// depends on an external toolchain.
type TypescriptAstNode struct {
	NodeBase
	ExtractPatterns []string
}
