// ABOUTME: NodeType enumeration covering every executable node variant the compiler can build.
// ABOUTME: The registry in the engine package maps each type to a handler implementation.
package diagram

// NodeType discriminates the executable node variants.
type NodeType string

const (
	NodeTypeStart               NodeType = "start"
	NodeTypeEndpoint            NodeType = "endpoint"
	NodeTypeCondition           NodeType = "condition"
	NodeTypePersonJob           NodeType = "person_job"
	NodeTypeCodeJob             NodeType = "code_job"
	NodeTypeApiJob              NodeType = "api_job"
	NodeTypeDb                  NodeType = "db"
	NodeTypeTemplateJob         NodeType = "template_job"
	NodeTypeJsonSchemaValidator NodeType = "json_schema_validator"
	NodeTypeHook                NodeType = "hook"
	NodeTypeSubDiagram          NodeType = "sub_diagram"
	NodeTypeUserResponse        NodeType = "user_response"
	NodeTypeIntegratedApi       NodeType = "integrated_api"
	NodeTypeDiffPatch           NodeType = "diff_patch"
	NodeTypeIrBuilder           NodeType = "ir_builder"
	NodeTypeTypescriptAst       NodeType = "typescript_ast"
)

// AllNodeTypes lists every recognized node type in stable order.
var AllNodeTypes = []NodeType{
	NodeTypeStart,
	NodeTypeEndpoint,
	NodeTypeCondition,
	NodeTypePersonJob,
	NodeTypeCodeJob,
	NodeTypeApiJob,
	NodeTypeDb,
	NodeTypeTemplateJob,
	NodeTypeJsonSchemaValidator,
	NodeTypeHook,
	NodeTypeSubDiagram,
	NodeTypeUserResponse,
	NodeTypeIntegratedApi,
	NodeTypeDiffPatch,
	NodeTypeIrBuilder,
	NodeTypeTypescriptAst,
}

// Valid reports whether nt is a recognized node type.
func (nt NodeType) Valid() bool {
	for _, t := range AllNodeTypes {
		if t == nt {
			return true
		}
	}
	return false
}
