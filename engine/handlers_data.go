// ABOUTME: Data-shaping handlers: TemplateJob rendering, JSON schema validation,
// ABOUTME: and the toolchain-dependent IrBuilder/TypescriptAst stubs.
package engine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/envelope"
)

// TemplateJobHandler renders the node's template against its inputs and
// variables, optionally persisting the result.
type TemplateJobHandler struct {
	BaseHandler
}

func (h *TemplateJobHandler) Execute(ctx context.Context, prepared any, ec *ExecutionContext) (*envelope.Envelope, error) {
	node := ec.Node.(*diagram.TemplateJobNode)
	inputs := prepared.(Inputs)

	rendered := ec.Engine.tmpl.render(node.TemplateContent, substitutionValues(inputs, ec.Variables))

	if node.OutputPath != "" {
		if ec.Ports.Files == nil {
			return nil, Permanentf(node.ID, "output_path requires a file store")
		}
		if err := ec.Ports.Files.Write(ctx, node.OutputPath, []byte(rendered)); err != nil {
			return nil, Transientf(node.ID, "writing %s: %v", node.OutputPath, err)
		}
	}
	return envelope.FromText(rendered, string(node.ID)), nil
}

// JsonSchemaValidatorHandler validates its object input against a JSON
// schema. In strict mode a violation fails the node; otherwise it emits an
// error envelope routed to the node's error handle.
type JsonSchemaValidatorHandler struct {
	BaseHandler
}

func (h *JsonSchemaValidatorHandler) Execute(ctx context.Context, prepared any, ec *ExecutionContext) (*envelope.Envelope, error) {
	node := ec.Node.(*diagram.JsonSchemaValidatorNode)
	inputs := prepared.(Inputs)

	env, ok := inputs[diagram.LabelDefault]
	if !ok {
		return nil, Permanentf(node.ID, "validator received no input")
	}

	schemaJSON, err := h.schemaSource(ctx, node, ec)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(schemaJSON)); err != nil {
		return nil, Permanentf(node.ID, "schema: %v", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, Permanentf(node.ID, "schema: %v", err)
	}

	// Round-trip through JSON so numeric types match what the validator
	// expects regardless of how the body was produced.
	data, err := json.Marshal(env.Body)
	if err != nil {
		return nil, Permanentf(node.ID, "input is not serializable: %v", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, Permanentf(node.ID, "input round-trip: %v", err)
	}

	if err := schema.Validate(doc); err != nil {
		if node.StrictMode {
			return nil, Permanentf(node.ID, "validation failed: %v", err)
		}
		return envelope.FromError(err.Error(), "schema_validation", string(node.ID)), nil
	}
	return env.Derive(env.Body, envelope.ContentObject).WithMeta(map[string]any{"validated": true}), nil
}

func (h *JsonSchemaValidatorHandler) schemaSource(ctx context.Context, node *diagram.JsonSchemaValidatorNode, ec *ExecutionContext) (string, error) {
	if node.Schema != nil {
		data, err := json.Marshal(node.Schema)
		if err != nil {
			return "", Permanentf(node.ID, "inline schema: %v", err)
		}
		return string(data), nil
	}
	if node.SchemaPath == "" {
		return "", Permanentf(node.ID, "no schema configured")
	}
	if ec.Ports.Files == nil {
		return "", Permanentf(node.ID, "schema_path requires a file store")
	}
	data, err := ec.Ports.Files.Read(ctx, node.SchemaPath)
	if err != nil {
		return "", Transientf(node.ID, "reading %s: %v", node.SchemaPath, err)
	}
	return string(data), nil
}

// IrBuilderHandler would assemble a code-generation intermediate
// representation. The build step needs the external codegen toolchain, which
// is not embedded in this runtime.
type IrBuilderHandler struct {
	BaseHandler
}

func (h *IrBuilderHandler) Execute(ctx context.Context, prepared any, ec *ExecutionContext) (*envelope.Envelope, error) {
	node := ec.Node.(*diagram.IrBuilderNode)
	return nil, Permanentf(node.ID, "ir_builder %q requires the external codegen toolchain, which is not embedded", node.BuilderType)
}

// TypescriptAstHandler would parse TypeScript into an AST projection, which
// needs the external TypeScript compiler.
type TypescriptAstHandler struct {
	BaseHandler
}

func (h *TypescriptAstHandler) Execute(ctx context.Context, prepared any, ec *ExecutionContext) (*envelope.Envelope, error) {
	node := ec.Node.(*diagram.TypescriptAstNode)
	return nil, Permanentf(node.ID, "typescript_ast requires the external TypeScript compiler, which is not embedded")
}
