// ABOUTME: Phase 2 node transformation: builds typed ExecutableNode values from raw DomainNode data.
// ABOUTME: Field renames go through the declarative fieldMappings table; required fields and enums are checked here.
package compile

import (
	"github.com/dipeo/dipeo/diagram"
)

// fieldMappings renames legacy import field names to their canonical form,
// per node type. Applied before the typed factories read the data map.
var fieldMappings = map[diagram.NodeType]map[string]string{
	diagram.NodeTypePersonJob: {
		"prompt":         "default_prompt",
		"first_prompt":   "first_only_prompt",
		"max_iterations": "max_iteration",
	},
	diagram.NodeTypeCondition: {
		"expression_type": "condition_type",
	},
	diagram.NodeTypeCodeJob: {
		"code_type": "language",
	},
	diagram.NodeTypeApiJob: {
		"endpoint": "url",
	},
	diagram.NodeTypeDb: {
		"file":           "file_path",
		"operation_type": "operation",
	},
}

// nodeFactory builds one typed node variant from mapped data. Factories
// report configuration problems through the pass.
type nodeFactory func(p *pass, base diagram.NodeBase, data fields) diagram.ExecutableNode

var nodeFactories = map[diagram.NodeType]nodeFactory{
	diagram.NodeTypeStart:               buildStart,
	diagram.NodeTypeEndpoint:            buildEndpoint,
	diagram.NodeTypeCondition:           buildCondition,
	diagram.NodeTypePersonJob:           buildPersonJob,
	diagram.NodeTypeCodeJob:             buildCodeJob,
	diagram.NodeTypeApiJob:              buildApiJob,
	diagram.NodeTypeDb:                  buildDb,
	diagram.NodeTypeTemplateJob:         buildTemplateJob,
	diagram.NodeTypeJsonSchemaValidator: buildJsonSchemaValidator,
	diagram.NodeTypeHook:                buildHook,
	diagram.NodeTypeSubDiagram:          buildSubDiagram,
	diagram.NodeTypeUserResponse:        buildUserResponse,
	diagram.NodeTypeIntegratedApi:       buildIntegratedApi,
	diagram.NodeTypeDiffPatch:           buildDiffPatch,
	diagram.NodeTypeIrBuilder:           buildIrBuilder,
	diagram.NodeTypeTypescriptAst:       buildTypescriptAst,
}

// transformNodes runs phase 2: every domain node becomes a typed
// ExecutableNode, or an error naming the offending field.
func transformNodes(p *pass) {
	p.nodes = make(map[diagram.NodeID]diagram.ExecutableNode, len(p.domain.Nodes))
	for _, id := range p.domain.NodeIDs() {
		dn := p.domain.Nodes[id]
		factory := nodeFactories[dn.Type]
		if factory == nil {
			p.errorf(PhaseTransformation, id, "", "no factory for node type %q", dn.Type)
			continue
		}
		data := newFields(p, id, dn.Data, fieldMappings[dn.Type])
		base := diagram.NodeBase{
			ID:         id,
			Type:       dn.Type,
			Label:      data.str("label", string(id)),
			Position:   dn.Position,
			TimeoutS:   data.intval("timeout", 0),
			Retryable:  data.boolean("retryable", false),
			MaxRetries: data.intval("max_retries", 0),
			Join:       joinPolicy(p, id, data),
		}
		if n := factory(p, base, data); n != nil {
			p.nodes[id] = n
		}
	}
}

// joinPolicy reads the optional join_policy / join_k fields.
func joinPolicy(p *pass, id diagram.NodeID, data fields) diagram.JoinPolicy {
	kind := diagram.JoinPolicyKind(data.str("join_policy", string(diagram.JoinAll)))
	switch kind {
	case diagram.JoinAll, diagram.JoinAny:
		return diagram.JoinPolicy{Kind: kind}
	case diagram.JoinKOfN:
		k := data.intval("join_k", 0)
		if k < 1 {
			p.errorf(PhaseTransformation, id, "", "k_of_n join policy requires join_k >= 1")
			return diagram.DefaultJoinPolicy
		}
		return diagram.JoinPolicy{Kind: kind, K: k}
	default:
		p.errorf(PhaseTransformation, id, "", "unknown join_policy %q", kind)
		return diagram.DefaultJoinPolicy
	}
}

func buildStart(p *pass, base diagram.NodeBase, data fields) diagram.ExecutableNode {
	return &diagram.StartNode{NodeBase: base, CustomData: data.object("custom_data")}
}

func buildEndpoint(p *pass, base diagram.NodeBase, data fields) diagram.ExecutableNode {
	n := &diagram.EndpointNode{
		NodeBase:   base,
		SaveToFile: data.boolean("save_to_file", false),
		FilePath:   data.str("file_path", ""),
	}
	if n.SaveToFile && n.FilePath == "" {
		p.errorf(PhaseTransformation, base.ID, "", "save_to_file requires file_path")
		return nil
	}
	return n
}

func buildCondition(p *pass, base diagram.NodeBase, data fields) diagram.ExecutableNode {
	ct := diagram.ConditionType(data.str("condition_type", ""))
	switch ct {
	case diagram.CondDetectMaxIterations, diagram.CondCheckNodesExecuted,
		diagram.CondCustomExpression, diagram.CondLLMDecision:
	default:
		p.errorf(PhaseTransformation, base.ID, "", "unknown condition_type %q", ct)
		return nil
	}
	n := &diagram.ConditionNode{
		NodeBase:      base,
		ConditionType: ct,
		Expression:    data.str("expression", ""),
		Person:        diagram.PersonID(data.str("person", "")),
		JudgePrompt:   data.str("judge_by", ""),
		Skippable:     data.boolean("skippable", false),
	}
	for _, t := range data.strs("target_nodes") {
		n.TargetNodes = append(n.TargetNodes, diagram.NodeID(t))
	}
	switch ct {
	case diagram.CondCustomExpression:
		if n.Expression == "" {
			p.errorf(PhaseTransformation, base.ID, "", "custom_expression condition requires expression")
			return nil
		}
	case diagram.CondLLMDecision:
		if n.Person == "" {
			p.errorf(PhaseTransformation, base.ID, "", "llm_decision condition requires person")
			return nil
		}
	}
	return n
}

func buildPersonJob(p *pass, base diagram.NodeBase, data fields) diagram.ExecutableNode {
	n := &diagram.PersonJobNode{
		NodeBase:          base,
		Person:            diagram.PersonID(data.str("person", "")),
		FirstOnlyPrompt:   data.str("first_only_prompt", ""),
		DefaultPrompt:     data.str("default_prompt", ""),
		MaxIteration:      data.intval("max_iteration", 1),
		MaxIterationScope: diagram.MaxIterationScope(data.str("max_iteration_scope", string(diagram.ScopeCumulative))),
		MemorizeTo:        data.str("memorize_to", ""),
		AtMost:            data.intval("at_most", 0),
		Tools:             diagram.ToolPreset(data.str("tools", string(diagram.ToolsNone))),
		TextFormat:        data.object("text_format"),
	}
	for _, id := range data.strs("ignore_persons") {
		n.IgnorePersons = append(n.IgnorePersons, diagram.PersonID(id))
	}
	if n.Person == "" {
		p.errorf(PhaseTransformation, base.ID, "", "person_job requires person")
		return nil
	}
	if _, ok := p.domain.Persons[n.Person]; !ok {
		p.errorf(PhaseTransformation, base.ID, "", "person %q is not declared in the diagram", n.Person)
		return nil
	}
	if n.MaxIteration < 1 {
		p.errorf(PhaseTransformation, base.ID, "", "max_iteration must be >= 1, got %d", n.MaxIteration)
		return nil
	}
	if n.MaxIterationScope != diagram.ScopeCumulative && n.MaxIterationScope != diagram.ScopePerEpoch {
		p.errorf(PhaseTransformation, base.ID, "", "unknown max_iteration_scope %q", n.MaxIterationScope)
		return nil
	}
	return n
}

func buildCodeJob(p *pass, base diagram.NodeBase, data fields) diagram.ExecutableNode {
	lang := diagram.CodeJobLanguage(data.str("language", ""))
	switch lang {
	case diagram.LangPython, diagram.LangTypescript, diagram.LangBash, diagram.LangShell:
	default:
		p.errorf(PhaseTransformation, base.ID, "", "unknown code_job language %q", lang)
		return nil
	}
	n := &diagram.CodeJobNode{
		NodeBase:     base,
		Language:     lang,
		Code:         data.str("code", ""),
		FilePath:     data.str("file_path", ""),
		FunctionName: data.str("function_name", ""),
	}
	if n.Code == "" && n.FilePath == "" {
		p.errorf(PhaseTransformation, base.ID, "", "code_job requires code or file_path")
		return nil
	}
	return n
}

func buildApiJob(p *pass, base diagram.NodeBase, data fields) diagram.ExecutableNode {
	n := &diagram.ApiJobNode{
		NodeBase: base,
		URL:      data.str("url", ""),
		Method:   data.str("method", "GET"),
		Headers:  data.strmap("headers"),
		Body:     data.raw("body"),
	}
	if n.URL == "" {
		p.errorf(PhaseTransformation, base.ID, "", "api_job requires url")
		return nil
	}
	return n
}

func buildDb(p *pass, base diagram.NodeBase, data fields) diagram.ExecutableNode {
	op := diagram.DbOperation(data.str("operation", ""))
	switch op {
	case diagram.DbRead, diagram.DbWrite, diagram.DbAppend, diagram.DbUpdate:
	default:
		p.errorf(PhaseTransformation, base.ID, "", "unknown db operation %q", op)
		return nil
	}
	n := &diagram.DbNode{
		NodeBase:      base,
		Operation:     op,
		FilePath:      data.str("file_path", ""),
		Keys:          data.strs("keys"),
		SerializeJSON: data.boolean("serialize_json", false),
	}
	if n.FilePath == "" {
		p.errorf(PhaseTransformation, base.ID, "", "db node requires file_path")
		return nil
	}
	return n
}

func buildTemplateJob(p *pass, base diagram.NodeBase, data fields) diagram.ExecutableNode {
	n := &diagram.TemplateJobNode{
		NodeBase:        base,
		TemplateContent: data.str("template_content", ""),
		OutputPath:      data.str("output_path", ""),
	}
	if n.TemplateContent == "" {
		p.errorf(PhaseTransformation, base.ID, "", "template_job requires template_content")
		return nil
	}
	return n
}

func buildJsonSchemaValidator(p *pass, base diagram.NodeBase, data fields) diagram.ExecutableNode {
	n := &diagram.JsonSchemaValidatorNode{
		NodeBase:   base,
		Schema:     data.object("schema"),
		SchemaPath: data.str("schema_path", ""),
		StrictMode: data.boolean("strict_mode", false),
	}
	if n.Schema == nil && n.SchemaPath == "" {
		p.errorf(PhaseTransformation, base.ID, "", "json_schema_validator requires schema or schema_path")
		return nil
	}
	return n
}

func buildHook(p *pass, base diagram.NodeBase, data fields) diagram.ExecutableNode {
	ht := diagram.HookType(data.str("hook_type", ""))
	n := &diagram.HookNode{
		NodeBase: base,
		HookType: ht,
		Command:  data.str("command", ""),
		URL:      data.str("url", ""),
	}
	switch ht {
	case diagram.HookShell:
		if n.Command == "" {
			p.errorf(PhaseTransformation, base.ID, "", "shell hook requires command")
			return nil
		}
	case diagram.HookWebhook:
		if n.URL == "" {
			p.errorf(PhaseTransformation, base.ID, "", "webhook hook requires url")
			return nil
		}
	default:
		p.errorf(PhaseTransformation, base.ID, "", "unknown hook_type %q", ht)
		return nil
	}
	return n
}

func buildSubDiagram(p *pass, base diagram.NodeBase, data fields) diagram.ExecutableNode {
	mode := diagram.SubDiagramOutputMode(data.str("output_mode", string(diagram.OutputRichObject)))
	if mode != diagram.OutputPureList && mode != diagram.OutputRichObject {
		p.errorf(PhaseTransformation, base.ID, "", "unknown output_mode %q", mode)
		return nil
	}
	n := &diagram.SubDiagramNode{
		NodeBase:      base,
		DiagramName:   data.str("diagram_name", ""),
		Batch:         data.boolean("batch", false),
		BatchInputKey: data.str("batch_input_key", "items"),
		OutputMode:    mode,
		ResultKey:     data.str("result_key", ""),
	}
	if child := data.object("diagram"); child != nil {
		n.Child = domainFromMap(p, base.ID, child)
	}
	if n.Child == nil && n.DiagramName == "" {
		p.errorf(PhaseTransformation, base.ID, "", "sub_diagram requires an inline diagram or diagram_name")
		return nil
	}
	return n
}

func buildUserResponse(p *pass, base diagram.NodeBase, data fields) diagram.ExecutableNode {
	n := &diagram.UserResponseNode{NodeBase: base, Prompt: data.str("prompt", "")}
	if n.Prompt == "" {
		p.errorf(PhaseTransformation, base.ID, "", "user_response requires prompt")
		return nil
	}
	return n
}

func buildIntegratedApi(p *pass, base diagram.NodeBase, data fields) diagram.ExecutableNode {
	n := &diagram.IntegratedApiNode{
		NodeBase:  base,
		Provider:  data.str("provider", ""),
		Operation: data.str("operation", ""),
		Config:    data.object("config"),
	}
	if n.Provider == "" || n.Operation == "" {
		p.errorf(PhaseTransformation, base.ID, "", "integrated_api requires provider and operation")
		return nil
	}
	return n
}

func buildDiffPatch(p *pass, base diagram.NodeBase, data fields) diagram.ExecutableNode {
	mode := diagram.DiffPatchMode(data.str("mode", string(diagram.PatchNormal)))
	switch mode {
	case diagram.PatchNormal, diagram.PatchForce, diagram.PatchDryRun, diagram.PatchReverse:
	default:
		p.errorf(PhaseTransformation, base.ID, "", "unknown diff_patch mode %q", mode)
		return nil
	}
	n := &diagram.DiffPatchNode{
		NodeBase:   base,
		TargetPath: data.str("target_path", ""),
		Diff:       data.str("diff", ""),
		Mode:       mode,
	}
	if n.TargetPath == "" {
		p.errorf(PhaseTransformation, base.ID, "", "diff_patch requires target_path")
		return nil
	}
	return n
}

func buildIrBuilder(p *pass, base diagram.NodeBase, data fields) diagram.ExecutableNode {
	return &diagram.IrBuilderNode{
		NodeBase:    base,
		BuilderType: data.str("builder_type", ""),
		SourceType:  data.str("source_type", ""),
	}
}

func buildTypescriptAst(p *pass, base diagram.NodeBase, data fields) diagram.ExecutableNode {
	return &diagram.TypescriptAstNode{
		NodeBase:        base,
		ExtractPatterns: data.strs("extract_patterns"),
	}
}
