// ABOUTME: SubDiagram handler: compiles and runs a child diagram, single or batched.
// ABOUTME: Child runs count against the engine-wide semaphore; batch items against the batch cap.
package engine

import (
	"context"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/dipeo/dipeo/compile"
	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/envelope"
)

// SubDiagramHandler runs a child diagram. With batch enabled the child runs
// once per item of the configured input list, bounded by BatchMaxConcurrent.
type SubDiagramHandler struct {
	BaseHandler
}

func (h *SubDiagramHandler) Execute(ctx context.Context, prepared any, ec *ExecutionContext) (*envelope.Envelope, error) {
	node := ec.Node.(*diagram.SubDiagramNode)
	inputs := prepared.(Inputs)

	child, err := h.compileChild(ctx, node, ec)
	if err != nil {
		return nil, err
	}

	select {
	case ec.Engine.subSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ErrCancelled
	}
	defer func() { <-ec.Engine.subSem }()

	if !node.Batch {
		return h.runSingle(ctx, node, child, inputs, ec)
	}
	return h.runBatch(ctx, node, child, inputs, ec)
}

// compileChild resolves the child diagram: inline definition or a YAML file
// loaded through the file store.
func (h *SubDiagramHandler) compileChild(ctx context.Context, node *diagram.SubDiagramNode, ec *ExecutionContext) (*diagram.ExecutableDiagram, error) {
	domain := node.Child
	if domain == nil {
		if ec.Ports.Files == nil {
			return nil, Permanentf(node.ID, "diagram_name requires a file store")
		}
		data, err := ec.Ports.Files.Read(ctx, node.DiagramName)
		if err != nil {
			return nil, Transientf(node.ID, "loading diagram %s: %v", node.DiagramName, err)
		}
		var parsed diagram.DomainDiagram
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return nil, Permanentf(node.ID, "parsing diagram %s: %v", node.DiagramName, err)
		}
		domain = &parsed
	}

	result := compile.Compile(domain)
	if !result.OK() {
		return nil, Permanentf(node.ID, "child diagram does not compile: %v", result.Err())
	}
	return result.Diagram, nil
}

func (h *SubDiagramHandler) runSingle(ctx context.Context, node *diagram.SubDiagramNode, child *diagram.ExecutableDiagram, inputs Inputs, ec *ExecutionContext) (*envelope.Envelope, error) {
	variables := childVariables(inputs, ec.Variables)
	result, err := ec.Engine.Run(ctx, child, variables)
	if err != nil {
		return nil, Permanentf(node.ID, "child diagram: %v", err)
	}
	if result.Status != ExecCompleted {
		return nil, Permanentf(node.ID, "child diagram finished %s: %s", result.Status, result.Reason)
	}
	return h.shape(node, collapseOutputs(result), nil, 1, 0), nil
}

func (h *SubDiagramHandler) runBatch(ctx context.Context, node *diagram.SubDiagramNode, child *diagram.ExecutableDiagram, inputs Inputs, ec *ExecutionContext) (*envelope.Envelope, error) {
	env, ok := inputs[diagram.LabelDefault]
	if !ok {
		return nil, Permanentf(node.ID, "batch mode needs an input object")
	}
	obj, ok := env.Body.(map[string]any)
	if !ok {
		return nil, Permanentf(node.ID, "batch mode needs an object input, got %T", env.Body)
	}
	items, ok := obj[node.BatchInputKey].([]any)
	if !ok {
		return nil, Permanentf(node.ID, "batch input key %q is missing or not a list", node.BatchInputKey)
	}

	type itemResult struct {
		value any
		err   error
	}
	results := make([]itemResult, len(items))
	sem := make(chan struct{}, ec.Config.BatchMaxConcurrent)
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		go func(i int, item any) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i] = itemResult{err: ErrCancelled}
				return
			}
			vars := map[string]any{"item": item, "index": i}
			if asObj, isObj := item.(map[string]any); isObj {
				for k, v := range asObj {
					vars[k] = v
				}
			}
			res, err := ec.Engine.Run(ctx, child, vars)
			switch {
			case err != nil:
				results[i] = itemResult{err: err}
			case res.Status != ExecCompleted:
				results[i] = itemResult{err: Permanentf(node.ID, "item %d finished %s: %s", i, res.Status, res.Reason)}
			default:
				results[i] = itemResult{value: collapseOutputs(res)}
			}
		}(i, item)
	}
	wg.Wait()

	values := make([]any, 0, len(items))
	var errs []any
	for i, r := range results {
		if r.err != nil {
			errs = append(errs, map[string]any{"index": i, "error": r.err.Error()})
			values = append(values, nil)
			continue
		}
		values = append(values, r.value)
	}
	return h.shape(node, values, errs, len(items), len(errs)), nil
}

// shape builds the output envelope per the node's output mode.
func (h *SubDiagramHandler) shape(node *diagram.SubDiagramNode, value any, errs []any, total, failed int) *envelope.Envelope {
	meta := map[string]any{"total_items": total, "failed": failed}
	if node.OutputMode == diagram.OutputPureList {
		list, ok := value.([]any)
		if !ok {
			list = []any{value}
		}
		return envelope.FromObject(list, string(node.ID)).WithMeta(meta)
	}
	key := node.ResultKey
	if key == "" {
		key = "results"
	}
	body := map[string]any{
		key:           value,
		"total_items": total,
		"failed":      failed,
	}
	if len(errs) > 0 {
		body["errors"] = errs
	}
	return envelope.FromObject(body, string(node.ID)).WithMeta(meta)
}

// childVariables derives a child execution's variables: the default input
// object when present, otherwise the parent's variables.
func childVariables(inputs Inputs, parent map[string]any) map[string]any {
	if env, ok := inputs[diagram.LabelDefault]; ok {
		if obj, isObj := env.Body.(map[string]any); isObj {
			return obj
		}
	}
	return parent
}

// collapseOutputs reduces a child result to a single value: the sole
// endpoint's body, or a map keyed by endpoint node ID.
func collapseOutputs(result *Result) any {
	if len(result.FinalOutputs) == 1 {
		for _, env := range result.FinalOutputs {
			return env.Body
		}
	}
	out := make(map[string]any, len(result.FinalOutputs))
	for id, env := range result.FinalOutputs {
		out[string(id)] = env.Body
	}
	return out
}
