// ABOUTME: Condition node evaluation: max-iteration detection, execution checks,
// ABOUTME: a small comparison-expression evaluator, and LLM-judged decisions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/ports"
)

// evalCondition returns the branch a condition node selects at this epoch.
func evalCondition(ctx context.Context, node *diagram.ConditionNode, inputs Inputs, ec *ExecutionContext) (bool, error) {
	switch node.ConditionType {
	case diagram.CondDetectMaxIterations:
		return detectMaxIterations(node, ec), nil
	case diagram.CondCheckNodesExecuted:
		return checkNodesExecuted(node, ec), nil
	case diagram.CondCustomExpression:
		return evalExpression(node.Expression, inputs, ec.Variables)
	case diagram.CondLLMDecision:
		return llmDecision(ctx, node, inputs, ec)
	default:
		return false, Permanentf(node.ID, "unknown condition type %q", node.ConditionType)
	}
}

// detectMaxIterations is true once every target PersonJob has exhausted its
// iteration budget in its configured scope.
func detectMaxIterations(node *diagram.ConditionNode, ec *ExecutionContext) bool {
	targets := node.TargetNodes
	if len(targets) == 0 {
		// No explicit targets: watch every PersonJob in the diagram.
		targets = ec.Diagram.NodesOfType(diagram.NodeTypePersonJob)
	}
	if len(targets) == 0 {
		return false
	}
	for _, id := range targets {
		pj, ok := ec.Diagram.Node(id).(*diagram.PersonJobNode)
		if !ok {
			continue
		}
		count := ec.Tracker.TotalExecutionCount(id)
		if pj.MaxIterationScope == diagram.ScopePerEpoch {
			count = ec.Tracker.ExecutionCount(id, ec.Epoch)
		}
		if count < pj.MaxIteration {
			return false
		}
	}
	return true
}

// checkNodesExecuted is true once every target node has run at least once.
func checkNodesExecuted(node *diagram.ConditionNode, ec *ExecutionContext) bool {
	if len(node.TargetNodes) == 0 {
		return false
	}
	for _, id := range node.TargetNodes {
		if ec.Tracker.TotalExecutionCount(id) == 0 {
			return false
		}
	}
	return true
}

// evalExpression evaluates a comparison of the form
//
//	<path> <op> <literal>
//
// where path resolves against the input namespace (inputs.<label>.<field>)
// or the execution variables, op is one of == != > < >= <=, and literal is
// a quoted string, number, or boolean. A bare path with no operator is
// evaluated for truthiness.
func evalExpression(expr string, inputs Inputs, vars map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, fmt.Errorf("empty condition expression")
	}
	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		idx := strings.Index(expr, op)
		if idx < 0 {
			continue
		}
		left := strings.TrimSpace(expr[:idx])
		right := strings.TrimSpace(expr[idx+len(op):])
		lv, err := resolveOperand(left, inputs, vars)
		if err != nil {
			return false, err
		}
		rv, err := resolveOperand(right, inputs, vars)
		if err != nil {
			return false, err
		}
		return compare(lv, rv, op)
	}
	v, err := resolveOperand(expr, inputs, vars)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// resolveOperand turns one side of a comparison into a value: a literal, an
// inputs.<path> lookup, or a variable reference.
func resolveOperand(s string, inputs Inputs, vars map[string]any) (any, error) {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1], nil
	}
	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null", "nil":
		return nil, nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n, nil
	}

	parts := strings.Split(s, ".")
	if parts[0] == "inputs" {
		if len(parts) < 2 {
			return nil, fmt.Errorf("incomplete input reference %q", s)
		}
		env, ok := inputs[diagram.HandleLabel(parts[1])]
		if !ok {
			return nil, fmt.Errorf("condition references unbound input %q", parts[1])
		}
		if len(parts) == 2 {
			return env.Body, nil
		}
		obj, ok := env.Body.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("input %q is not an object, cannot resolve %q", parts[1], s)
		}
		v, present := lookupPath(obj, strings.Join(parts[2:], "."))
		if !present {
			return nil, fmt.Errorf("path %q not found in input %q", s, parts[1])
		}
		return v, nil
	}

	if v, ok := vars[parts[0]]; ok {
		if len(parts) == 1 {
			return v, nil
		}
		obj, isObj := v.(map[string]any)
		if !isObj {
			return nil, fmt.Errorf("variable %q is not an object, cannot resolve %q", parts[0], s)
		}
		nested, present := lookupPath(obj, strings.Join(parts[1:], "."))
		if !present {
			return nil, fmt.Errorf("path %q not found in variable %q", s, parts[0])
		}
		return nested, nil
	}
	return nil, fmt.Errorf("unresolvable operand %q", s)
}

func compare(a, b any, op string) (bool, error) {
	an, aNum := asNumber(a)
	bn, bNum := asNumber(b)
	if aNum && bNum {
		switch op {
		case "==":
			return an == bn, nil
		case "!=":
			return an != bn, nil
		case ">":
			return an > bn, nil
		case "<":
			return an < bn, nil
		case ">=":
			return an >= bn, nil
		case "<=":
			return an <= bn, nil
		}
	}
	switch op {
	case "==":
		return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b), nil
	case "!=":
		return fmt.Sprintf("%v", a) != fmt.Sprintf("%v", b), nil
	}
	return false, fmt.Errorf("operator %s requires numeric operands, got %T and %T", op, a, b)
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case float64:
		return t != 0
	case int:
		return t != 0
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	}
	return true
}

// llmDecision asks the configured persona a yes/no question about the
// node's input, with memory suppressed (the judge sees only the prompt).
func llmDecision(ctx context.Context, node *diagram.ConditionNode, inputs Inputs, ec *ExecutionContext) (bool, error) {
	persona, ok := ec.Diagram.Persons[node.Person]
	if !ok {
		return false, Permanentf(node.ID, "llm_decision references unknown person %q", node.Person)
	}

	var sb strings.Builder
	sb.WriteString(node.JudgePrompt)
	if env, bound := inputs[diagram.LabelDefault]; bound {
		sb.WriteString("\n\nInput:\n")
		sb.WriteString(stringify(env.Body))
	}
	sb.WriteString("\n\nAnswer with exactly YES or NO.")

	result, err := ec.Ports.LLM.Complete(ctx, ports.CompleteRequest{
		Config: persona.LLMConfig,
		Messages: []ports.ChatMessage{
			{Role: "user", Content: sb.String()},
		},
		Temperature: 0,
	})
	if err != nil {
		var lerr *ports.LLMError
		if errors.As(err, &lerr) && lerr.Transient() {
			return false, Transientf(node.ID, "llm_decision: %v", err)
		}
		return false, Permanentf(node.ID, "llm_decision: %v", err)
	}
	answer := strings.ToUpper(strings.TrimSpace(result.Text))
	return strings.HasPrefix(answer, "YES") || strings.HasPrefix(answer, "TRUE"), nil
}
