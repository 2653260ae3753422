// ABOUTME: Property tests over the scheduler and engine: seq discipline, single-branch
// ABOUTME: token emission, iteration caps, strict-envelope list identity, and determinism.
package engine

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/envelope"
	"github.com/dipeo/dipeo/events"
)

func TestProperty_TokenSeqDiscipline(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("seqs per edge and epoch are consecutive from 1", prop.ForAll(
		func(epochs []int) bool {
			g := graphSpec{
				nodes: map[diagram.NodeID]diagram.ExecutableNode{"a": plainNode("a"), "b": plainNode("b")},
				edges: []*diagram.ExecutableEdge{dataEdge("e1", "a", "b")},
			}
			sched, _, diag := newTestScheduler(t, g)
			e := diag.Edge("e1")

			published := make(map[uint64]int)
			for _, k := range epochs {
				epoch := uint64(k)
				tok := sched.Publish(e, epoch, env(t))
				published[epoch]++
				if tok.Seq != uint64(published[epoch]) {
					return false
				}
			}

			// Draining returns every token back in publish order per epoch.
			for epoch, n := range published {
				for want := 1; want <= n; want++ {
					consumed := sched.ConsumeInbound("b", epoch)
					if len(consumed) != 1 || consumed[0].Seq != uint64(want) {
						return false
					}
				}
				if extra := sched.ConsumeInbound("b", epoch); len(extra) != 0 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 3)),
	))

	properties.TestingRun(t)
}

// branchDiagram is start -> code -> condition, with each branch feeding its
// own code job into a join-any endpoint.
func branchDiagram() *diagram.DomainDiagram {
	return &diagram.DomainDiagram{
		ID: "branch",
		Nodes: map[diagram.NodeID]diagram.DomainNode{
			"start": {ID: "start", Type: diagram.NodeTypeStart, Data: map[string]any{}},
			"code":  {ID: "code", Type: diagram.NodeTypeCodeJob, Data: map[string]any{"language": "python", "code": "return {'x': x}"}},
			"cond": {ID: "cond", Type: diagram.NodeTypeCondition, Data: map[string]any{
				"condition_type": "custom_expression",
				"expression":     "inputs.default.x > 5",
			}},
			"a":   {ID: "a", Type: diagram.NodeTypeCodeJob, Data: map[string]any{"language": "python", "code": "return {}"}},
			"b":   {ID: "b", Type: diagram.NodeTypeCodeJob, Data: map[string]any{"language": "python", "code": "return {}"}},
			"end": {ID: "end", Type: diagram.NodeTypeEndpoint, Data: map[string]any{"join_policy": "any"}},
		},
		Arrows: []diagram.Arrow{
			edgeTo("e1", "start", diagram.LabelDefault, "code", diagram.LabelDefault),
			edgeTo("e2", "code", diagram.LabelDefault, "cond", diagram.LabelDefault),
			edgeTo("e3", "cond", diagram.LabelCondTrue, "a", diagram.LabelDefault),
			edgeTo("e4", "cond", diagram.LabelCondFalse, "b", diagram.LabelDefault),
			edgeTo("e5", "a", diagram.LabelDefault, "end", diagram.LabelDefault),
			edgeTo("e6", "b", diagram.LabelDefault, "end", diagram.LabelDefault),
		},
	}
}

func TestProperty_ConditionEmitsSingleBranch(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	d := func() *diagram.ExecutableDiagram {
		res := mustCompile(t, branchDiagram())
		return res
	}()

	properties.Property("exactly one branch carries a token", prop.ForAll(
		func(x float64) bool {
			exec := &scriptExecutor{fn: func(inputs map[string]any) (any, error) {
				return map[string]any{"x": x}, nil
			}}
			eng := scenarioEngine(nil, exec, true)
			res, err := eng.Run(context.Background(), d, nil)
			if err != nil || res.Status != ExecCompleted {
				return false
			}

			trueTokens, falseTokens := 0, 0
			for _, evt := range replayAll(t, eng.Bus(), res.ExecutionID) {
				if evt.Type != events.TokenPublished {
					continue
				}
				switch evt.Payload["edge_id"] {
				case "e3":
					trueTokens++
				case "e4":
					falseTokens++
				}
			}
			if x > 5 {
				return trueTokens == 1 && falseTokens == 0
			}
			return trueTokens == 0 && falseTokens == 1
		},
		gen.Float64Range(-100, 100),
	))

	properties.TestingRun(t)
}

// iterationDiagram loops a person job through a detect_max_iterations
// condition until the budget is spent.
func iterationDiagram(maxIteration int) *diagram.DomainDiagram {
	return &diagram.DomainDiagram{
		ID: "iterate",
		Nodes: map[diagram.NodeID]diagram.DomainNode{
			"start": {ID: "start", Type: diagram.NodeTypeStart, Data: map[string]any{}},
			"p": {ID: "p", Type: diagram.NodeTypePersonJob, Data: map[string]any{
				"person":         "alice",
				"default_prompt": "next",
				"max_iteration":  float64(maxIteration),
				"memorize_to":    "GOLDFISH",
			}},
			"cond": {ID: "cond", Type: diagram.NodeTypeCondition, Data: map[string]any{
				"condition_type": "detect_max_iterations",
				"target_nodes":   []any{"p"},
			}},
			"end": {ID: "end", Type: diagram.NodeTypeEndpoint, Data: map[string]any{}},
		},
		Arrows: []diagram.Arrow{
			edgeTo("e1", "start", diagram.LabelDefault, "p", diagram.LabelDefault),
			edgeTo("e2", "p", diagram.LabelDefault, "cond", diagram.LabelDefault),
			edgeTo("e3", "cond", diagram.LabelCondTrue, "end", diagram.LabelDefault),
			edgeTo("e4", "cond", diagram.LabelCondFalse, "p", diagram.LabelDefault),
		},
		Persons: alicePersons(),
	}
}

func TestProperty_MaxIterationBoundsCompletions(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("person job completes exactly max_iteration times", prop.ForAll(
		func(m int) bool {
			llm := &scriptLLM{}
			eng := scenarioEngine(llm, nil, true)
			res, err := eng.Run(context.Background(), mustCompile(t, iterationDiagram(m)), nil)
			if err != nil || res.Status != ExecCompleted {
				return false
			}
			seq := lifecycle(replayAll(t, eng.Bus(), res.ExecutionID))
			return countEvents(seq, "node.completed:p") == m &&
				countEvents(seq, "node.started:p") == m &&
				len(llm.completions()) == m
		},
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}

func TestProperty_StrictEnvelopesPreserveLists(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("list bodies pass through the resolver unreshaped", prop.ForAll(
		func(values []float64) bool {
			list := make([]any, len(values))
			for i, v := range values {
				list[i] = v
			}
			node := plainNode("n")
			edge := dataEdge("e1", "a", "n")
			tok := Token{Edge: edge, Epoch: 0, Seq: 1, Env: envelope.FromObject(list, "a")}

			inputs, err := resolveInputs(node, []Token{tok}, true)
			if err != nil {
				return false
			}
			return reflect.DeepEqual(inputs[diagram.LabelDefault].Body, list)
		},
		gen.SliceOf(gen.Float64Range(-1e6, 1e6)),
	))

	properties.TestingRun(t)
}

// eventTrace reduces a stream to a timestamp-free fingerprint.
func eventTrace(all []events.Event) []string {
	trace := make([]string, 0, len(all))
	for _, evt := range all {
		trace = append(trace, fmt.Sprintf("%d|%s|%v|%v", evt.Seq, evt.Type, evt.Payload["node_id"], evt.Payload["edge_id"]))
	}
	return trace
}

func TestProperty_AcyclicRunsAreDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	d := mustCompile(t, branchDiagram())

	properties.Property("two runs with the same inputs emit the same event sequence", prop.ForAll(
		func(x float64) bool {
			run := func() []string {
				exec := &scriptExecutor{fn: func(inputs map[string]any) (any, error) {
					return map[string]any{"x": x}, nil
				}}
				eng := scenarioEngine(nil, exec, true)
				res, err := eng.Run(context.Background(), d, nil)
				if err != nil || res.Status != ExecCompleted {
					return nil
				}
				return eventTrace(replayAll(t, eng.Bus(), res.ExecutionID))
			}
			first, second := run(), run()
			return first != nil && reflect.DeepEqual(first, second)
		},
		gen.Float64Range(-10, 10),
	))

	properties.TestingRun(t)
}
