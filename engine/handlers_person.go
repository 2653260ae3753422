// ABOUTME: PersonJob and UserResponse handlers: LLM persona invocation with
// ABOUTME: memory selection, prompt templating, and external human input.
package engine

import (
	"context"
	"errors"

	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/envelope"
	"github.com/dipeo/dipeo/events"
	"github.com/dipeo/dipeo/person"
	"github.com/dipeo/dipeo/ports"
)

// taskPreviewLimit bounds the prompt excerpt handed to the memory selector.
const taskPreviewLimit = 500

// PersonJobHandler invokes an LLM persona. Its memory view is derived per
// invocation by the selector; the conversation log records both the prompt
// and the response.
type PersonJobHandler struct {
	BaseHandler
}

// personJobInput carries the rendered prompt and whether this is the node's
// first run at the current epoch.
type personJobInput struct {
	prompt   string
	firstRun bool
}

func (h *PersonJobHandler) PrepareInputs(inputs Inputs, ec *ExecutionContext) (any, error) {
	node := ec.Node.(*diagram.PersonJobNode)

	firstRun := ec.Tracker.ExecutionCount(node.ID, ec.Epoch) <= 1

	values := substitutionValues(inputs, ec.Variables)
	template := node.DefaultPrompt
	if firstRun && node.FirstOnlyPrompt != "" {
		template = node.FirstOnlyPrompt
	}

	prompt := ""
	if template != "" {
		prompt = ec.Engine.tmpl.render(template, values)
	} else {
		// No configured prompt: the input itself is the prompt. The first
		// handle wins on first run.
		if firstRun {
			if env, ok := inputs[diagram.LabelFirst]; ok {
				prompt = stringifyValue(env.Body)
			}
		}
		if prompt == "" {
			if env, ok := inputs[diagram.LabelDefault]; ok {
				prompt = stringifyValue(env.Body)
			}
		}
	}
	if prompt == "" {
		return nil, Permanentf(node.ID, "person job has no prompt and no input to use as one")
	}
	return personJobInput{prompt: prompt, firstRun: firstRun}, nil
}

func (h *PersonJobHandler) Execute(ctx context.Context, prepared any, ec *ExecutionContext) (*envelope.Envelope, error) {
	node := ec.Node.(*diagram.PersonJobNode)
	in := prepared.(personJobInput)

	persona, ok := ec.Diagram.Persons[node.Person]
	if !ok {
		return nil, Permanentf(node.ID, "unknown person %q", node.Person)
	}

	preview := in.prompt
	if len(preview) > taskPreviewLimit {
		preview = preview[:taskPreviewLimit]
	}
	memory, fellBack := ec.Memory.Select(ctx, ec.Conversation, person.SelectionRequest{
		Person:        node.Person,
		Config:        persona.LLMConfig,
		MemorizeTo:    node.MemorizeTo,
		AtMost:        node.AtMost,
		IgnorePersons: node.IgnorePersons,
		TaskPreview:   preview,
	})
	if fellBack {
		ec.Engine.bus.Publish(ec.ExecID, events.Warning, map[string]any{
			"node_id": string(node.ID),
			"epoch":   ec.Epoch,
			"message": "memory selector failed, fell back to conversation pairs",
		})
	}

	messages := make([]ports.ChatMessage, 0, len(memory)+1)
	for _, m := range memory {
		role := "user"
		if m.From == string(node.Person) {
			role = "assistant"
		}
		messages = append(messages, ports.ChatMessage{Role: role, Content: m.Body})
	}
	messages = append(messages, ports.ChatMessage{Role: "user", Content: in.prompt})

	ec.Conversation.Append(person.System, string(node.Person), in.prompt, map[string]any{
		"node_id": string(node.ID),
		"epoch":   ec.Epoch,
	})

	result, err := ec.Ports.LLM.Complete(ctx, ports.CompleteRequest{
		Config:           persona.LLMConfig,
		Messages:         messages,
		StructuredSchema: node.TextFormat,
		Tools:            node.Tools,
		Temperature:      -1,
	})
	if err != nil {
		var lerr *ports.LLMError
		if errors.As(err, &lerr) && lerr.Transient() {
			return nil, Transientf(node.ID, "llm: %v", err)
		}
		return nil, Permanentf(node.ID, "llm: %v", err)
	}

	ec.Conversation.Append(string(node.Person), person.System, result.Text, map[string]any{
		"node_id": string(node.ID),
		"epoch":   ec.Epoch,
	})

	meta := map[string]any{
		"person":            string(node.Person),
		"memory_fell_back":  fellBack,
		"prompt_tokens":     result.Usage.PromptTokens,
		"completion_tokens": result.Usage.CompletionTokens,
	}
	if node.TextFormat != nil && result.Structured != nil {
		return envelope.FromObject(result.Structured, string(node.ID)).WithMeta(meta), nil
	}
	return envelope.FromText(result.Text, string(node.ID)).WithMeta(meta), nil
}

// substitutionValues flattens the input namespace and execution variables
// into one template binding map. Inputs shadow variables.
func substitutionValues(inputs Inputs, variables map[string]any) map[string]any {
	values := make(map[string]any, len(inputs)+len(variables))
	for k, v := range variables {
		values[k] = v
	}
	for label, env := range inputs {
		values[string(label)] = env.Body
	}
	return values
}

// UserResponseHandler asks the external interviewer and emits the reply.
type UserResponseHandler struct {
	BaseHandler
}

func (h *UserResponseHandler) Execute(ctx context.Context, prepared any, ec *ExecutionContext) (*envelope.Envelope, error) {
	node := ec.Node.(*diagram.UserResponseNode)
	inputs := prepared.(Inputs)

	if ec.Ports.User == nil {
		return nil, Permanentf(node.ID, "no interviewer configured")
	}
	prompt := ec.Engine.tmpl.render(node.Prompt, substitutionValues(inputs, ec.Variables))
	answer, err := ec.Ports.User.Ask(ctx, prompt)
	if err != nil {
		return nil, Permanentf(node.ID, "interviewer: %v", err)
	}
	return envelope.FromText(answer, string(node.ID)), nil
}
