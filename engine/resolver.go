// ABOUTME: Input resolver: turns consumed tokens into a node's typed input namespace.
// ABOUTME: Order is strict: type extraction, transforms, packing, defaults; no heuristic unwrapping.
package engine

import (
	"fmt"

	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/envelope"
)

// Inputs is a node's resolved input namespace: one envelope per bound
// variable name.
type Inputs map[diagram.HandleLabel]*envelope.Envelope

// resolveInputs produces the node's input namespace from its consumed
// tokens. strictEnvelopes=false enables the legacy {results: ...} wrapping
// of list bodies, retained for compatibility only.
func resolveInputs(node diagram.ExecutableNode, consumed []Token, strictEnvelopes bool) (Inputs, error) {
	inputs := make(Inputs, len(consumed))

	for _, tok := range consumed {
		env, err := extractTyped(tok)
		if err != nil {
			return nil, err
		}
		env, err = applyTransforms(tok.Edge, env)
		if err != nil {
			return nil, err
		}
		if !strictEnvelopes {
			env = legacyWrap(env)
		}

		switch tok.Edge.Packing {
		case diagram.PackingSpread:
			obj, ok := env.Body.(map[string]any)
			if !ok {
				return nil, Permanentf(node.NodeID(), "spread edge %s requires an object body, got %T", tok.Edge.ID, env.Body)
			}
			for k, v := range obj {
				label := diagram.HandleLabel(k)
				if _, bound := inputs[label]; bound {
					return nil, &InputCollision{Node: node.NodeID(), Key: k}
				}
				inputs[label] = env.Derive(v, contentTypeOf(v))
			}
		default:
			label := tok.Edge.TargetLabel
			if _, bound := inputs[label]; bound {
				return nil, &InputCollision{Node: node.NodeID(), Key: string(label)}
			}
			inputs[label] = env
		}
	}

	// Defaults for unbound required ports; missing without a default fails.
	spec := diagram.HandleSpecs[node.NodeType()]
	for _, port := range spec.Inputs {
		if !port.Required {
			continue
		}
		if _, bound := inputs[port.Label]; bound {
			continue
		}
		if port.Default == nil {
			return nil, &MissingRequiredInput{Node: node.NodeID(), Port: port.Label}
		}
		inputs[port.Label] = envelope.FromObject(port.Default, string(node.NodeID())).
			Derive(port.Default, contentTypeOf(port.Default))
	}
	return inputs, nil
}

// extractTyped validates the token's body against the edge's declared
// content type. No unwrapping, no magic keys.
func extractTyped(tok Token) (*envelope.Envelope, error) {
	env := tok.Env
	switch tok.Edge.ContentType {
	case "":
		return env, nil
	case envelope.ContentRawText:
		if _, err := env.AsText(); err != nil {
			return nil, typedInputError(tok, err)
		}
	case envelope.ContentObject:
		if _, err := env.AsObject(); err != nil {
			return nil, typedInputError(tok, err)
		}
	case envelope.ContentBinary:
		if _, err := env.AsBinary(); err != nil {
			return nil, typedInputError(tok, err)
		}
	case envelope.ContentConversation:
		if env.ContentType != envelope.ContentConversation {
			return nil, typedInputError(tok, fmt.Errorf("expected conversation_state, got %s", env.ContentType))
		}
	case envelope.ContentError:
		if !env.IsError() {
			return nil, typedInputError(tok, fmt.Errorf("expected error envelope, got %s", env.ContentType))
		}
	}
	return env, nil
}

func typedInputError(tok Token, err error) error {
	return Permanentf(tok.Edge.TargetNode, "edge %s: %v", tok.Edge.ID, err)
}

// legacyWrap reproduces the pre-strict behaviour of wrapping bare lists in
// a results object. Compatibility only; never active under the default
// configuration.
func legacyWrap(env *envelope.Envelope) *envelope.Envelope {
	if list, ok := env.Body.([]any); ok {
		return env.Derive(map[string]any{"results": list}, envelope.ContentObject)
	}
	return env
}
