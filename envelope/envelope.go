// ABOUTME: Typed, immutable message carrier passed between diagram nodes.
// ABOUTME: Defines ContentType, the Envelope struct, and the factory constructors for each content type.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// ContentType identifies the shape of an envelope body. Every edge in a
// compiled diagram declares the content type it carries, and the input
// resolver rejects envelopes whose body does not match.
type ContentType string

const (
	ContentRawText      ContentType = "raw_text"
	ContentObject       ContentType = "object"
	ContentConversation ContentType = "conversation_state"
	ContentBinary       ContentType = "binary"
	ContentError        ContentType = "error"
)

// Valid reports whether ct is one of the recognized content types.
func (ct ContentType) Valid() bool {
	switch ct {
	case ContentRawText, ContentObject, ContentConversation, ContentBinary, ContentError:
		return true
	}
	return false
}

// Envelope is the unit of data flow between nodes. Envelopes are immutable
// once emitted: WithMeta returns a copy, and no runtime component rewrites
// Body. The runtime treats Body as opaque beyond what ContentType permits.
type Envelope struct {
	Body        any
	ContentType ContentType
	ProducedBy  string // node ID that emitted this envelope
	TraceID     string // execution ID
	Meta        map[string]any
	EmittedAt   time.Time
}

// FromText builds a raw_text envelope. The body is always a string.
func FromText(text string, producedBy string) *Envelope {
	return &Envelope{
		Body:        text,
		ContentType: ContentRawText,
		ProducedBy:  producedBy,
		EmittedAt:   time.Now(),
	}
}

// FromObject builds an object envelope from a map or slice. No wrapping is
// applied: the body the producer hands over is the body consumers see.
func FromObject(body any, producedBy string) *Envelope {
	return &Envelope{
		Body:        body,
		ContentType: ContentObject,
		ProducedBy:  producedBy,
		EmittedAt:   time.Now(),
	}
}

// FromConversation builds a conversation_state envelope carrying the given
// message payload (a snapshot of a person's filtered conversation view).
func FromConversation(messages any, producedBy string) *Envelope {
	return &Envelope{
		Body:        messages,
		ContentType: ContentConversation,
		ProducedBy:  producedBy,
		EmittedAt:   time.Now(),
	}
}

// FromBinary builds a binary envelope carrying raw bytes.
func FromBinary(data []byte, producedBy string) *Envelope {
	return &Envelope{
		Body:        data,
		ContentType: ContentBinary,
		ProducedBy:  producedBy,
		EmittedAt:   time.Now(),
	}
}

// FromError builds an error envelope. Meta carries is_error=true and the
// error_type so downstream error handles can branch without inspecting Body.
func FromError(message string, errorType string, producedBy string) *Envelope {
	return &Envelope{
		Body:        message,
		ContentType: ContentError,
		ProducedBy:  producedBy,
		Meta: map[string]any{
			"is_error":   true,
			"error_type": errorType,
		},
		EmittedAt: time.Now(),
	}
}

// WithTrace returns a copy of the envelope stamped with the execution ID.
func (e *Envelope) WithTrace(traceID string) *Envelope {
	c := e.clone()
	c.TraceID = traceID
	return c
}

// WithMeta returns a copy of the envelope with the given key-value pairs
// merged into Meta. The receiver is never mutated.
func (e *Envelope) WithMeta(kv map[string]any) *Envelope {
	c := e.clone()
	if c.Meta == nil {
		c.Meta = make(map[string]any, len(kv))
	}
	for k, v := range kv {
		c.Meta[k] = v
	}
	return c
}

// Derive returns a copy with a new body and content type, keeping
// provenance and meta. Used by edge transform rules, the only place the
// runtime may change a value's shape.
func (e *Envelope) Derive(body any, ct ContentType) *Envelope {
	c := e.clone()
	c.Body = body
	c.ContentType = ct
	return c
}

// IsError reports whether the envelope carries an error payload.
func (e *Envelope) IsError() bool {
	if e.ContentType == ContentError {
		return true
	}
	v, ok := e.Meta["is_error"]
	b, _ := v.(bool)
	return ok && b
}

// AsText returns the body as a string. It fails when the body is not a
// string; no serialization fallback is attempted here, coercions belong to
// edge transform rules.
func (e *Envelope) AsText() (string, error) {
	s, ok := e.Body.(string)
	if !ok {
		return "", fmt.Errorf("envelope body is %T, not string (content_type=%s)", e.Body, e.ContentType)
	}
	return s, nil
}

// AsObject returns the body as a map or slice. Scalars and strings are
// rejected; the resolver never unwraps or searches for magic keys.
func (e *Envelope) AsObject() (any, error) {
	switch e.Body.(type) {
	case map[string]any, []any:
		return e.Body, nil
	default:
		return nil, fmt.Errorf("envelope body is %T, not object (content_type=%s)", e.Body, e.ContentType)
	}
}

// AsBinary returns the body as raw bytes.
func (e *Envelope) AsBinary() ([]byte, error) {
	b, ok := e.Body.([]byte)
	if !ok {
		return nil, fmt.Errorf("envelope body is %T, not []byte (content_type=%s)", e.Body, e.ContentType)
	}
	return b, nil
}

// Summary returns a compact description of the envelope suitable for event
// payloads: content type, producing node, and a bounded body preview.
func (e *Envelope) Summary() map[string]any {
	preview := ""
	switch b := e.Body.(type) {
	case string:
		preview = b
	case []byte:
		preview = fmt.Sprintf("<%d bytes>", len(b))
	default:
		if data, err := json.Marshal(b); err == nil {
			preview = string(data)
		}
	}
	const maxPreview = 200
	if len(preview) > maxPreview {
		preview = preview[:maxPreview] + "..."
	}
	return map[string]any{
		"content_type": string(e.ContentType),
		"produced_by":  e.ProducedBy,
		"preview":      preview,
	}
}

// clone produces a shallow copy with an independent Meta map. Body is shared
// by reference; immutability of Body is a contract, not a deep copy.
func (e *Envelope) clone() *Envelope {
	c := *e
	if e.Meta != nil {
		c.Meta = make(map[string]any, len(e.Meta))
		for k, v := range e.Meta {
			c.Meta[k] = v
		}
	}
	return &c
}
