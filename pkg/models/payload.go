package models

import (
	"encoding/json"
	"fmt"
)

// PayloadKind tags the shape of a Payload.
type PayloadKind string

const (
	// PayloadText carries a human-readable string in the "text" field.
	PayloadText PayloadKind = "text"
	// PayloadJSON carries arbitrary structured fields.
	PayloadJSON PayloadKind = "json"
	// PayloadError carries a failure description in the "message" field.
	PayloadError PayloadKind = "error"
	// PayloadFileRef points at a file in the "path" field.
	PayloadFileRef PayloadKind = "file_ref"
)

// requiredField maps each kind to the string field it must carry, if any.
var requiredField = map[PayloadKind]string{
	PayloadText:    "text",
	PayloadJSON:    "",
	PayloadError:   "message",
	PayloadFileRef: "path",
}

// Payload is a tagged variant used for task results and message bodies.
type Payload struct {
	Kind   PayloadKind    `json:"kind"`
	Fields map[string]any `json:"fields,omitempty"`
}

// TextPayload builds a text payload.
func TextPayload(text string) Payload {
	return Payload{Kind: PayloadText, Fields: map[string]any{"text": text}}
}

// ErrorPayload builds an error payload.
func ErrorPayload(message string) Payload {
	return Payload{Kind: PayloadError, Fields: map[string]any{"message": message}}
}

// FileRefPayload builds a file reference payload.
func FileRefPayload(path string) Payload {
	return Payload{Kind: PayloadFileRef, Fields: map[string]any{"path": path}}
}

// Validate checks the kind is known and its required field is a non-empty string.
func (p Payload) Validate() error {
	field, ok := requiredField[p.Kind]
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, p.Kind)
	}
	if field == "" {
		return nil
	}
	v, ok := p.Fields[field].(string)
	if !ok || v == "" {
		return fmt.Errorf("%w: kind %q requires string field %q", ErrInvalidPayload, p.Kind, field)
	}
	return nil
}

// String returns the required field for simple kinds and JSON for the rest.
func (p Payload) String() string {
	if field := requiredField[p.Kind]; field != "" {
		if v, ok := p.Fields[field].(string); ok {
			return v
		}
	}
	data, err := json.Marshal(p.Fields)
	if err != nil {
		return ""
	}
	return string(data)
}

// ParsePayload decodes and validates a JSON payload.
func ParsePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := p.Validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}
