package harness

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness/ports"
	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidPayload wraps every payload rejection.
var ErrInvalidPayload = errors.New("invalid tool payload")

// DefaultMaxPayloadBytes bounds a single directive payload.
const DefaultMaxPayloadBytes = 64 << 10

// Guardrails checks a directive before its handler runs.
type Guardrails struct {
	maxPayloadBytes int
	jsonValidator   *JSONValidator
}

// NewGuardrails creates guardrails with default limits.
func NewGuardrails() *Guardrails {
	return &Guardrails{
		maxPayloadBytes: DefaultMaxPayloadBytes,
		jsonValidator:   NewJSONValidator(),
	}
}

// WithMaxPayloadBytes overrides the payload size bound.
func (g *Guardrails) WithMaxPayloadBytes(n int) *Guardrails {
	if n > 0 {
		g.maxPayloadBytes = n
	}
	return g
}

// ValidateToolCall checks size, JSON shape and, when schema is non-nil, the schema.
func (g *Guardrails) ValidateToolCall(call ports.ToolCall, schema *gojsonschema.Schema) error {
	if call.Name == "" {
		return fmt.Errorf("%w: tool name cannot be empty", ErrInvalidPayload)
	}
	if len(call.Payload) > g.maxPayloadBytes {
		return fmt.Errorf("%w: payload is %d bytes, limit %d", ErrInvalidPayload, len(call.Payload), g.maxPayloadBytes)
	}
	if !json.Valid(call.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidPayload)
	}
	if schema == nil {
		return nil
	}
	return g.jsonValidator.ValidateCompiled(call.Payload, schema)
}

// JSONValidator handles JSON schema validation.
type JSONValidator struct{}

// NewJSONValidator creates a new JSON validator.
func NewJSONValidator() *JSONValidator {
	return &JSONValidator{}
}

// Compile parses a schema once for repeated validation.
func (v *JSONValidator) Compile(schema []byte) (*gojsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// Validate checks if JSON data conforms to a raw schema.
func (v *JSONValidator) Validate(data json.RawMessage, schema []byte) error {
	compiled, err := v.Compile(schema)
	if err != nil {
		return err
	}
	if compiled == nil {
		return nil
	}
	return v.ValidateCompiled(data, compiled)
}

// ValidateCompiled checks data against a compiled schema.
func (v *JSONValidator) ValidateCompiled(data json.RawMessage, schema *gojsonschema.Schema) error {
	if !json.Valid(data) {
		return fmt.Errorf("%w: data is not valid JSON", ErrInvalidPayload)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: schema validation failed: %v", ErrInvalidPayload, err)
	}
	if !result.Valid() {
		var problems []string
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidPayload, strings.Join(problems, "; "))
	}
	return nil
}
