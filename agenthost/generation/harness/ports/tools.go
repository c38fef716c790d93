package harnessports

import (
	"context"
	"encoding/json"
)

// ToolSpec describes a callable tool exposed to the model.
type ToolSpec struct {
	Name        string          `json:"name"`         // unique logical name
	Description string          `json:"description"`  // when the model should reach for it
	JSONSchema  json.RawMessage `json:"input_schema"` // JSON schema for the payload
}

// ToolCall is one directive extracted from generated text.
type ToolCall struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// ToolInvocation records a dispatched call and its stringified result.
type ToolInvocation struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
	Result  string          `json:"result"`
}

// Tool defines the runtime that executes a tool call.
type Tool interface {
	Name() string
	Description() string
	Schema() []byte
	Invoke(ctx context.Context, payload json.RawMessage) (any, error)
}

type agentIDKey struct{}

// WithAgentID tags ctx with the agent a tool call acts on.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey{}, agentID)
}

// AgentIDFromContext returns the agent set by WithAgentID.
func AgentIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(agentIDKey{}).(string)
	return id, ok && id != ""
}
