package harnessports

import (
	"context"
)

// PromptMessage represents a single chat message used to build prompts.
type PromptMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant", "tool"
	Content string `json:"content"`
}

// PromptInput aggregates everything the provider needs to produce a completion.
type PromptInput struct {
	System   string            // persona plus tool catalog
	Messages []PromptMessage   // ordered chat history (already windowed) plus the current turn
	Tools    []ToolSpec        // tool declarations rendered into System
	Meta     map[string]string // lightweight metadata for tracing
}

// Options controls sampling and limits for one backend call.
type Options struct {
	MaxNewTokens int
	Temperature  float32
	TopP         float32
	Stop         []string
	// TimeoutMs applies to the provider call only (not the whole turn)
	TimeoutMs int
}

// Usage captures token accounting for telemetry.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the provider's non-streaming response.
type Completion struct {
	Text  string
	Raw   any    // raw provider payload for debugging/telemetry
	Usage *Usage // optional usage information
}

// CompletionChunk is the provider's streaming delta. Token boundaries are arbitrary.
type CompletionChunk struct {
	DeltaText string
	Done      bool
	Usage     *Usage // on final chunk when available
	Err       error  // set on the last chunk when the stream broke
}

// Provider is the abstraction for the text-generation backend.
type Provider interface {
	Complete(ctx context.Context, in PromptInput, opts Options) (Completion, error)
	Stream(ctx context.Context, in PromptInput, opts Options) (<-chan CompletionChunk, error)
}
