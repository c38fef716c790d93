package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	ports "github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness/ports"
)

// Persona is the part of an agent profile that shapes the system prompt.
type Persona struct {
	Character string
	Notes     string
}

// PromptBuilder assembles model-ready inputs from the persona, history and tools.
type PromptBuilder struct {
	marker string
	now    func() time.Time
}

// NewPromptBuilder creates a builder that teaches the model marker.
func NewPromptBuilder(marker string) *PromptBuilder {
	return &PromptBuilder{marker: marker, now: time.Now}
}

// SystemPrompt renders persona, clock and the tool calling convention.
func (b *PromptBuilder) SystemPrompt(p Persona, tools []ports.ToolSpec) string {
	now := b.now()
	character := strings.TrimRight(strings.TrimSpace(p.Character), ".")
	if character == "" {
		character = "You are a helpful assistant"
	}
	notes := strings.TrimSpace(p.Notes)
	if notes == "" {
		notes = "none"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s.\nSystem-managed notes: %s\nCurrent date: %s\nCurrent time: %s\n",
		character, notes, now.Format("2006-01-02"), now.Format("15:04:05"))
	if len(tools) == 0 {
		return sb.String()
	}

	sb.WriteString(b.conventionBlock())
	for _, t := range tools {
		sb.WriteString("\n")
		sb.WriteString(renderTool(t))
	}
	return sb.String()
}

// MaintenanceInstruction is the user message of the post-turn housekeeping call.
func (b *PromptBuilder) MaintenanceInstruction(tools []ports.ToolSpec) string {
	var sb strings.Builder
	sb.WriteString("Post-turn maintenance. Review the conversation so far and decide whether any of the following should be updated:\n")
	for _, t := range tools {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
	}
	fmt.Fprintf(&sb, "Reply with zero or more %s lines and nothing else. Reply with an empty message if nothing needs to change.", b.marker)
	return sb.String()
}

func (b *PromptBuilder) conventionBlock() string {
	return "TOOL CALLING CONVENTION:\n" +
		"- To call ANY tool, emit ONE line exactly:\n" +
		"  " + b.marker + ` {"name":"<toolname>","payload":{ ... JSON matching schema ... }}` + "\n" +
		"- After tool results arrive (as a tool message), continue your answer.\n" +
		"- If no tool is helpful, continue normally.\n" +
		"\n" +
		"AVAILABLE TOOLS:\n"
}

func renderTool(t ports.ToolSpec) string {
	schema := string(t.JSONSchema)
	var compact bytes.Buffer
	if err := json.Compact(&compact, t.JSONSchema); err == nil {
		schema = compact.String()
	}
	if schema == "" {
		schema = "{}"
	}
	return fmt.Sprintf("- %s\n  When: %s\n  Input JSON schema: %s", t.Name, t.Description, schema)
}

// Build flattens system + chat messages into a Provider PromptInput.
func (b *PromptBuilder) Build(system string, messages []ports.PromptMessage, toolSpecs []ports.ToolSpec, meta map[string]string) ports.PromptInput {
	// Normalize newlines to reduce prompt diffs between turns
	norm := func(s string) string { return strings.ReplaceAll(s, "\r\n", "\n") }

	out := make([]ports.PromptMessage, len(messages))
	for i, m := range messages {
		out[i] = ports.PromptMessage{Role: m.Role, Content: norm(m.Content)}
	}

	return ports.PromptInput{
		System:   strings.TrimSpace(norm(system)),
		Messages: out,
		Tools:    toolSpecs,
		Meta:     meta,
	}
}
