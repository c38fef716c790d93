// Package tools holds the built-in tools: long-term memory, profile self-updates
// and web search.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	internal "github.com/ZanzyTHEbar/agent-host/agenthost"
	ports "github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness/ports"
	"github.com/ZanzyTHEbar/agent-host/agenthost/memory"
	"github.com/ZanzyTHEbar/agent-host/agenthost/profiles"
	"github.com/ZanzyTHEbar/agent-host/agenthost/search"
)

// Deps are the backends the built-in tools act on. A nil backend leaves its
// tools out of Builtin.
type Deps struct {
	Memory   memory.Store
	Profiles *profiles.Store
	Search   *search.Client
	// MemoryK is memory.retrieve's default k.
	MemoryK int
}

// Builtin returns every tool whose backend is configured, in catalog order.
func Builtin(d Deps) []ports.Tool {
	var out []ports.Tool
	if d.Memory != nil {
		out = append(out,
			NewMemoryInsertTool(d.Memory),
			NewMemoryRetrieveTool(d.Memory, d.MemoryK),
			NewMemoryUpdateTool(d.Memory),
			NewMemoryDeleteTool(d.Memory),
		)
	}
	if d.Profiles != nil {
		out = append(out,
			NewUpdateImpressionTool(d.Profiles),
			NewUpdateMoodTool(d.Profiles),
			NewUpdateMemorySummaryTool(d.Profiles),
			NewUpdateNotesTool(d.Profiles),
		)
	}
	if d.Search != nil {
		out = append(out,
			NewSearchTool(d.Search),
			NewFetchTool(d.Search),
		)
	}
	return out
}

// resolveAgent picks the agent a call acts on: the turn's agent when one is on
// ctx, else the payload's agent_id, else the default agent.
func resolveAgent(ctx context.Context, payloadAgentID string) string {
	if id, ok := ports.AgentIDFromContext(ctx); ok {
		return id
	}
	if payloadAgentID != "" {
		return payloadAgentID
	}
	return internal.DefaultAgentID
}

func decode(args json.RawMessage, v any) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// okResult is the acknowledgement returned by tools without a payload of their own.
type okResult struct {
	OK bool `json:"ok"`
}
