package tools

import (
	"context"
	"encoding/json"
	"fmt"

	ports "github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness/ports"
	"github.com/ZanzyTHEbar/agent-host/agenthost/profiles"
)

// ProfileFieldTool overwrites one text field of the agent's own profile. Agents
// without a profile get the default persona written out first.
type ProfileFieldTool struct {
	name        string
	description string
	field       string
	set         func(*profiles.Profile, string)
	store       *profiles.Store
}

func newProfileFieldTool(store *profiles.Store, name, description, field string, set func(*profiles.Profile, string)) *ProfileFieldTool {
	return &ProfileFieldTool{name: name, description: description, field: field, set: set, store: store}
}

// NewUpdateImpressionTool creates agent.update_impression.
func NewUpdateImpressionTool(store *profiles.Store) *ProfileFieldTool {
	return newProfileFieldTool(store, "agent.update_impression",
		"Update the agent's impression of the user.",
		"impression_of_user", func(p *profiles.Profile, v string) { p.ImpressionOfUser = v })
}

// NewUpdateMoodTool creates agent.update_mood.
func NewUpdateMoodTool(store *profiles.Store) *ProfileFieldTool {
	return newProfileFieldTool(store, "agent.update_mood",
		"Update the agent's current mood.",
		"current_mood", func(p *profiles.Profile, v string) { p.CurrentMood = v })
}

// NewUpdateMemorySummaryTool creates agent.update_memory_summary.
func NewUpdateMemorySummaryTool(store *profiles.Store) *ProfileFieldTool {
	return newProfileFieldTool(store, "agent.update_memory_summary",
		"Replace the agent's memory summary text.",
		"memory_summary", func(p *profiles.Profile, v string) { p.MemorySummary = v })
}

// NewUpdateNotesTool creates agent.update_notes.
func NewUpdateNotesTool(store *profiles.Store) *ProfileFieldTool {
	return newProfileFieldTool(store, "agent.update_notes",
		"Replace the agent's system-managed notes, shown at the top of every prompt.",
		"notes", func(p *profiles.Profile, v string) { p.Notes = v })
}

func (t *ProfileFieldTool) Name() string        { return t.name }
func (t *ProfileFieldTool) Description() string { return t.description }

func (t *ProfileFieldTool) Schema() []byte {
	return []byte(fmt.Sprintf(`{
  "type": "object",
  "properties": {
    "agent_id": {"type": "string", "default": "default"},
    %q: {"type": "string"}
  },
  "required": [%q]
}`, t.field, t.field))
}

// Invoke reads the profile, replaces the field and writes it back.
func (t *ProfileFieldTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params map[string]json.RawMessage
	if err := decode(args, &params); err != nil {
		return nil, err
	}
	raw, ok := params[t.field]
	if !ok {
		return nil, fmt.Errorf("%s is required", t.field)
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("%s must be a string: %w", t.field, err)
	}
	var payloadAgent string
	if a, ok := params["agent_id"]; ok {
		_ = json.Unmarshal(a, &payloadAgent)
	}

	p, err := t.store.ReadOrDefault(resolveAgent(ctx, payloadAgent))
	if err != nil {
		return nil, err
	}
	t.set(&p, value)
	if err := t.store.Write(p); err != nil {
		return nil, err
	}
	return okResult{OK: true}, nil
}

var _ ports.Tool = (*ProfileFieldTool)(nil)
