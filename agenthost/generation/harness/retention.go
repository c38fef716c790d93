package harness

import (
	"fmt"

	ports "github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness/ports"
)

// RetentionPolicy decides what is left of an agent's history after a turn.
type RetentionPolicy struct {
	maxPairs int
	durable  map[string]bool
}

// NewRetentionPolicy keeps maxPairs pairs unless one of durableTools ran.
func NewRetentionPolicy(maxPairs int, durableTools []string) *RetentionPolicy {
	durable := make(map[string]bool, len(durableTools))
	for _, name := range durableTools {
		durable[name] = true
	}
	return &RetentionPolicy{maxPairs: maxPairs, durable: durable}
}

// Wipes reports whether used contains a durable-memory insert.
func (r *RetentionPolicy) Wipes(used []ports.ToolInvocation) bool {
	for _, inv := range used {
		if r.durable[inv.Name] {
			return true
		}
	}
	return false
}

// Apply clears the log after a durable insert; otherwise it truncates the log to
// the window. It reports whether the log was cleared.
func (r *RetentionPolicy) Apply(store ports.HistoryStore, agentID string, used []ports.ToolInvocation) (bool, error) {
	if r.Wipes(used) {
		if err := store.Clear(agentID); err != nil {
			return false, fmt.Errorf("clear history: %w", err)
		}
		return true, nil
	}

	if err := store.Truncate(agentID, r.maxPairs); err != nil {
		return false, fmt.Errorf("truncate history: %w", err)
	}
	return false, nil
}
