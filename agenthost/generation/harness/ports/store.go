package harnessports

import "github.com/ZanzyTHEbar/agent-host/agenthost/history"

// HistoryStore persists the per-agent conversation log.
type HistoryStore interface {
	Append(agentID, role, content, id string) (history.Message, error)
	LoadWindow(agentID string, maxPairs int) ([]history.Message, error)
	WriteAll(agentID string, records []history.Message) error
	// Truncate drops everything before the last maxPairs pairs atomically.
	Truncate(agentID string, maxPairs int) error
	Clear(agentID string) error
}
