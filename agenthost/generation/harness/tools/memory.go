package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness/ports"
	"github.com/ZanzyTHEbar/agent-host/agenthost/memory"
)

// MemoryInsertSchema defines the JSON schema for memory.insert.
const MemoryInsertSchema = `{
  "type": "object",
  "properties": {
    "agent_id": {"type": "string", "default": "default"},
    "items": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "properties": {
          "text": {"type": "string", "minLength": 1},
          "memory_id": {"type": "string"},
          "type": {"type": "string", "description": "preference, fact, event or task"},
          "date": {"type": "integer", "description": "YYYYMMDD"},
          "time": {"type": "integer", "description": "HHMMSS"},
          "tag": {"type": "string"},
          "salience": {"type": "number", "minimum": 0, "maximum": 1},
          "metadata": {"type": "object"}
        },
        "required": ["text"]
      }
    }
  },
  "required": ["items"]
}`

// MemoryRetrieveSchema defines the JSON schema for memory.retrieve.
const MemoryRetrieveSchema = `{
  "type": "object",
  "properties": {
    "agent_id": {"type": "string", "default": "default"},
    "query": {"type": "string"},
    "k": {"type": "integer", "minimum": 1, "maximum": 50, "default": 6},
    "where": {"type": "object", "description": "Metadata filter, e.g. {\"type\": \"preference\"} or {\"date\": {\"$gte\": 20250101}}"}
  },
  "required": ["query"]
}`

// MemoryUpdateSchema defines the JSON schema for memory.update.
const MemoryUpdateSchema = `{
  "type": "object",
  "properties": {
    "agent_id": {"type": "string", "default": "default"},
    "memory_id": {"type": "string", "minLength": 1},
    "patch": {"type": "object"}
  },
  "required": ["memory_id", "patch"]
}`

// MemoryDeleteSchema defines the JSON schema for memory.delete.
const MemoryDeleteSchema = `{
  "type": "object",
  "properties": {
    "agent_id": {"type": "string", "default": "default"},
    "memory_id": {"type": "string", "minLength": 1}
  },
  "required": ["memory_id"]
}`

// MemoryInsertResult is returned by memory.insert.
type MemoryInsertResult struct {
	OK  bool     `json:"ok"`
	IDs []string `json:"ids"`
}

// MemoryRetrieveResult is returned by memory.retrieve.
type MemoryRetrieveResult struct {
	OK      bool            `json:"ok"`
	Results []memory.Result `json:"results"`
}

// MemoryInsertTool writes durable memories.
type MemoryInsertTool struct {
	store memory.Store
}

// NewMemoryInsertTool creates a memory.insert tool.
func NewMemoryInsertTool(store memory.Store) *MemoryInsertTool {
	return &MemoryInsertTool{store: store}
}

func (t *MemoryInsertTool) Name() string { return "memory.insert" }

func (t *MemoryInsertTool) Description() string {
	return "Insert durable memory items (facts, preferences, events) into the agent's memory store."
}

func (t *MemoryInsertTool) Schema() []byte { return []byte(MemoryInsertSchema) }

// Invoke upserts the payload items for the resolved agent.
func (t *MemoryInsertTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		AgentID string           `json:"agent_id"`
		Items   []map[string]any `json:"items"`
	}
	if err := decode(args, &params); err != nil {
		return nil, err
	}
	if len(params.Items) == 0 {
		return nil, fmt.Errorf("items is required")
	}

	items := make([]memory.Item, 0, len(params.Items))
	for _, raw := range params.Items {
		items = append(items, memory.ItemFromMap(raw))
	}
	ids, err := t.store.Upsert(ctx, resolveAgent(ctx, params.AgentID), items)
	if err != nil {
		return nil, err
	}
	return MemoryInsertResult{OK: true, IDs: ids}, nil
}

// MemoryRetrieveTool returns memories relevant to a query.
type MemoryRetrieveTool struct {
	store    memory.Store
	defaultK int
}

// NewMemoryRetrieveTool creates a memory.retrieve tool. defaultK <= 0 means memory.DefaultK.
func NewMemoryRetrieveTool(store memory.Store, defaultK int) *MemoryRetrieveTool {
	if defaultK <= 0 {
		defaultK = memory.DefaultK
	}
	return &MemoryRetrieveTool{store: store, defaultK: defaultK}
}

func (t *MemoryRetrieveTool) Name() string { return "memory.retrieve" }

func (t *MemoryRetrieveTool) Description() string {
	return "Retrieve top-K relevant memories for a query."
}

func (t *MemoryRetrieveTool) Schema() []byte { return []byte(MemoryRetrieveSchema) }

// Invoke runs the query with an optional metadata filter.
func (t *MemoryRetrieveTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		AgentID string         `json:"agent_id"`
		Query   string         `json:"query"`
		K       int            `json:"k"`
		Where   map[string]any `json:"where"`
	}
	if err := decode(args, &params); err != nil {
		return nil, err
	}
	if params.K <= 0 {
		params.K = t.defaultK
	}

	results, err := t.store.Query(ctx, resolveAgent(ctx, params.AgentID), strings.TrimSpace(params.Query), params.K, memory.NormalizeWhere(params.Where))
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []memory.Result{}
	}
	return MemoryRetrieveResult{OK: true, Results: results}, nil
}

// MemoryUpdateTool patches a memory in place.
type MemoryUpdateTool struct {
	store memory.Store
}

// NewMemoryUpdateTool creates a memory.update tool.
func NewMemoryUpdateTool(store memory.Store) *MemoryUpdateTool {
	return &MemoryUpdateTool{store: store}
}

func (t *MemoryUpdateTool) Name() string { return "memory.update" }

func (t *MemoryUpdateTool) Description() string {
	return "Update a memory item by ID (partial upsert)."
}

func (t *MemoryUpdateTool) Schema() []byte { return []byte(MemoryUpdateSchema) }

// Invoke reports ok=false when the memory does not exist.
func (t *MemoryUpdateTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		AgentID  string         `json:"agent_id"`
		MemoryID string         `json:"memory_id"`
		Patch    map[string]any `json:"patch"`
	}
	if err := decode(args, &params); err != nil {
		return nil, err
	}
	if params.MemoryID == "" {
		return nil, fmt.Errorf("memory_id is required")
	}

	ok, err := t.store.Update(ctx, resolveAgent(ctx, params.AgentID), params.MemoryID, params.Patch)
	if err != nil {
		return nil, err
	}
	return okResult{OK: ok}, nil
}

// MemoryDeleteTool removes a memory.
type MemoryDeleteTool struct {
	store memory.Store
}

// NewMemoryDeleteTool creates a memory.delete tool.
func NewMemoryDeleteTool(store memory.Store) *MemoryDeleteTool {
	return &MemoryDeleteTool{store: store}
}

func (t *MemoryDeleteTool) Name() string { return "memory.delete" }

func (t *MemoryDeleteTool) Description() string { return "Delete a memory item by ID." }

func (t *MemoryDeleteTool) Schema() []byte { return []byte(MemoryDeleteSchema) }

func (t *MemoryDeleteTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		AgentID  string `json:"agent_id"`
		MemoryID string `json:"memory_id"`
	}
	if err := decode(args, &params); err != nil {
		return nil, err
	}
	if params.MemoryID == "" {
		return nil, fmt.Errorf("memory_id is required")
	}
	if err := t.store.Delete(ctx, resolveAgent(ctx, params.AgentID), params.MemoryID); err != nil {
		return nil, err
	}
	return okResult{OK: true}, nil
}

var (
	_ ports.Tool = (*MemoryInsertTool)(nil)
	_ ports.Tool = (*MemoryRetrieveTool)(nil)
	_ ports.Tool = (*MemoryUpdateTool)(nil)
	_ ports.Tool = (*MemoryDeleteTool)(nil)
)
