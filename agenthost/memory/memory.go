// Package memory implements the per-agent long-term memory store used by the
// memory.* tools.
//
// Memories are short texts with a flat metadata map. Only a fixed set of
// metadata keys with primitive values is kept; everything else is dropped on
// write. Retrieval ranks by full-text relevance and accepts a small filter
// language over the metadata keys.
package memory

import (
	"context"
	"errors"
	"sort"
)

// DefaultK is the number of results a query returns when k is not positive.
const DefaultK = 6

var (
	// ErrInvalidItem is returned for items without text.
	ErrInvalidItem = errors.New("memory: item text is required")
	// ErrInvalidFilter is returned for where clauses that cannot be compiled.
	ErrInvalidFilter = errors.New("memory: invalid where filter")
)

// allowedMetaKeys are the metadata keys persisted with a memory.
var allowedMetaKeys = map[string]bool{
	"type":         true,
	"date":         true,
	"time":         true,
	"tag":          true,
	"memory_id":    true,
	"salience":     true,
	"created_at":   true,
	"last_seen_at": true,
}

// AllowedMetaKeys returns the persisted metadata keys in sorted order.
func AllowedMetaKeys() []string {
	keys := make([]string, 0, len(allowedMetaKeys))
	for k := range allowedMetaKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Item is a memory to write. Recommended metadata: type ("preference", "fact",
// "event", "task"), date (YYYYMMDD), time (HHMMSS), tag (a single tag) and salience.
type Item struct {
	ID       string
	Text     string
	Metadata map[string]any
}

// ItemFromMap builds an Item from a loosely typed payload object. "text" and
// "memory_id" are lifted out; the remaining keys, plus the keys of a nested
// "metadata" object, become metadata.
func ItemFromMap(m map[string]any) Item {
	it := Item{Metadata: make(map[string]any)}
	if nested, ok := m["metadata"].(map[string]any); ok {
		for k, v := range nested {
			it.Metadata[k] = v
		}
	}
	for k, v := range m {
		switch k {
		case "text":
			it.Text, _ = v.(string)
		case "memory_id":
			it.ID, _ = v.(string)
		case "metadata":
		default:
			it.Metadata[k] = v
		}
	}
	return it
}

// Result is a stored memory as returned by queries.
type Result struct {
	MemoryID string         `json:"memory_id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
	// Distance is in (0, 1]; lower is a closer match. Unranked results report 1.
	Distance float64 `json:"distance"`
}

// Store is the long-term memory backend.
type Store interface {
	// Upsert writes items, generating ids where missing, and returns the ids in order.
	Upsert(ctx context.Context, agentID string, items []Item) ([]string, error)
	// Query returns up to k memories ranked by relevance to text, filtered by where.
	// An empty text returns the most recently updated memories.
	Query(ctx context.Context, agentID, text string, k int, where map[string]any) ([]Result, error)
	Get(ctx context.Context, agentID, id string) (Result, bool, error)
	// Update merges patch into a memory; "text" replaces the text and every other
	// key is merged into metadata. It reports false when id does not exist.
	Update(ctx context.Context, agentID, id string, patch map[string]any) (bool, error)
	// Delete removes id. Deleting a missing id is not an error.
	Delete(ctx context.Context, agentID, id string) error
	Close() error
}

// FlattenMetadata keeps allowed keys whose values are nil, strings, numbers or booleans.
func FlattenMetadata(meta map[string]any) map[string]any {
	clean := make(map[string]any, len(meta))
	for k, v := range meta {
		if !allowedMetaKeys[k] {
			continue
		}
		if isPrimitive(v) {
			clean[k] = v
		}
	}
	return clean
}

func isPrimitive(v any) bool {
	switch v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}
