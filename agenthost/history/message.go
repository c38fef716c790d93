package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Roles a Message may carry.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

var (
	// ErrInvalidRole is returned when a role outside the four known roles is written.
	ErrInvalidRole = errors.New("history: invalid role")
	// ErrInvalidAgentID is returned for empty agent ids or ids that would escape the data root.
	ErrInvalidAgentID = errors.New("history: invalid agent id")
	// ErrDuplicateID is returned by Append when the caller-supplied id already exists.
	ErrDuplicateID = errors.New("history: duplicate message id")

	errMissingField = errors.New("history: record missing role or content")
)

// timeLayouts are tried in order when reading timestamps written by other tools.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Message is one record of an agent's conversation log.
type Message struct {
	ID        string
	Role      string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time

	// Extra carries fields this package does not interpret, so rewrites keep them.
	Extra map[string]json.RawMessage
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Role    *string `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// NewID returns a fresh 32-character hex identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// normalize fills a missing id and timestamps and keeps created_at <= updated_at.
func (m *Message) normalize(now time.Time) {
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() || m.UpdatedAt.Before(m.CreatedAt) {
		m.UpdatedAt = m.CreatedAt
	}
}

// MarshalJSON writes the known fields first, then any preserved extras in key order.
func (m Message) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	write := func(key string, value any) error {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(key)
		buf.Write(k)
		buf.WriteByte(':')
		if raw, ok := value.(json.RawMessage); ok {
			buf.Write(raw)
			return nil
		}
		v, err := json.Marshal(value)
		if err != nil {
			return err
		}
		buf.Write(v)
		return nil
	}

	fields := []struct {
		key   string
		value any
	}{
		{"message_id", m.ID},
		{"role", m.Role},
		{"content", m.Content},
		{"created_at", formatTime(m.CreatedAt)},
		{"updated_at", formatTime(m.UpdatedAt)},
	}
	for _, f := range fields {
		if err := write(f.key, f.value); err != nil {
			return nil, fmt.Errorf("marshal %s: %w", f.key, err)
		}
	}

	keys := make([]string, 0, len(m.Extra))
	for k := range m.Extra {
		if isKnownField(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := write(k, m.Extra[k]); err != nil {
			return nil, fmt.Errorf("marshal %s: %w", k, err)
		}
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a record, requiring role and content and keeping unknown fields.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	roleRaw, hasRole := raw["role"]
	contentRaw, hasContent := raw["content"]
	if !hasRole || !hasContent {
		return errMissingField
	}

	var out Message
	if err := json.Unmarshal(roleRaw, &out.Role); err != nil {
		return fmt.Errorf("role: %w", err)
	}
	if err := json.Unmarshal(contentRaw, &out.Content); err != nil {
		return fmt.Errorf("content: %w", err)
	}
	if v, ok := raw["message_id"]; ok {
		// non-string ids are treated as missing and regenerated on the next rewrite
		_ = json.Unmarshal(v, &out.ID)
	}
	out.CreatedAt = parseTime(raw["created_at"])
	out.UpdatedAt = parseTime(raw["updated_at"])

	for k, v := range raw {
		if isKnownField(k) {
			continue
		}
		if out.Extra == nil {
			out.Extra = make(map[string]json.RawMessage)
		}
		out.Extra[k] = v
	}

	*m = out
	return nil
}

func isKnownField(k string) bool {
	switch k {
	case "message_id", "role", "content", "created_at", "updated_at":
		return true
	}
	return false
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
