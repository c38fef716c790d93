package harness

import (
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness/ports"
	"github.com/armon/go-radix"
	"github.com/xeipuuv/gojsonschema"
)

// Registry is the immutable set of tools a turn may call. Names are unique;
// registering a name twice keeps the later tool at the earlier position.
type Registry struct {
	tree  *radix.Tree
	order []string
}

type entry struct {
	tool   ports.Tool
	schema *gojsonschema.Schema
}

// NewRegistry builds a registry from tools in registration order. Every schema
// is compiled up front so a bad schema fails at startup instead of mid-turn.
func NewRegistry(tools ...ports.Tool) (*Registry, error) {
	r := &Registry{tree: radix.New()}
	validator := NewJSONValidator()

	for _, tool := range tools {
		name := tool.Name()
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("tool with empty name")
		}
		schema, err := validator.Compile(tool.Schema())
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", name, err)
		}
		if _, replaced := r.tree.Insert(name, entry{tool: tool, schema: schema}); !replaced {
			r.order = append(r.order, name)
		}
	}
	return r, nil
}

// MustRegistry is NewRegistry for static tool sets.
func MustRegistry(tools ...ports.Tool) *Registry {
	r, err := NewRegistry(tools...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup finds a tool by exact name.
func (r *Registry) Lookup(name string) (ports.Tool, bool) {
	e, ok := r.get(name)
	if !ok {
		return nil, false
	}
	return e.tool, true
}

func (r *Registry) get(name string) (entry, bool) {
	if r == nil {
		return entry{}, false
	}
	v, ok := r.tree.Get(name)
	if !ok {
		return entry{}, false
	}
	return v.(entry), true
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.order...)
}

// Len reports the number of tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.order)
}

// ListForPrompt returns the tool catalog in registration order.
func (r *Registry) ListForPrompt() []ports.ToolSpec {
	if r == nil {
		return nil
	}
	specs := make([]ports.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		e, _ := r.get(name)
		specs = append(specs, ports.ToolSpec{
			Name:        name,
			Description: e.tool.Description(),
			JSONSchema:  e.tool.Schema(),
		})
	}
	return specs
}

// Subset returns a registry restricted to patterns, keeping the original order.
// A pattern ending in "." or "*" selects a namespace ("memory." or "memory.*");
// anything else must match a name exactly. Unknown patterns are ignored.
func (r *Registry) Subset(patterns ...string) *Registry {
	keep := make(map[string]bool)
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		switch {
		case p == "" || r == nil:
		case p == "*":
			for _, name := range r.order {
				keep[name] = true
			}
		case strings.HasSuffix(p, "*") || strings.HasSuffix(p, "."):
			prefix := strings.TrimSuffix(p, "*")
			r.tree.WalkPrefix(prefix, func(name string, _ any) bool {
				keep[name] = true
				return false
			})
		default:
			if _, ok := r.tree.Get(p); ok {
				keep[p] = true
			}
		}
	}

	sub := &Registry{tree: radix.New()}
	for _, name := range r.Names() {
		if !keep[name] {
			continue
		}
		v, _ := r.tree.Get(name)
		sub.tree.Insert(name, v)
		sub.order = append(sub.order, name)
	}
	return sub
}

// Namespace returns the tools whose names start with prefix, such as "memory.".
func (r *Registry) Namespace(prefix string) *Registry {
	return r.Subset(prefix + "*")
}
