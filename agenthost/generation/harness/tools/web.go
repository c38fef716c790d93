package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness/ports"
	"github.com/ZanzyTHEbar/agent-host/agenthost/search"
)

// SearchSchema defines the JSON schema for duckduckgo.search.
const SearchSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "minLength": 1},
    "k": {"type": "integer", "minimum": 1, "maximum": 20, "default": 5}
  },
  "required": ["query"]
}`

// FetchSchema defines the JSON schema for duckduckgo.fetch_content.
const FetchSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string", "minLength": 1}
  },
  "required": ["url"]
}`

// SearchTool runs a DuckDuckGo web search.
type SearchTool struct {
	client *search.Client
}

// NewSearchTool creates a duckduckgo.search tool.
func NewSearchTool(client *search.Client) *SearchTool {
	return &SearchTool{client: client}
}

func (t *SearchTool) Name() string { return "duckduckgo.search" }

func (t *SearchTool) Description() string {
	return "Web search via DuckDuckGo. Returns a ranked list of results with titles, URLs and summaries."
}

func (t *SearchTool) Schema() []byte { return []byte(SearchSchema) }

// Invoke returns the formatted result list as text.
func (t *SearchTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Query string `json:"query"`
		K     int    `json:"k"`
	}
	if err := decode(args, &params); err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.Query) == "" {
		return nil, fmt.Errorf("query is required")
	}
	if params.K <= 0 {
		params.K = search.DefaultK
	}

	results, err := t.client.Search(ctx, params.Query, params.K)
	if err != nil {
		return nil, err
	}
	return search.FormatResults(results), nil
}

// FetchTool downloads a page and returns its main text.
type FetchTool struct {
	client *search.Client
}

// NewFetchTool creates a duckduckgo.fetch_content tool.
func NewFetchTool(client *search.Client) *FetchTool {
	return &FetchTool{client: client}
}

func (t *FetchTool) Name() string { return "duckduckgo.fetch_content" }

func (t *FetchTool) Description() string {
	return "Fetch and return cleaned main content from a given URL."
}

func (t *FetchTool) Schema() []byte { return []byte(FetchSchema) }

func (t *FetchTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := decode(args, &params); err != nil {
		return nil, err
	}
	return t.client.Fetch(ctx, params.URL)
}

var (
	_ ports.Tool = (*SearchTool)(nil)
	_ ports.Tool = (*FetchTool)(nil)
)
