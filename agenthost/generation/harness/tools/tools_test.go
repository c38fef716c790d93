package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness"
	ports "github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness/ports"
	"github.com/ZanzyTHEbar/agent-host/agenthost/memory"
	"github.com/ZanzyTHEbar/agent-host/agenthost/profiles"
	"github.com/ZanzyTHEbar/agent-host/agenthost/search"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ToolsSuite struct {
	suite.Suite
	root       string
	mem        *memory.LibSQLStore
	profiles   *profiles.Store
	registry   *harness.Registry
	dispatcher *harness.Dispatcher
	ctx        context.Context
}

func TestToolsSuite(t *testing.T) {
	suite.Run(t, new(ToolsSuite))
}

func (s *ToolsSuite) SetupTest() {
	s.root = s.T().TempDir()
	s.mem = memory.NewLibSQLStore(s.root, zerolog.Nop())
	s.profiles = profiles.NewStore(s.root, zerolog.Nop())

	reg, err := harness.NewRegistry(Builtin(Deps{Memory: s.mem, Profiles: s.profiles})...)
	s.Require().NoError(err)
	s.registry = reg
	s.dispatcher = harness.NewDispatcher(nil, nil, zerolog.Nop(), 0)
	s.ctx = ports.WithAgentID(context.Background(), "ada")
}

func (s *ToolsSuite) TearDownTest() {
	s.NoError(s.mem.Close())
}

func (s *ToolsSuite) call(ctx context.Context, name, payload string) (string, error) {
	inv, found, err := s.dispatcher.Dispatch(ctx, s.registry, ports.ToolCall{Name: name, Payload: json.RawMessage(payload)})
	s.Require().True(found, name)
	return inv.Result, err
}

func (s *ToolsSuite) TestCatalog() {
	s.Equal([]string{
		"memory.insert", "memory.retrieve", "memory.update", "memory.delete",
		"agent.update_impression", "agent.update_mood", "agent.update_memory_summary", "agent.update_notes",
	}, s.registry.Names())
	s.Equal(4, s.registry.Namespace("memory.").Len())
}

func (s *ToolsSuite) TestMemoryLifecycle() {
	out, err := s.call(s.ctx, "memory.insert", `{"items":[{"text":"The user likes green tea","type":"preference","tag":"drink"},{"memory_id":"m2","text":"The user lives in Lisbon","type":"fact"}]}`)
	s.Require().NoError(err)
	var inserted MemoryInsertResult
	s.Require().NoError(json.Unmarshal([]byte(out), &inserted))
	s.True(inserted.OK)
	s.Require().Len(inserted.IDs, 2)
	s.Equal("m2", inserted.IDs[1])

	out, err = s.call(s.ctx, "memory.retrieve", `{"query":"tea","where":{"type":"preference"}}`)
	s.Require().NoError(err)
	var found MemoryRetrieveResult
	s.Require().NoError(json.Unmarshal([]byte(out), &found))
	s.Require().Len(found.Results, 1)
	s.Equal(inserted.IDs[0], found.Results[0].MemoryID)

	out, err = s.call(s.ctx, "memory.update", `{"memory_id":"m2","patch":{"text":"The user lives in Porto"}}`)
	s.Require().NoError(err)
	s.JSONEq(`{"ok":true}`, out)

	out, err = s.call(s.ctx, "memory.update", `{"memory_id":"missing","patch":{"text":"x"}}`)
	s.Require().NoError(err)
	s.JSONEq(`{"ok":false}`, out)

	out, err = s.call(s.ctx, "memory.delete", `{"memory_id":"m2"}`)
	s.Require().NoError(err)
	s.JSONEq(`{"ok":true}`, out)

	_, ok, err := s.mem.Get(context.Background(), "ada", "m2")
	s.NoError(err)
	s.False(ok)
}

func (s *ToolsSuite) TestTurnAgentWinsOverPayload() {
	_, err := s.call(s.ctx, "memory.insert", `{"agent_id":"bob","items":[{"text":"belongs to ada"}]}`)
	s.Require().NoError(err)

	res, err := s.mem.Query(context.Background(), "ada", "belongs", 5, nil)
	s.Require().NoError(err)
	s.Len(res, 1)
	res, err = s.mem.Query(context.Background(), "bob", "belongs", 5, nil)
	s.Require().NoError(err)
	s.Empty(res)

	// without a turn agent the payload decides, then the default agent
	_, err = s.call(context.Background(), "memory.insert", `{"agent_id":"bob","items":[{"text":"belongs to bob"}]}`)
	s.Require().NoError(err)
	res, err = s.mem.Query(context.Background(), "bob", "belongs", 5, nil)
	s.Require().NoError(err)
	s.Len(res, 1)

	s.Equal("default", resolveAgent(context.Background(), ""))
}

func (s *ToolsSuite) TestSchemaRejectsBadPayloads() {
	for name, payload := range map[string]string{
		"memory.insert":     `{"items":[{"type":"fact"}]}`,
		"memory.retrieve":   `{"k":3}`,
		"memory.update":     `{"memory_id":"x"}`,
		"agent.update_mood": `{"current_mood":5}`,
	} {
		_, err := s.call(s.ctx, name, payload)
		s.ErrorIs(err, harness.ErrInvalidPayload, name)
	}
}

func (s *ToolsSuite) TestProfileFieldTools() {
	_, err := s.call(s.ctx, "agent.update_mood", `{"current_mood":"cheerful"}`)
	s.Require().NoError(err)

	p, err := s.profiles.Read("ada")
	s.Require().NoError(err, "missing profile is created from the default")
	s.Equal("cheerful", p.CurrentMood)
	s.Equal(profiles.Default("ada").Character, p.Character)

	for name, payload := range map[string]string{
		"agent.update_impression":     `{"impression_of_user":"curious engineer"}`,
		"agent.update_memory_summary": `{"memory_summary":"likes tea"}`,
		"agent.update_notes":          `{"notes":"answer in metric"}`,
	} {
		out, err := s.call(s.ctx, name, payload)
		s.Require().NoError(err)
		s.JSONEq(`{"ok":true}`, out)
	}

	p, err = s.profiles.Read("ada")
	s.Require().NoError(err)
	s.Equal("curious engineer", p.ImpressionOfUser)
	s.Equal("likes tea", p.MemorySummary)
	s.Equal("answer in metric", p.Notes)
	s.Equal("cheerful", p.CurrentMood)
}

func TestWebTools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			_, _ = w.Write([]byte(`<div class="result"><h2 class="result__title"><a href="https://go.dev">Go</a></h2><a class="result__snippet">The Go language</a></div>`))
		default:
			_, _ = w.Write([]byte(`<html><body><p>Page body text</p></body></html>`))
		}
	}))
	defer srv.Close()

	client := search.NewClient(search.Options{BaseURL: srv.URL}, zerolog.Nop())
	reg, err := harness.NewRegistry(Builtin(Deps{Search: client})...)
	require.NoError(t, err)
	assert.Equal(t, []string{"duckduckgo.search", "duckduckgo.fetch_content"}, reg.Names())

	d := harness.NewDispatcher(nil, nil, zerolog.Nop(), 0)
	inv, found, err := d.Dispatch(context.Background(), reg, ports.ToolCall{Name: "duckduckgo.search", Payload: json.RawMessage(`{"query":"go"}`)})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Found 1 search results:\n\n1. Go\n   URL: https://go.dev\n   Summary: The Go language\n", inv.Result)

	inv, _, err = d.Dispatch(context.Background(), reg, ports.ToolCall{Name: "duckduckgo.fetch_content", Payload: json.RawMessage(`{"url":"` + srv.URL + `/page"}`)})
	require.NoError(t, err)
	assert.Contains(t, inv.Result, "Page body text")

	_, _, err = d.Dispatch(context.Background(), reg, ports.ToolCall{Name: "duckduckgo.fetch_content", Payload: json.RawMessage(`{"url":"file:///etc/passwd"}`)})
	assert.ErrorIs(t, err, search.ErrInvalidURL)
}
