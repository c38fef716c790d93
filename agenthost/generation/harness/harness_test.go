package harness

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ZanzyTHEbar/agent-host/agenthost/config"
	"github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness/ports"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// StubTool implements Tool for testing.
type StubTool struct {
	name        string
	description string
	schema      string
	invokeFunc  func(ctx context.Context, payload json.RawMessage) (any, error)
}

func (t *StubTool) Name() string        { return t.name }
func (t *StubTool) Description() string { return t.description }
func (t *StubTool) Schema() []byte {
	if t.schema == "" {
		return nil
	}
	return []byte(t.schema)
}
func (t *StubTool) Invoke(ctx context.Context, payload json.RawMessage) (any, error) {
	if t.invokeFunc != nil {
		return t.invokeFunc(ctx, payload)
	}
	return "ok", nil
}

var _ ports.Tool = (*StubTool)(nil)

func echoTool() *StubTool {
	return &StubTool{
		name:        "echo",
		description: "Echo text back",
		schema:      `{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`,
		invokeFunc: func(ctx context.Context, payload json.RawMessage) (any, error) {
			var p struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(payload, &p); err != nil {
				return nil, err
			}
			return "echoed " + p.Text, nil
		},
	}
}

func testParser() *DirectiveParser {
	return NewDirectiveParser("TOOL_CALL:", zerolog.Nop())
}

func TestDirectiveParser_ParseAll(t *testing.T) {
	p := testParser()
	text := `Sure. TOOL_CALL: {"name":"x","payload":{"a":{"b":1}}} then
TOOL_CALL: not json at all
TOOL_CALL: {"name":"y"}`

	calls := p.ParseAll(text)
	require.Len(t, calls, 2)
	assert.Equal(t, "x", calls[0].Name)
	assert.JSONEq(t, `{"a":{"b":1}}`, string(calls[0].Payload))
	assert.Equal(t, "y", calls[1].Name)
	assert.JSONEq(t, `{}`, string(calls[1].Payload))
}

func TestDirectiveParser_MalformedNeverHidesValid(t *testing.T) {
	p := testParser()
	valid := `TOOL_CALL: {"name":"ok","payload":{}}`
	garbage := []string{
		`TOOL_CALL: {`,
		`TOOL_CALL: {"payload":{}}`,
		`TOOL_CALL: {"name":"","payload":{}}`,
		`TOOL_CALL: []`,
		`TOOL_CALL:`,
	}
	for _, g := range garbage {
		text := g + "\n" + valid + "\n" + g
		calls := p.ParseAll(text)
		require.Len(t, calls, 1, "input %q", text)
		assert.Equal(t, "ok", calls[0].Name)
	}

	assert.Empty(t, p.ParseAll("no directives here {\"name\":\"x\"}"))
}

func TestDirectiveParser_ParseLineAndStrip(t *testing.T) {
	p := testParser()

	calls, ok := p.ParseLine("plain text\n")
	assert.False(t, ok)
	assert.Empty(t, calls)

	calls, ok = p.ParseLine(`  TOOL_CALL: {"name":"echo","payload":{"text":"hi"}}` + "\n")
	assert.True(t, ok)
	require.Len(t, calls, 1)
	assert.Equal(t, "echo", calls[0].Name)

	calls, ok = p.ParseLine("TOOL_CALL: {broken\n")
	assert.True(t, ok)
	assert.Empty(t, calls)

	stripped := p.StripDirectives("a\nTOOL_CALL: {\"name\":\"x\"}\nb\n")
	assert.Equal(t, "a\nb\n", stripped)
}

func TestDirectiveParser_ParseLineKeepsEveryDirective(t *testing.T) {
	p := testParser()
	line := `TOOL_CALL: {"name":"echo","payload":{"text":"a"}} TOOL_CALL: {"name":"echo","payload":{"text":"b"}}` + "\n"

	calls, ok := p.ParseLine(line)
	assert.True(t, ok)
	require.Len(t, calls, 2)
	assert.JSONEq(t, `{"text":"a"}`, string(calls[0].Payload))
	assert.JSONEq(t, `{"text":"b"}`, string(calls[1].Payload))
	assert.Equal(t, p.ParseAll(line), calls)
}

func TestDirectiveParser_StripDirectivesMidLine(t *testing.T) {
	p := testParser()
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "trailing directive",
			in:   "Sure. TOOL_CALL: {\"name\":\"echo\",\"payload\":{}}\n",
			want: "Sure.\n",
		},
		{
			name: "prose after directive",
			in:   "Saving TOOL_CALL: {\"name\":\"echo\",\"payload\":{\"a\":{\"b\":1}}} now.\nDone.",
			want: "Saving now.\nDone.",
		},
		{
			name: "two on one line",
			in:   "x\nTOOL_CALL: {\"name\":\"a\"} TOOL_CALL: {\"name\":\"b\"}\ny\n",
			want: "x\ny\n",
		},
		{
			name: "malformed mid-line stays",
			in:   "cost is TOOL_CALL: {oops\n",
			want: "cost is TOOL_CALL: {oops\n",
		},
		{
			name: "malformed directive line dropped",
			in:   "a\n  TOOL_CALL: {oops\nb",
			want: "a\nb",
		},
		{
			name: "no marker",
			in:   "just {\"name\":\"x\"}\n",
			want: "just {\"name\":\"x\"}\n",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := p.StripDirectives(tc.in)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestLineScanner_SplitsAcrossTokens(t *testing.T) {
	s := NewLineScanner(testParser(), true)

	var segs []Segment
	for _, tok := range []string{"hel", "lo\nTOOL_", `CALL: {"name":"x","payload":{"k":1}}`, "\nbye"} {
		segs = append(segs, s.Feed(tok)...)
	}
	segs = append(segs, s.Flush()...)

	require.Len(t, segs, 3)
	assert.Equal(t, "hello\n", segs[0].Text)
	require.NotNil(t, segs[1].Directive)
	assert.Equal(t, "x", segs[1].Directive.Name)
	assert.Equal(t, "bye", segs[2].Text)
	assert.Nil(t, s.Flush())
}

func TestLineScanner_DisabledForwardsEverything(t *testing.T) {
	s := NewLineScanner(testParser(), false)
	segs := s.Feed("TOOL_CALL: {\"name\":\"x\"}\n")
	require.Len(t, segs, 1)
	assert.Nil(t, segs[0].Directive)
	assert.Equal(t, "TOOL_CALL: {\"name\":\"x\"}\n", segs[0].Text)
}

func TestLineScanner_DropsMalformedDirectiveLine(t *testing.T) {
	s := NewLineScanner(testParser(), true)
	segs := s.Feed("TOOL_CALL: {oops\nafter\n")
	require.Len(t, segs, 1)
	assert.Equal(t, "after\n", segs[0].Text)
}

func TestLineScanner_TwoDirectivesOnOneLine(t *testing.T) {
	s := NewLineScanner(testParser(), true)
	segs := s.Feed(`x` + "\n" + `TOOL_CALL: {"name":"echo","payload":{"text":"a"}} TOOL_CALL: {"name":"echo","payload":{"text":"b"}}` + "\n")

	require.Len(t, segs, 3)
	assert.Equal(t, "x\n", segs[0].Text)
	for i, want := range []string{`{"text":"a"}`, `{"text":"b"}`} {
		d := segs[i+1].Directive
		require.NotNil(t, d)
		assert.Equal(t, "echo", d.Name)
		assert.JSONEq(t, want, string(d.Payload))
	}
}

func TestRegistry_LastRegistrationWins(t *testing.T) {
	first := &StubTool{name: "a", description: "first"}
	second := &StubTool{name: "b", description: "b"}
	replacement := &StubTool{name: "a", description: "replacement"}

	reg, err := NewRegistry(first, second, replacement)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, reg.Names())
	tool, ok := reg.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "replacement", tool.Description())

	specs := reg.ListForPrompt()
	require.Len(t, specs, 2)
	assert.Equal(t, "replacement", specs[0].Description)
}

func TestRegistry_SubsetAndNamespace(t *testing.T) {
	reg := MustRegistry(
		&StubTool{name: "memory.insert"},
		&StubTool{name: "agent.update_notes"},
		&StubTool{name: "memory.retrieve"},
		&StubTool{name: "duckduckgo.search"},
	)

	assert.Equal(t, []string{"memory.insert", "memory.retrieve"}, reg.Namespace("memory.").Names())
	assert.Equal(t, []string{"memory.insert", "agent.update_notes"}, reg.Subset("agent.*", "memory.insert", "nope").Names())
	assert.Equal(t, reg.Names(), reg.Subset("*").Names())
	assert.Equal(t, 0, reg.Subset().Len())
}

func TestRegistry_RejectsBadSchema(t *testing.T) {
	_, err := NewRegistry(&StubTool{name: "bad", schema: `{"type": 12}`})
	assert.Error(t, err)

	_, err = NewRegistry(&StubTool{name: " "})
	assert.Error(t, err)
}

func TestDispatcher(t *testing.T) {
	panicky := &StubTool{
		name: "boom",
		invokeFunc: func(ctx context.Context, payload json.RawMessage) (any, error) {
			panic("kaboom")
		},
	}
	structured := &StubTool{
		name: "stats",
		invokeFunc: func(ctx context.Context, payload json.RawMessage) (any, error) {
			return map[string]int{"count": 2}, nil
		},
	}
	failing := &StubTool{
		name: "fail",
		invokeFunc: func(ctx context.Context, payload json.RawMessage) (any, error) {
			return nil, errors.New("backend down")
		},
	}
	reg := MustRegistry(echoTool(), panicky, structured, failing)
	d := NewDispatcher(nil, nil, zerolog.Nop(), time.Second)
	ctx := context.Background()

	t.Run("unknown tool is a no-op", func(t *testing.T) {
		_, found, err := d.Dispatch(ctx, reg, ports.ToolCall{Name: "missing", Payload: json.RawMessage(`{}`)})
		assert.False(t, found)
		assert.NoError(t, err)
	})

	t.Run("schema rejection", func(t *testing.T) {
		_, found, err := d.Dispatch(ctx, reg, ports.ToolCall{Name: "echo", Payload: json.RawMessage(`{"text":5}`)})
		assert.True(t, found)
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("panic is contained", func(t *testing.T) {
		_, found, err := d.Dispatch(ctx, reg, ports.ToolCall{Name: "boom", Payload: json.RawMessage(`{}`)})
		assert.True(t, found)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "panicked")
	})

	t.Run("handler error", func(t *testing.T) {
		_, _, err := d.Dispatch(ctx, reg, ports.ToolCall{Name: "fail", Payload: json.RawMessage(`{}`)})
		assert.ErrorContains(t, err, "backend down")
	})

	t.Run("results are stringified", func(t *testing.T) {
		inv, found, err := d.Dispatch(ctx, reg, ports.ToolCall{Name: "echo", Payload: json.RawMessage(`{"text":"hi"}`)})
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "echoed hi", inv.Result)
		assert.Equal(t, "echo -> echoed hi", ToolMessage(inv))

		inv, _, err = d.Dispatch(ctx, reg, ports.ToolCall{Name: "stats", Payload: json.RawMessage(`{}`)})
		require.NoError(t, err)
		assert.Equal(t, `{"count":2}`, inv.Result)
	})

	t.Run("oversized payload", func(t *testing.T) {
		small := NewDispatcher(NewGuardrails().WithMaxPayloadBytes(8), nil, zerolog.Nop(), 0)
		_, _, err := small.Dispatch(ctx, reg, ports.ToolCall{Name: "echo", Payload: json.RawMessage(`{"text":"too long"}`)})
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})
}

func TestPromptBuilder_SystemPrompt(t *testing.T) {
	b := NewPromptBuilder("TOOL_CALL:")
	b.now = func() time.Time { return time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC) }

	bare := b.SystemPrompt(Persona{Character: "You are Ada."}, nil)
	assert.Equal(t, "You are Ada.\nSystem-managed notes: none\nCurrent date: 2026-01-02\nCurrent time: 15:04:05\n", bare)
	assert.NotContains(t, bare, "TOOL CALLING CONVENTION")

	spec := ports.ToolSpec{
		Name:        "echo",
		Description: "Echo text back",
		JSONSchema:  json.RawMessage("{\n  \"type\": \"object\"\n}"),
	}
	full := b.SystemPrompt(Persona{Character: "You are Ada", Notes: "likes tea"}, []ports.ToolSpec{spec})
	assert.Contains(t, full, "System-managed notes: likes tea\n")
	assert.Contains(t, full, "TOOL CALLING CONVENTION:")
	assert.Contains(t, full, `TOOL_CALL: {"name":"<toolname>"`)
	assert.Contains(t, full, "- echo\n  When: Echo text back\n  Input JSON schema: {\"type\":\"object\"}")
}

func TestPromptBuilder_Build(t *testing.T) {
	b := NewPromptBuilder("TOOL_CALL:")
	msgs := []ports.PromptMessage{{Role: "user", Content: "a\r\nb"}}

	in := b.Build("  system\r\n", msgs, nil, map[string]string{"k": "v"})

	assert.Equal(t, "system", in.System)
	assert.Equal(t, "a\nb", in.Messages[0].Content)
	assert.Equal(t, "a\r\nb", msgs[0].Content, "input slice must not be modified")
	assert.Equal(t, "v", in.Meta["k"])
}

func TestFactory_Wiring(t *testing.T) {
	cfg := &config.Config{
		History: config.HistoryConfig{MaxPairs: 0},
		Backend: config.BackendConfig{MaxTokens: 512, Temperature: 0.5},
		Harness: config.HarnessConfig{
			Mode:             "weird",
			Marker:           "CALL>",
			MaxToolRounds:    99,
			Tracing:          "zerolog",
			RateLimitEnabled: true, RateLimitCapacity: 2, RateLimitRefillRate: time.Second,
			CacheEnabled: true, CacheCapacity: 4,
			MaintenanceTools: []string{"agent.*"},
			DurableTools:     []string{"memory.insert"},
		},
	}
	f := NewFactory(cfg, zerolog.Nop())

	policy := f.CreatePolicy()
	assert.Equal(t, ModeStream, policy.Mode)
	assert.Equal(t, 1, policy.MaxPairs)
	assert.Equal(t, 10, policy.MaxToolRounds)
	assert.Equal(t, 512, policy.MaxTokens)
	assert.Equal(t, 256, policy.MaintenanceMaxTokens)

	assert.IsType(t, &adapters.ZerologTracer{}, f.CreateTracer())
	assert.IsType(t, &adapters.TokenBucket{}, f.CreateRateLimiter())
	assert.IsType(t, &adapters.LRUCache{}, f.CreateCache())

	cfg.Harness.Tracing = ""
	cfg.Harness.RateLimitEnabled = false
	cfg.Harness.CacheEnabled = false
	assert.IsType(t, &noOpTracer{}, f.CreateTracer())
	assert.IsType(t, &noOpRateLimiter{}, f.CreateRateLimiter())
	assert.IsType(t, &noOpCache{}, f.CreateCache())

	o, err := f.CreateOrchestrator(&StubProvider{}, newMemHistory(),
		&StubTool{name: "agent.update_notes"}, &StubTool{name: "memory.insert"})
	require.NoError(t, err)
	assert.Equal(t, []string{"agent.update_notes", "memory.insert"}, o.Tools().Names())
	assert.Equal(t, []string{"agent.update_notes"}, o.maintenanceTools.Names())
	assert.Equal(t, "CALL>", o.parser.Marker())

	_, err = f.CreateOrchestrator(nil, newMemHistory())
	assert.Error(t, err)
}

func TestRetentionPolicy(t *testing.T) {
	r := NewRetentionPolicy(2, []string{"memory.insert"})
	assert.True(t, r.Wipes([]ports.ToolInvocation{{Name: "echo"}, {Name: "memory.insert"}}))
	assert.False(t, r.Wipes([]ports.ToolInvocation{{Name: "memory.retrieve"}}))
	assert.False(t, r.Wipes(nil))
	assert.True(t, strings.HasPrefix(ToolMessage(ports.ToolInvocation{Name: "n", Result: "r"}), "n -> "))
}
