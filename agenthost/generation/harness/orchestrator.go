package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness/ports"
	"github.com/ZanzyTHEbar/agent-host/agenthost/history"
	"github.com/rs/zerolog"
)

// ErrBackend wraps every text-generation failure that aborts a turn.
var ErrBackend = errors.New("generation backend failed")

// TurnRequest configures one conversational turn.
type TurnRequest struct {
	AgentID string
	// UserText is appended as a user message. Empty runs the turn on history alone.
	UserText string
	// UserMessageID lets a retried turn reuse the stored user message.
	UserMessageID string
	Persona       Persona
	// AllowTools gates directive extraction and the maintenance pass.
	AllowTools bool
	// Tools narrows the catalog with Registry.Subset patterns. Empty means all.
	Tools []string
	// Mode overrides the policy mode when set.
	Mode Mode
}

// EventType tags a turn event.
type EventType string

const (
	EventToken EventType = "token"
	EventTool  EventType = "tool"
	EventDone  EventType = "done"
)

// Event is one unit of turn output, delivered in order.
type Event struct {
	Type      EventType
	Text      string                 // EventToken
	Tool      *ports.ToolInvocation  // EventTool
	UsedTools []ports.ToolInvocation // EventDone
}

// TurnResult summarizes a completed turn.
type TurnResult struct {
	Text           string // assistant text as shown to the user
	Assistant      history.Message
	UsedTools      []ports.ToolInvocation
	HistoryCleared bool
}

// Dependencies are the collaborators of a TurnOrchestrator. Provider, History
// and Tools are required; the rest fall back to no-op implementations.
type Dependencies struct {
	Provider         ports.Provider
	History          ports.HistoryStore
	Tools            *Registry
	MaintenanceTools *Registry
	Locker           ports.Locker
	Limiter          ports.RateLimiter
	Tracer           ports.Tracer
	Guardrails       *Guardrails
	Logger           zerolog.Logger
	Marker           string
}

// TurnOrchestrator runs the turn state machine:
//
//	BUILD_PROMPT -> GENERATE -> {EXTRACT <-> EXEC_TOOL <-> CONTINUE} ->
//	PERSIST_ASSISTANT -> MAINTENANCE_GENERATE -> MAINTENANCE_DIRECTIVES ->
//	RETENTION -> DONE
//
// Turns for one agent are serialized by the Locker; different agents run
// concurrently.
type TurnOrchestrator struct {
	provider         ports.Provider
	history          ports.HistoryStore
	tools            *Registry
	maintenanceTools *Registry
	locker           ports.Locker
	limiter          ports.RateLimiter
	tracer           ports.Tracer
	parser           *DirectiveParser
	builder          *PromptBuilder
	dispatcher       *Dispatcher
	retention        *RetentionPolicy
	policy           *Policy
	logger           zerolog.Logger
}

// NewTurnOrchestrator wires an orchestrator.
func NewTurnOrchestrator(deps Dependencies, policy *Policy) (*TurnOrchestrator, error) {
	if deps.Provider == nil {
		return nil, errors.New("orchestrator: provider is required")
	}
	if deps.History == nil {
		return nil, errors.New("orchestrator: history store is required")
	}
	if policy == nil {
		policy = DefaultPolicy()
	}
	if deps.Tools == nil {
		deps.Tools = MustRegistry()
	}
	if deps.MaintenanceTools == nil {
		deps.MaintenanceTools = MustRegistry()
	}
	if deps.Locker == nil {
		deps.Locker = adapters.NewKeyedMutex()
	}
	if deps.Limiter == nil {
		deps.Limiter = &noOpRateLimiter{}
	}
	if deps.Tracer == nil {
		deps.Tracer = &noOpTracer{}
	}
	if deps.Marker == "" {
		deps.Marker = "TOOL_CALL:"
	}

	logger := deps.Logger.With().Str("component", "orchestrator").Logger()
	return &TurnOrchestrator{
		provider:         deps.Provider,
		history:          deps.History,
		tools:            deps.Tools,
		maintenanceTools: deps.MaintenanceTools,
		locker:           deps.Locker,
		limiter:          deps.Limiter,
		tracer:           deps.Tracer,
		parser:           NewDirectiveParser(deps.Marker, logger),
		builder:          NewPromptBuilder(deps.Marker),
		dispatcher:       NewDispatcher(deps.Guardrails, deps.Tracer, logger, policy.ToolTimeout),
		retention:        NewRetentionPolicy(policy.MaxPairs, policy.DurableTools),
		policy:           policy,
		logger:           logger,
	}, nil
}

// Tools returns the primary tool registry.
func (o *TurnOrchestrator) Tools() *Registry { return o.tools }

// Policy returns the active policy.
func (o *TurnOrchestrator) Policy() Policy { return *o.policy }

// Stream runs a turn in the background. The event channel closes after the
// done event or on failure; the error channel yields at most one error. Callers
// must drain events or cancel ctx.
func (o *TurnOrchestrator) Stream(ctx context.Context, req *TurnRequest) (<-chan Event, <-chan error) {
	events := make(chan Event, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errCh)

		_, err := o.Run(ctx, req, func(ev Event) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		})
		if err != nil {
			errCh <- err
		}
	}()

	return events, errCh
}

// turn is the ephemeral state of one Run.
type turn struct {
	req        *TurnRequest
	mode       Mode
	tools      *Registry
	system     string
	transcript []ports.PromptMessage
	display    strings.Builder
	used       []ports.ToolInvocation
	sink       func(Event)
}

func (t *turn) emitText(s string) {
	if s == "" {
		return
	}
	t.display.WriteString(s)
	t.sink(Event{Type: EventToken, Text: s})
}

// Run executes one turn synchronously. sink, when non-nil, receives events in order.
func (o *TurnOrchestrator) Run(ctx context.Context, req *TurnRequest, sink func(Event)) (res *TurnResult, err error) {
	if err := history.ValidateAgentID(req.AgentID); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = func(Event) {}
	}

	release, err := o.limiter.Acquire(ctx, "turn")
	if err != nil {
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}
	defer release()

	unlock, err := o.locker.Lock(ctx, req.AgentID)
	if err != nil {
		return nil, fmt.Errorf("waiting for agent %s: %w", req.AgentID, err)
	}
	defer unlock()

	t := &turn{req: req, mode: o.policy.Mode, sink: sink}
	if req.Mode != "" {
		t.mode = req.Mode
	}

	ctx = ports.WithAgentID(ctx, req.AgentID)
	ctx, finish := o.tracer.StartSpan(ctx, "turn", map[string]any{
		"agent_id": req.AgentID,
		"mode":     string(t.mode),
	})
	defer func() { finish(err) }()

	if err := o.buildPrompt(t); err != nil {
		return nil, err
	}

	if err := o.generate(ctx, t); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// the caller went away; keep what was already shown, if anything
			if t.display.Len() > 0 {
				if _, perr := o.history.Append(req.AgentID, history.RoleAssistant, t.display.String(), ""); perr != nil {
					o.logger.Warn().Err(perr).Str("agent_id", req.AgentID).Msg("Failed to persist partial assistant text")
				}
			}
			return nil, ctxErr
		}
		return nil, err
	}

	// PERSIST_ASSISTANT
	assistant, err := o.history.Append(req.AgentID, history.RoleAssistant, t.display.String(), "")
	if err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}

	if req.AllowTools && o.policy.MaintenanceEnabled {
		o.maintain(ctx, t)
	}

	// RETENTION
	cleared, rerr := o.retention.Apply(o.history, req.AgentID, t.used)
	if rerr != nil {
		o.logger.Error().Err(rerr).Str("agent_id", req.AgentID).Msg("Retention failed")
	}

	sink(Event{Type: EventDone, UsedTools: t.used})

	return &TurnResult{
		Text:           t.display.String(),
		Assistant:      assistant,
		UsedTools:      t.used,
		HistoryCleared: cleared,
	}, nil
}

// buildPrompt assembles system prompt and transcript and persists the user message.
func (o *TurnOrchestrator) buildPrompt(t *turn) error {
	req := t.req
	switch {
	case !req.AllowTools:
		t.tools = MustRegistry()
	case len(req.Tools) > 0:
		t.tools = o.tools.Subset(req.Tools...)
	default:
		t.tools = o.tools
	}
	t.system = o.builder.SystemPrompt(req.Persona, t.tools.ListForPrompt())

	window, err := o.history.LoadWindow(req.AgentID, o.policy.MaxPairs)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	t.transcript = make([]ports.PromptMessage, 0, len(window)+1)
	for _, m := range window {
		t.transcript = append(t.transcript, ports.PromptMessage{Role: m.Role, Content: m.Content})
	}

	if req.UserText == "" {
		return nil
	}
	stored, err := o.history.Append(req.AgentID, history.RoleUser, req.UserText, req.UserMessageID)
	switch {
	case errors.Is(err, history.ErrDuplicateID):
		for _, m := range window {
			if m.ID == stored.ID {
				// retried turn; the stored message is already part of the window
				return nil
			}
		}
	case err != nil:
		return fmt.Errorf("persist user message: %w", err)
	}
	t.transcript = append(t.transcript, ports.PromptMessage{Role: history.RoleUser, Content: req.UserText})
	return nil
}

// generate runs the primary generation and any continuations.
func (o *TurnOrchestrator) generate(ctx context.Context, t *turn) error {
	opts := ports.Options{MaxNewTokens: o.policy.MaxTokens, Temperature: o.policy.Temperature}

	for round := 0; ; round++ {
		if round > 0 && t.display.Len() > 0 && !strings.HasSuffix(t.display.String(), "\n") {
			t.emitText("\n")
		}

		input := o.builder.Build(t.system, t.transcript, t.tools.ListForPrompt(), map[string]string{
			"agent_id": t.req.AgentID,
			"round":    fmt.Sprint(round),
		})

		spanCtx, finish := o.tracer.StartSpan(ctx, "generate", map[string]any{"round": round, "mode": string(t.mode)})
		var (
			text    string
			invoked []ports.ToolInvocation
			err     error
		)
		dispatch := round < o.policy.MaxToolRounds
		if t.mode == ModeBatch {
			text, invoked, err = o.batchRound(spanCtx, t, input, opts, dispatch)
		} else {
			text, invoked, err = o.streamRound(spanCtx, t, input, opts, dispatch)
		}
		finish(err)
		if err != nil {
			return err
		}

		if len(invoked) == 0 || !dispatch {
			return nil
		}

		t.transcript = append(t.transcript, ports.PromptMessage{Role: history.RoleAssistant, Content: text})
		for _, inv := range invoked {
			t.transcript = append(t.transcript, ports.PromptMessage{Role: history.RoleTool, Content: ToolMessage(inv)})
		}
	}
}

// streamRound consumes one streamed generation, dispatching directive lines as they complete.
func (o *TurnOrchestrator) streamRound(ctx context.Context, t *turn, input ports.PromptInput, opts ports.Options, dispatch bool) (string, []ports.ToolInvocation, error) {
	chunks, err := o.provider.Stream(ctx, input, opts)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	scanner := NewLineScanner(o.parser, t.req.AllowTools)
	var (
		raw     strings.Builder
		invoked []ports.ToolInvocation
	)
	handle := func(segs []Segment) {
		for _, seg := range segs {
			if seg.Directive == nil {
				t.emitText(seg.Text)
				continue
			}
			if inv, ok := o.execute(ctx, t, *seg.Directive, dispatch); ok {
				invoked = append(invoked, inv)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			handle(scanner.Flush())
			return raw.String(), invoked, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				handle(scanner.Flush())
				return raw.String(), invoked, nil
			}
			if chunk.Err != nil {
				handle(scanner.Flush())
				return raw.String(), invoked, fmt.Errorf("%w: %v", ErrBackend, chunk.Err)
			}
			raw.WriteString(chunk.DeltaText)
			handle(scanner.Feed(chunk.DeltaText))
			if chunk.Done {
				handle(scanner.Flush())
				return raw.String(), invoked, nil
			}
		}
	}
}

// batchRound runs one non-streaming generation, then parses the complete text.
func (o *TurnOrchestrator) batchRound(ctx context.Context, t *turn, input ports.PromptInput, opts ports.Options, dispatch bool) (string, []ports.ToolInvocation, error) {
	completion, err := o.provider.Complete(ctx, input, opts)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	text := completion.Text
	if !t.req.AllowTools {
		t.emitText(text)
		return text, nil, nil
	}

	t.emitText(o.parser.StripDirectives(text))

	var invoked []ports.ToolInvocation
	for _, call := range o.parser.ParseAll(text) {
		if inv, ok := o.execute(ctx, t, call, dispatch); ok {
			invoked = append(invoked, inv)
		}
	}
	return text, invoked, nil
}

// execute dispatches one primary-phase directive and records its tool message.
func (o *TurnOrchestrator) execute(ctx context.Context, t *turn, call ports.ToolCall, dispatch bool) (ports.ToolInvocation, bool) {
	if !dispatch {
		o.tracer.Event(ctx, "directive_skipped", map[string]any{"tool": call.Name, "reason": "tool round limit"})
		return ports.ToolInvocation{}, false
	}

	inv, found, err := o.dispatcher.Dispatch(ctx, t.tools, call)
	if !found {
		return ports.ToolInvocation{}, false
	}
	if err != nil {
		o.logger.Warn().Err(err).Str("agent_id", t.req.AgentID).Str("tool", call.Name).Msg("Tool call failed")
		return ports.ToolInvocation{}, false
	}

	if _, herr := o.history.Append(t.req.AgentID, history.RoleTool, ToolMessage(inv), ""); herr != nil {
		o.logger.Warn().Err(herr).Str("agent_id", t.req.AgentID).Msg("Failed to persist tool message")
	}
	t.used = append(t.used, inv)
	t.sink(Event{Type: EventTool, Tool: &inv})
	return inv, true
}

// maintain runs the housekeeping generation and its directives. Every failure
// here is logged and swallowed.
func (o *TurnOrchestrator) maintain(ctx context.Context, t *turn) {
	tools := o.maintenanceTools
	if tools.Len() == 0 {
		return
	}
	ctx, finish := o.tracer.StartSpan(ctx, "maintenance", map[string]any{"agent_id": t.req.AgentID})
	var err error
	defer func() { finish(err) }()

	window, err := o.history.LoadWindow(t.req.AgentID, o.policy.MaxPairs)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Maintenance skipped: history unavailable")
		return
	}
	messages := make([]ports.PromptMessage, 0, len(window)+1)
	for _, m := range window {
		messages = append(messages, ports.PromptMessage{Role: m.Role, Content: m.Content})
	}
	specs := tools.ListForPrompt()
	messages = append(messages, ports.PromptMessage{Role: history.RoleUser, Content: o.builder.MaintenanceInstruction(specs)})

	input := o.builder.Build(o.builder.SystemPrompt(t.req.Persona, specs), messages, specs, map[string]string{
		"agent_id": t.req.AgentID,
		"phase":    "maintenance",
	})
	completion, err := o.provider.Complete(ctx, input, ports.Options{
		MaxNewTokens: o.policy.MaintenanceMaxTokens,
		Temperature:  o.policy.MaintenanceTemperature,
	})
	if err != nil {
		o.logger.Warn().Err(err).Str("agent_id", t.req.AgentID).Msg("Maintenance generation failed")
		return
	}

	for _, call := range o.parser.ParseAll(completion.Text) {
		inv, found, derr := o.dispatcher.Dispatch(ctx, tools, call)
		if !found {
			continue
		}
		if derr != nil {
			o.logger.Warn().Err(derr).Str("agent_id", t.req.AgentID).Str("tool", call.Name).Msg("Maintenance tool call failed")
			continue
		}
		t.used = append(t.used, inv)
	}
}
