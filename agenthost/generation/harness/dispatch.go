package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	ports "github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness/ports"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
)

// Dispatcher validates and runs one directive at a time. Handler errors and
// panics come back as errors; they never escape as panics.
type Dispatcher struct {
	guardrails *Guardrails
	tracer     ports.Tracer
	logger     zerolog.Logger
	timeout    time.Duration
}

// NewDispatcher creates a dispatcher. A zero timeout leaves handlers unbounded.
func NewDispatcher(guardrails *Guardrails, tracer ports.Tracer, logger zerolog.Logger, timeout time.Duration) *Dispatcher {
	if guardrails == nil {
		guardrails = NewGuardrails()
	}
	if tracer == nil {
		tracer = &noOpTracer{}
	}
	return &Dispatcher{guardrails: guardrails, tracer: tracer, logger: logger, timeout: timeout}
}

// Dispatch looks call up in reg by exact name and invokes it. An unknown name is
// a no-op reported as found=false with no error.
func (d *Dispatcher) Dispatch(ctx context.Context, reg *Registry, call ports.ToolCall) (inv ports.ToolInvocation, found bool, err error) {
	e, ok := reg.get(call.Name)
	if !ok {
		d.logger.Debug().Str("tool", call.Name).Msg("Ignoring directive for unknown tool")
		return ports.ToolInvocation{}, false, nil
	}

	ctx, finish := d.tracer.StartSpan(ctx, "dispatch", map[string]any{"tool": call.Name})
	defer func() { finish(err) }()

	if err = d.guardrails.ValidateToolCall(call, e.schema); err != nil {
		return ports.ToolInvocation{}, true, fmt.Errorf("tool %s: %w", call.Name, err)
	}

	toolCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	var (
		output   any
		toolErr  error
		recovery panics.Catcher
	)
	recovery.Try(func() {
		output, toolErr = e.tool.Invoke(toolCtx, call.Payload)
	})
	if r := recovery.Recovered(); r != nil {
		return ports.ToolInvocation{}, true, fmt.Errorf("tool %s panicked: %w", call.Name, r.AsError())
	}
	if toolErr != nil {
		return ports.ToolInvocation{}, true, fmt.Errorf("tool %s failed: %w", call.Name, toolErr)
	}

	return ports.ToolInvocation{
		Name:    call.Name,
		Payload: call.Payload,
		Result:  stringifyResult(output),
	}, true, nil
}

// stringifyResult renders handler output for the transcript.
func stringifyResult(output any) string {
	switch v := output.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case json.RawMessage:
		return string(v)
	}
	b, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprint(output)
	}
	return string(b)
}

// ToolMessage formats an invocation as the content of a tool record.
func ToolMessage(inv ports.ToolInvocation) string {
	return inv.Name + " -> " + inv.Result
}
