package harness

import (
	"context"
	"strings"

	"github.com/ZanzyTHEbar/agent-host/agenthost/config"
	"github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness/ports"
	"github.com/ZanzyTHEbar/agent-host/agenthost/history"
	"github.com/rs/zerolog"
)

// Factory creates and wires harness components from configuration.
type Factory struct {
	cfg    *config.Config
	logger zerolog.Logger
}

// NewFactory creates a new harness factory.
func NewFactory(cfg *config.Config, logger zerolog.Logger) *Factory {
	return &Factory{cfg: cfg, logger: logger}
}

// CreateOrchestrator wires a TurnOrchestrator around provider and store. The
// maintenance registry is the subset of tools named by harness.maintenance_tools.
func (f *Factory) CreateOrchestrator(provider ports.Provider, store ports.HistoryStore, tools ...ports.Tool) (*TurnOrchestrator, error) {
	registry, err := NewRegistry(tools...)
	if err != nil {
		return nil, err
	}

	return NewTurnOrchestrator(Dependencies{
		Provider:         provider,
		History:          store,
		Tools:            registry,
		MaintenanceTools: registry.Subset(f.cfg.Harness.MaintenanceTools...),
		Locker:           adapters.NewKeyedMutex(),
		Limiter:          f.CreateRateLimiter(),
		Tracer:           f.CreateTracer(),
		Guardrails:       f.CreateGuardrails(),
		Logger:           f.logger,
		Marker:           f.cfg.Harness.Marker,
	}, f.CreatePolicy())
}

// CreateCache creates a cache adapter from config.
func (f *Factory) CreateCache() ports.Cache {
	if !f.cfg.Harness.CacheEnabled {
		return &noOpCache{}
	}
	return adapters.NewLRUCache(f.cfg.Harness.CacheCapacity)
}

// CreateRateLimiter creates the turn admission limiter from config.
func (f *Factory) CreateRateLimiter() ports.RateLimiter {
	if !f.cfg.Harness.RateLimitEnabled {
		return &noOpRateLimiter{}
	}
	return adapters.NewTokenBucket(f.cfg.Harness.RateLimitCapacity, f.cfg.Harness.RateLimitRefillRate)
}

// CreateTracer picks the tracer backend named by harness.tracing.
func (f *Factory) CreateTracer() ports.Tracer {
	switch strings.ToLower(f.cfg.Harness.Tracing) {
	case "otel", "opentelemetry":
		return adapters.NewOTelTracer(nil)
	case "zerolog", "log":
		return adapters.NewZerologTracer(f.logger)
	default:
		return &noOpTracer{}
	}
}

// CreateGuardrails creates guardrails with the default payload limit.
func (f *Factory) CreateGuardrails() *Guardrails {
	return NewGuardrails()
}

// CreatePolicy creates a policy from config with validation.
func (f *Factory) CreatePolicy() *Policy {
	h := f.cfg.Harness
	policy := &Policy{
		Mode:                   Mode(strings.ToLower(h.Mode)),
		MaxPairs:               f.cfg.History.MaxPairs,
		MaxToolRounds:          h.MaxToolRounds,
		ToolTimeout:            h.ToolTimeout,
		Temperature:            f.cfg.Backend.Temperature,
		MaxTokens:              f.cfg.Backend.MaxTokens,
		MaintenanceEnabled:     h.MaintenanceEnabled,
		MaintenanceTemperature: h.MaintenanceTemperature,
		MaintenanceMaxTokens:   h.MaintenanceMaxTokens,
		DurableTools:           append([]string(nil), h.DurableTools...),
	}

	if policy.Mode != ModeStream && policy.Mode != ModeBatch {
		f.logger.Warn().Str("mode", h.Mode).Msg("Unknown harness mode, using stream")
		policy.Mode = ModeStream
	}
	if policy.MaxPairs < 1 {
		policy.MaxPairs = 1
		f.logger.Warn().Int("max_pairs", f.cfg.History.MaxPairs).Msg("MaxPairs clamped to minimum of 1")
	}
	if policy.MaxToolRounds < 1 {
		policy.MaxToolRounds = 1
		f.logger.Warn().Int("max_tool_rounds", h.MaxToolRounds).Msg("MaxToolRounds clamped to minimum of 1")
	}
	if policy.MaxToolRounds > 10 {
		policy.MaxToolRounds = 10
		f.logger.Warn().Int("max_tool_rounds", h.MaxToolRounds).Msg("MaxToolRounds clamped to maximum of 10")
	}
	if policy.MaxTokens < 1 {
		policy.MaxTokens = DefaultPolicy().MaxTokens
	}
	if policy.MaintenanceMaxTokens < 1 {
		policy.MaintenanceMaxTokens = DefaultPolicy().MaintenanceMaxTokens
	}

	return policy
}

// noOpCache implements Cache with no-op behavior for a disabled cache.
type noOpCache struct{}

func (c *noOpCache) Get(ctx context.Context, key string) ([]byte, bool) { return nil, false }
func (c *noOpCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	return nil
}
func (c *noOpCache) Delete(ctx context.Context, key string) error { return nil }

// noOpRateLimiter implements RateLimiter with no-op behavior.
type noOpRateLimiter struct{}

func (r *noOpRateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	return func() {}, nil
}

// noOpTracer implements Tracer with no-op behavior.
type noOpTracer struct{}

func (t *noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (t *noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

var (
	_ ports.Cache        = (*noOpCache)(nil)
	_ ports.RateLimiter  = (*noOpRateLimiter)(nil)
	_ ports.Tracer       = (*noOpTracer)(nil)
	_ ports.Locker       = (*adapters.KeyedMutex)(nil)
	_ ports.HistoryStore = (*history.Store)(nil)
)
