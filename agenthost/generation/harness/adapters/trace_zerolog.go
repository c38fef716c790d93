package adapters

import (
	"context"
	"sort"
	"time"

	ports "github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness/ports"
	"github.com/rs/zerolog"
)

type logSpanKey struct{}

// logSpan is the span state carried on the context: the logger enriched with
// every enclosing span's attributes, and the span path such as "turn/generate".
type logSpan struct {
	logger zerolog.Logger
	path   string
}

// ZerologTracer writes spans and events as structured log lines. Span bounds
// are logged at debug level; failed spans and events at warn and info.
type ZerologTracer struct {
	logger zerolog.Logger
}

func NewZerologTracer(logger zerolog.Logger) *ZerologTracer {
	return &ZerologTracer{logger: logger}
}

func (t *ZerologTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	parent := t.spanFrom(ctx)
	path := name
	if parent.path != "" {
		path = parent.path + "/" + name
	}

	lc := parent.logger.With().Str("span", name).Str("span_path", path)
	for _, k := range sortedAttrKeys(attrs) {
		lc = lc.Interface(k, attrs[k])
	}
	span := logSpan{logger: lc.Logger(), path: path}
	ctx = context.WithValue(ctx, logSpanKey{}, span)

	start := time.Now()
	span.logger.Debug().Str("event", "span_start").Msg("Span started")
	return ctx, func(err error) {
		ev := span.logger.Debug()
		if err != nil {
			ev = span.logger.Warn().Err(err)
		}
		ev.Str("event", "span_end").Dur("elapsed", time.Since(start)).Msg("Span finished")
	}
}

func (t *ZerologTracer) Event(ctx context.Context, name string, attrs map[string]any) {
	ev := t.spanFrom(ctx).logger.Info().Str("event", name)
	for _, k := range sortedAttrKeys(attrs) {
		ev = ev.Interface(k, attrs[k])
	}
	ev.Msg("Turn event")
}

func (t *ZerologTracer) spanFrom(ctx context.Context) logSpan {
	if span, ok := ctx.Value(logSpanKey{}).(logSpan); ok {
		return span
	}
	return logSpan{logger: t.logger}
}

// sortedAttrKeys keeps log field order stable across runs.
func sortedAttrKeys(attrs map[string]any) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ ports.Tracer = (*ZerologTracer)(nil)
