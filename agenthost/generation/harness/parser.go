package harness

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness/ports"
	"github.com/rs/zerolog"
)

var (
	errNoObject    = errors.New("no JSON object after marker")
	errMissingName = errors.New("directive has no name")
)

// DirectiveParser extracts inline tool directives of the form
//
//	MARKER {"name": "<tool>", "payload": {...}}
//
// from generated text. Malformed directives are logged and dropped; they never
// affect the directives around them.
type DirectiveParser struct {
	marker string
	logger zerolog.Logger
}

// NewDirectiveParser creates a parser for marker.
func NewDirectiveParser(marker string, logger zerolog.Logger) *DirectiveParser {
	return &DirectiveParser{marker: marker, logger: logger}
}

// Marker returns the token that introduces a directive.
func (p *DirectiveParser) Marker() string { return p.marker }

// ParseAll scans complete text. Every fragment that follows a marker is cut at
// its last closing brace and decoded; the text before the first marker is ignored.
func (p *DirectiveParser) ParseAll(text string) []ports.ToolCall {
	calls, _ := p.scan(text)
	return calls
}

// ParseLine reports whether a completed line is a directive line, one whose
// first non-blank text is the marker, and decodes every directive on it.
// Fragments that fail to decode are logged and left out of calls.
func (p *DirectiveParser) ParseLine(line string) (calls []ports.ToolCall, ok bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, p.marker) {
		return nil, false
	}
	return p.ParseAll(trimmed), true
}

// StripDirectives removes every decoded directive from text, marker through
// closing brace, keeping the prose around it. A line left blank by the removal
// is dropped, as is a line that starts with the marker but failed to decode.
func (p *DirectiveParser) StripDirectives(text string) string {
	if !strings.Contains(text, p.marker) {
		return text
	}
	_, spans := p.scan(text)

	var b strings.Builder
	offset := 0
	for _, line := range strings.SplitAfter(text, "\n") {
		kept, cut := cutSpans(line, offset, spans)
		offset += len(line)
		if !cut {
			if !strings.HasPrefix(strings.TrimSpace(line), p.marker) {
				b.WriteString(line)
			}
			continue
		}
		body := strings.TrimRight(strings.TrimSuffix(kept, "\n"), " \t")
		if strings.TrimSpace(body) == "" {
			continue
		}
		b.WriteString(body)
		if strings.HasSuffix(line, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// span is the half-open byte range [start, end) of one decoded directive.
type span struct{ start, end int }

// scan splits text on the marker and decodes each fragment, returning the
// accepted calls together with where each one sits in text.
func (p *DirectiveParser) scan(text string) ([]ports.ToolCall, []span) {
	first := strings.Index(text, p.marker)
	if first < 0 {
		return nil, nil
	}

	var (
		calls []ports.ToolCall
		spans []span
	)
	for i, pos := 0, first; pos >= 0; i++ {
		body := pos + len(p.marker)
		next := strings.Index(text[body:], p.marker)
		stop := len(text)
		if next >= 0 {
			stop = body + next
		}
		fragment := text[body:stop]

		call, end, err := p.parseFragment(fragment)
		if err != nil {
			p.logger.Debug().Err(err).Int("fragment", i).Str("text", truncate(fragment, 120)).Msg("Dropping malformed directive")
		} else {
			calls = append(calls, call)
			spans = append(spans, span{start: pos, end: body + end + 1})
		}

		if next < 0 {
			break
		}
		pos = stop
	}
	return calls, spans
}

// cutSpans removes the parts of line, which begins at offset in the full text,
// covered by spans, along with the blanks just before each one. cut reports
// whether anything was removed.
func cutSpans(line string, offset int, spans []span) (kept string, cut bool) {
	lineEnd := offset + len(line)
	var b strings.Builder
	pos := offset
	for _, sp := range spans {
		if sp.end <= pos || sp.start >= lineEnd {
			continue
		}
		if sp.start > pos {
			b.WriteString(strings.TrimRight(line[pos-offset:sp.start-offset], " \t"))
		}
		pos = min(sp.end, lineEnd)
		cut = true
	}
	if !cut {
		return line, false
	}
	b.WriteString(line[pos-offset:])
	return b.String(), true
}

// parseFragment decodes the object that runs from the first opening brace to
// the last closing brace of fragment. end is the index of that closing brace.
func (p *DirectiveParser) parseFragment(fragment string) (call ports.ToolCall, end int, err error) {
	start := strings.Index(fragment, "{")
	end = strings.LastIndex(fragment, "}")
	if start < 0 || end < start {
		return ports.ToolCall{}, 0, errNoObject
	}

	var directive struct {
		Name    string          `json:"name"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal([]byte(fragment[start:end+1]), &directive); err != nil {
		return ports.ToolCall{}, 0, fmt.Errorf("decode directive: %w", err)
	}
	name := strings.TrimSpace(directive.Name)
	if name == "" {
		return ports.ToolCall{}, 0, errMissingName
	}
	payload := directive.Payload
	if len(payload) == 0 || string(payload) == "null" {
		payload = json.RawMessage(`{}`)
	}
	return ports.ToolCall{Name: name, Payload: payload}, end, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
