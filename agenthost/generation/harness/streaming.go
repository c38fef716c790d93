package harness

import (
	"strings"

	ports "github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness/ports"
)

// LineScanner is the streaming side of the directive protocol. Tokens are
// buffered until a newline; each completed line is either a directive (handed
// to the caller for immediate dispatch) or plain text (forwarded verbatim).
//
// States: scanning (buffer holds a partial line) and flushed (buffer empty).
// Feed moves between them on every newline; Flush ends the stream.
type LineScanner struct {
	parser  *DirectiveParser
	enabled bool
	buf     strings.Builder
}

// Segment is either forwarded text or a decoded directive.
type Segment struct {
	Text      string
	Directive *ports.ToolCall
}

// NewLineScanner creates a scanner. When directives is false every line is
// forwarded as text.
func NewLineScanner(parser *DirectiveParser, directives bool) *LineScanner {
	return &LineScanner{parser: parser, enabled: directives}
}

// Feed consumes one token.
func (s *LineScanner) Feed(token string) []Segment {
	var out []Segment
	for token != "" {
		nl := strings.IndexByte(token, '\n')
		if nl < 0 {
			s.buf.WriteString(token)
			return out
		}
		s.buf.WriteString(token[:nl+1])
		token = token[nl+1:]
		out = append(out, s.completeLine()...)
	}
	return out
}

// Flush completes the trailing partial line, if any, at end of stream.
func (s *LineScanner) Flush() []Segment {
	if s.buf.Len() == 0 {
		return nil
	}
	return s.completeLine()
}

func (s *LineScanner) completeLine() []Segment {
	line := s.buf.String()
	s.buf.Reset()

	if s.enabled {
		calls, isDirective := s.parser.ParseLine(line)
		if isDirective {
			segs := make([]Segment, 0, len(calls))
			for i := range calls {
				segs = append(segs, Segment{Directive: &calls[i]})
			}
			return segs
		}
	}
	return []Segment{{Text: line}}
}
