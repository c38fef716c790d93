package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	internal "github.com/ZanzyTHEbar/agent-host/agenthost"
	"github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness"
	ports "github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness/ports"
	"github.com/ZanzyTHEbar/agent-host/agenthost/history"
)

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	AgentID          string   `json:"agent_id"`
	User             string   `json:"user"`
	Stream           *bool    `json:"stream,omitempty"`
	Tools            []string `json:"tools,omitempty"`
	ToolCallsAllowed *bool    `json:"tool_calls_allowed,omitempty"`
	MessageID        string   `json:"message_id,omitempty"`
}

// ChatResponse is the non-streaming reply.
type ChatResponse struct {
	Text      string                 `json:"text"`
	UsedTools []ports.ToolInvocation `json:"used_tools"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body ChatRequest
	if err := decodeBody(w, r, &body); err != nil {
		s.badRequest(w, "%v", err)
		return
	}
	if body.AgentID == "" {
		body.AgentID = internal.DefaultAgentID
	}
	if err := history.ValidateAgentID(body.AgentID); err != nil {
		s.writeError(w, err)
		return
	}
	stream := body.Stream == nil || *body.Stream
	allowTools := body.ToolCallsAllowed == nil || *body.ToolCallsAllowed

	profile, err := s.profiles.ReadOrDefault(body.AgentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	req := &harness.TurnRequest{
		AgentID:       body.AgentID,
		UserText:      body.User,
		UserMessageID: body.MessageID,
		Persona:       harness.Persona{Character: profile.Character, Notes: profile.Notes},
		AllowTools:    allowTools,
		Tools:         body.Tools,
		Mode:          harness.ModeBatch,
	}
	if stream {
		req.Mode = harness.ModeStream
	}

	if !stream {
		res, err := s.orchestrator.Run(r.Context(), req, nil)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, ChatResponse{Text: res.Text, UsedTools: usedTools(res.UsedTools)})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "streaming not supported"})
		return
	}

	started := false
	begin := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
	}

	sink := func(ev harness.Event) {
		begin()
		switch ev.Type {
		case harness.EventToken:
			s.writeEvent(w, "chunk", ev.Text)
		case harness.EventTool:
			s.writeEventJSON(w, "tool", ev.Tool)
		case harness.EventDone:
			s.writeEventJSON(w, "done", map[string]any{"used_tools": usedTools(ev.UsedTools)})
		}
		flusher.Flush()
	}

	if _, err := s.orchestrator.Run(r.Context(), req, sink); err != nil {
		if !started {
			s.writeError(w, err)
			return
		}
		s.logger.Warn().Err(err).Str("agent_id", body.AgentID).Msg("Turn failed mid-stream")
		s.writeEventJSON(w, "error", map[string]any{"error": err.Error()})
		flusher.Flush()
	}
}

// writeEvent writes one SSE event. Multi-line data is split across data lines,
// which clients join back with newlines.
func (s *Server) writeEvent(w http.ResponseWriter, event, data string) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&sb, "data: %s\n", line)
	}
	sb.WriteString("\n")
	if _, err := w.Write([]byte(sb.String())); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write SSE event")
	}
}

func (s *Server) writeEventJSON(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Failed to marshal SSE event")
		return
	}
	s.writeEvent(w, event, string(data))
}

func usedTools(in []ports.ToolInvocation) []ports.ToolInvocation {
	if in == nil {
		return []ports.ToolInvocation{}
	}
	return in
}
