package server

import (
	"encoding/json"
	"io"
	"net/http"

	ports "github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness/ports"
)

// handleMemoryTool exposes the memory.* tools to non-model callers. The body is
// the tool payload; agent_id in the payload selects the agent.
func (s *Server) handleMemoryTool(w http.ResponseWriter, r *http.Request) {
	name := "memory." + r.PathValue("op")
	reg := s.orchestrator.Tools().Namespace("memory.")
	if _, ok := reg.Lookup(name); !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown memory operation: " + r.PathValue("op")})
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil {
		s.badRequest(w, "read body: %v", err)
		return
	}

	inv, _, err := s.dispatcher.Dispatch(r.Context(), reg, ports.ToolCall{Name: name, Payload: json.RawMessage(payload)})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, inv.Result); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write tool result")
	}
}
