package server

import (
	"net/http"
	"strconv"

	"github.com/ZanzyTHEbar/agent-host/agenthost/history"
)

// appendRequest is the body of POST /agents/{agent_id}/history.
type appendRequest struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	MessageID string `json:"message_id,omitempty"`
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")

	var (
		records []history.Message
		err     error
	)
	if raw := r.URL.Query().Get("max_pairs"); raw != "" {
		maxPairs, perr := strconv.Atoi(raw)
		if perr != nil {
			s.badRequest(w, "max_pairs must be an integer")
			return
		}
		records, err = s.history.LoadWindow(agentID, maxPairs)
	} else {
		records, err = s.history.LoadAll(agentID)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	if records == nil {
		records = []history.Message{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": records})
}

func (s *Server) handleAppendHistory(w http.ResponseWriter, r *http.Request) {
	var body appendRequest
	if err := decodeBody(w, r, &body); err != nil {
		s.badRequest(w, "%v", err)
		return
	}
	msg, err := s.history.Append(r.PathValue("agent_id"), body.Role, body.Content, body.MessageID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleReplaceHistory(w http.ResponseWriter, r *http.Request) {
	var records []history.Message
	if err := decodeBody(w, r, &records); err != nil {
		s.badRequest(w, "%v", err)
		return
	}
	if err := s.history.WriteAll(r.PathValue("agent_id"), records); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": len(records)})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.history.Clear(r.PathValue("agent_id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePatchMessage(w http.ResponseWriter, r *http.Request) {
	var patch history.Patch
	if err := decodeBody(w, r, &patch); err != nil {
		s.badRequest(w, "%v", err)
		return
	}
	ok, err := s.history.Update(r.PathValue("agent_id"), r.PathValue("message_id"), patch)
	s.writeFound(w, ok, err)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	ok, err := s.history.Delete(r.PathValue("agent_id"), r.PathValue("message_id"))
	s.writeFound(w, ok, err)
}

// writeFound reports {"ok": found}, with 404 when nothing matched.
func (s *Server) writeFound(w http.ResponseWriter, found bool, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if !found {
		status = http.StatusNotFound
	}
	s.writeJSON(w, status, map[string]any{"ok": found})
}
