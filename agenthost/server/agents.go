package server

import (
	"fmt"
	"net/http"

	"github.com/ZanzyTHEbar/agent-host/agenthost/profiles"
)

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	list, err := s.profiles.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []profiles.Profile{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"agents": list})
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var p profiles.Profile
	if err := decodeBody(w, r, &p); err != nil {
		s.badRequest(w, "%v", err)
		return
	}
	created, err := s.profiles.Create(p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "profile": created})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	p, err := s.profiles.Read(r.PathValue("agent_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

// handlePutAgent replaces the whole profile, creating it if needed.
func (s *Server) handlePutAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	var p profiles.Profile
	if err := decodeBody(w, r, &p); err != nil {
		s.badRequest(w, "%v", err)
		return
	}
	if p.AgentID == "" {
		p.AgentID = agentID
	}
	if p.AgentID != agentID {
		s.writeError(w, fmt.Errorf("%w: body has %q", profiles.ErrAgentIDImmutable, p.AgentID))
		return
	}
	if err := s.profiles.Write(p); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePatchAgent(w http.ResponseWriter, r *http.Request) {
	var patch profiles.Patch
	if err := decodeBody(w, r, &patch); err != nil {
		s.badRequest(w, "%v", err)
		return
	}
	updated, err := s.profiles.Update(r.PathValue("agent_id"), patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "profile": updated})
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.profiles.Delete(r.PathValue("agent_id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
