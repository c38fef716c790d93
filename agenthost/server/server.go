// Package server exposes the turn orchestrator and the per-agent stores over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ZanzyTHEbar/agent-host/agenthost/config"
	"github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness"
	"github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness/adapters"
	"github.com/ZanzyTHEbar/agent-host/agenthost/history"
	"github.com/ZanzyTHEbar/agent-host/agenthost/memory"
	"github.com/ZanzyTHEbar/agent-host/agenthost/profiles"
	"github.com/rs/zerolog"
)

// Deps are the components the API serves.
type Deps struct {
	Orchestrator *harness.TurnOrchestrator
	History      *history.Store
	Profiles     *profiles.Store
	Logger       zerolog.Logger
}

// Server is the HTTP API server.
type Server struct {
	orchestrator *harness.TurnOrchestrator
	history      *history.Store
	profiles     *profiles.Store
	dispatcher   *harness.Dispatcher
	logger       zerolog.Logger
	server       *http.Server
}

// New creates a server. Nothing listens until ListenAndServe.
func New(cfg config.ServerConfig, deps Deps) *Server {
	logger := deps.Logger.With().Str("component", "server").Logger()
	s := &Server{
		orchestrator: deps.Orchestrator,
		history:      deps.History,
		profiles:     deps.Profiles,
		dispatcher:   harness.NewDispatcher(nil, nil, logger, 0),
		logger:       logger,
	}
	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 10 * time.Second
	}
	s.server = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /tools", s.handleTools)
	mux.HandleFunc("POST /chat", s.handleChat)

	mux.HandleFunc("GET /agents", s.handleListAgents)
	mux.HandleFunc("POST /agents", s.handleCreateAgent)
	mux.HandleFunc("GET /agents/{agent_id}", s.handleGetAgent)
	mux.HandleFunc("POST /agents/{agent_id}", s.handlePutAgent)
	mux.HandleFunc("PATCH /agents/{agent_id}", s.handlePatchAgent)
	mux.HandleFunc("DELETE /agents/{agent_id}", s.handleDeleteAgent)

	mux.HandleFunc("GET /agents/{agent_id}/history", s.handleGetHistory)
	mux.HandleFunc("POST /agents/{agent_id}/history", s.handleAppendHistory)
	mux.HandleFunc("PUT /agents/{agent_id}/history", s.handleReplaceHistory)
	mux.HandleFunc("DELETE /agents/{agent_id}/history", s.handleClearHistory)
	mux.HandleFunc("PATCH /agents/{agent_id}/history/{message_id}", s.handlePatchMessage)
	mux.HandleFunc("DELETE /agents/{agent_id}/history/{message_id}", s.handleDeleteMessage)

	mux.HandleFunc("POST /tools/memory/{op}", s.handleMemoryTool)

	return s.withLogging(mux)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("Request served")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"tools": s.orchestrator.Tools().ListForPrompt()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, profiles.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, profiles.ErrExists), errors.Is(err, history.ErrDuplicateID):
		return http.StatusConflict
	case errors.Is(err, profiles.ErrAgentIDImmutable),
		errors.Is(err, history.ErrInvalidAgentID),
		errors.Is(err, history.ErrInvalidRole),
		errors.Is(err, harness.ErrInvalidPayload),
		errors.Is(err, memory.ErrInvalidItem),
		errors.Is(err, memory.ErrInvalidFilter):
		return http.StatusUnprocessableEntity
	case errors.Is(err, adapters.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, harness.ErrBackend):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Request failed")
	}
	s.writeJSON(w, status, map[string]any{"error": err.Error()})
}

func (s *Server) badRequest(w http.ResponseWriter, format string, args ...any) {
	s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": fmt.Sprintf(format, args...)})
}

// decodeBody reads a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
