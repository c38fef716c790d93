// Package profiles stores agent personas as one JSON document per agent.
package profiles

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	internal "github.com/ZanzyTHEbar/agent-host/agenthost"
	"github.com/ZanzyTHEbar/agent-host/agenthost/history"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound         = errors.New("profiles: profile not found")
	ErrExists           = errors.New("profiles: profile already exists")
	ErrAgentIDImmutable = errors.New("profiles: agent_id cannot be modified")
)

// Profile is an agent's persona and self-maintained state.
type Profile struct {
	AgentID          string   `json:"agent_id"`
	Character        string   `json:"character"`
	ImpressionOfUser string   `json:"impression_of_user"`
	CurrentMood      string   `json:"current_mood"`
	Capabilities     []string `json:"capabilities"`
	MemoryPath       string   `json:"memory_path"`
	MemorySummary    string   `json:"memory_summary"`
	ToolInstructions string   `json:"tool_instructions"`
	// Notes are maintained by the agent itself through agent.update_notes.
	Notes string `json:"notes"`
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	AgentID          *string   `json:"agent_id,omitempty"`
	Character        *string   `json:"character,omitempty"`
	ImpressionOfUser *string   `json:"impression_of_user,omitempty"`
	CurrentMood      *string   `json:"current_mood,omitempty"`
	Capabilities     *[]string `json:"capabilities,omitempty"`
	MemoryPath       *string   `json:"memory_path,omitempty"`
	MemorySummary    *string   `json:"memory_summary,omitempty"`
	ToolInstructions *string   `json:"tool_instructions,omitempty"`
	Notes            *string   `json:"notes,omitempty"`
}

func (p Patch) apply(dst *Profile) {
	set := func(field **string, target *string) {
		if *field != nil {
			*target = **field
		}
	}
	set(&p.Character, &dst.Character)
	set(&p.ImpressionOfUser, &dst.ImpressionOfUser)
	set(&p.CurrentMood, &dst.CurrentMood)
	set(&p.MemoryPath, &dst.MemoryPath)
	set(&p.MemorySummary, &dst.MemorySummary)
	set(&p.ToolInstructions, &dst.ToolInstructions)
	set(&p.Notes, &dst.Notes)
	if p.Capabilities != nil {
		dst.Capabilities = append([]string(nil), (*p.Capabilities)...)
	}
}

// Default is the persona used for agents that have no profile yet.
func Default(agentID string) Profile {
	return Profile{
		AgentID:          agentID,
		Character:        "You are a helpful, concise assistant",
		ImpressionOfUser: "",
		CurrentMood:      "neutral",
		Capabilities:     []string{},
		MemorySummary:    "",
	}
}

// Store reads and writes profiles under <root>/<agent>/profile.json. Reads are
// cached until the file is written through the store or invalidated.
type Store struct {
	root   string
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]Profile
}

// NewStore creates a store rooted at root.
func NewStore(root string, logger zerolog.Logger) *Store {
	return &Store{
		root:   root,
		logger: logger.With().Str("component", "profiles").Logger(),
		cache:  make(map[string]Profile),
	}
}

// Root returns the data root.
func (s *Store) Root() string { return s.root }

// Path returns the profile location for agentID.
func (s *Store) Path(agentID string) string {
	return filepath.Join(s.root, agentID, internal.ProfileFileName)
}

// Read returns the profile for agentID or ErrNotFound.
func (s *Store) Read(agentID string) (Profile, error) {
	if err := history.ValidateAgentID(agentID); err != nil {
		return Profile{}, err
	}

	s.mu.RLock()
	p, ok := s.cache[agentID]
	s.mu.RUnlock()
	if ok {
		return clone(p), nil
	}

	p, err := s.load(agentID)
	if err != nil {
		return Profile{}, err
	}
	s.mu.Lock()
	s.cache[agentID] = p
	s.mu.Unlock()
	return clone(p), nil
}

// ReadOrDefault returns the stored profile, or Default when none exists.
func (s *Store) ReadOrDefault(agentID string) (Profile, error) {
	p, err := s.Read(agentID)
	if errors.Is(err, ErrNotFound) {
		return Default(agentID), nil
	}
	return p, err
}

func (s *Store) load(agentID string) (Profile, error) {
	data, err := os.ReadFile(s.Path(agentID))
	if errors.Is(err, os.ErrNotExist) {
		return Profile{}, fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	if err != nil {
		return Profile{}, fmt.Errorf("read profile %s: %w", agentID, err)
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("decode profile %s: %w", agentID, err)
	}
	if p.AgentID == "" {
		p.AgentID = agentID
	}
	return p, nil
}

// Write stores p, replacing any existing profile.
func (s *Store) Write(p Profile) error {
	if err := history.ValidateAgentID(p.AgentID); err != nil {
		return err
	}
	if p.Capabilities == nil {
		p.Capabilities = []string{}
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}

	path := s.Path(p.AgentID)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create agent dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".profile-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp profile: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp profile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp profile: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace profile: %w", err)
	}

	s.mu.Lock()
	s.cache[p.AgentID] = clone(p)
	s.mu.Unlock()
	return nil
}

// List returns every profile under the root, sorted by agent id.
func (s *Store) List() ([]Profile, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)

	var out []Profile
	for _, id := range ids {
		if _, err := os.Stat(s.Path(id)); err != nil {
			continue
		}
		p, err := s.Read(id)
		if err != nil {
			s.logger.Warn().Err(err).Str("agent_id", id).Msg("Skipping unreadable profile")
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Create stores p unless a profile already exists for its agent.
func (s *Store) Create(p Profile) (Profile, error) {
	if err := history.ValidateAgentID(p.AgentID); err != nil {
		return Profile{}, err
	}
	if _, err := os.Stat(s.Path(p.AgentID)); err == nil {
		return Profile{}, fmt.Errorf("%w: %s", ErrExists, p.AgentID)
	}
	if err := s.Write(p); err != nil {
		return Profile{}, err
	}
	return clone(p), nil
}

// Update applies patch to an existing profile.
func (s *Store) Update(agentID string, patch Patch) (Profile, error) {
	if patch.AgentID != nil && *patch.AgentID != agentID {
		return Profile{}, ErrAgentIDImmutable
	}
	p, err := s.Read(agentID)
	if err != nil {
		return Profile{}, err
	}
	patch.apply(&p)
	if err := s.Write(p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Delete removes the profile, then the agent directory if nothing else is in it.
func (s *Store) Delete(agentID string) error {
	if err := history.ValidateAgentID(agentID); err != nil {
		return err
	}
	path := s.Path(agentID)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, agentID)
		}
		return fmt.Errorf("delete profile %s: %w", agentID, err)
	}
	s.Invalidate(agentID)

	// fails harmlessly when history or memory files remain
	_ = os.Remove(filepath.Dir(path))
	return nil
}

// Invalidate drops the cached copy of agentID's profile.
func (s *Store) Invalidate(agentID string) {
	s.mu.Lock()
	delete(s.cache, agentID)
	s.mu.Unlock()
}

func clone(p Profile) Profile {
	if p.Capabilities != nil {
		p.Capabilities = append([]string(nil), p.Capabilities...)
	}
	return p
}
