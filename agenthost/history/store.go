// Package history implements the per-agent append-only conversation log.
//
// Each agent owns one JSON Lines file under the data root. Appends go to the end
// of the file and are synced before returning; point updates and deletes read the
// whole log and replace it atomically. Lines that fail to parse are skipped on
// read and dropped on the next rewrite.
package history

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	internal "github.com/ZanzyTHEbar/agent-host/agenthost"
	"github.com/rs/zerolog"
)

// Store is the file-backed history log. It is safe for concurrent use; operations
// on the same agent are serialized.
type Store struct {
	root   string
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*agentLock
}

// agentLock serializes one agent's log. refs counts holders and waiters; the
// entry is forgotten when it drops to zero.
type agentLock struct {
	mu   sync.RWMutex
	refs int
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a store rooted at root. Nothing is created on disk until the first write.
func NewStore(root string, logger zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		root:   root,
		logger: logger.With().Str("component", "history").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		locks:  make(map[string]*agentLock),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the data root.
func (s *Store) Root() string { return s.root }

// Path returns the log file location for agentID.
func (s *Store) Path(agentID string) string {
	return filepath.Join(s.root, agentID, internal.HistoryFileName)
}

// ValidateAgentID rejects ids that are empty or would resolve outside the data root.
func ValidateAgentID(agentID string) error {
	if strings.TrimSpace(agentID) == "" || agentID == "." || agentID == ".." ||
		strings.ContainsAny(agentID, `/\`) || strings.ContainsRune(agentID, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidAgentID, agentID)
	}
	return nil
}

// lock takes the agent's write lock and returns its release func.
func (s *Store) lock(agentID string) func() {
	l := s.acquire(agentID)
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.release(agentID, l)
	}
}

// rlock takes the agent's read lock and returns its release func.
func (s *Store) rlock(agentID string) func() {
	l := s.acquire(agentID)
	l.mu.RLock()
	return func() {
		l.mu.RUnlock()
		s.release(agentID, l)
	}
}

func (s *Store) acquire(agentID string) *agentLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[agentID]
	if !ok {
		l = &agentLock{}
		s.locks[agentID] = l
	}
	l.refs++
	return l
}

func (s *Store) release(agentID string, l *agentLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, agentID)
	}
}

// Append adds a record to the end of the log. An empty id is replaced by a fresh
// one; a caller-supplied id that already exists yields ErrDuplicateID.
func (s *Store) Append(agentID, role, content, id string) (Message, error) {
	if err := ValidateAgentID(agentID); err != nil {
		return Message{}, err
	}
	if !ValidRole(role) {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	unlock := s.lock(agentID)
	defer unlock()

	if id != "" {
		existing, err := s.readAll(agentID)
		if err != nil {
			return Message{}, err
		}
		for _, m := range existing {
			if m.ID == id {
				return m, ErrDuplicateID
			}
		}
	}

	now := s.now()
	msg := Message{ID: id, Role: role, Content: content, CreatedAt: now, UpdatedAt: now}
	msg.normalize(now)

	line, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("encode record: %w", err)
	}
	line = append(line, '\n')

	path := s.Path(agentID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Message{}, fmt.Errorf("create agent dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Message{}, fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	if err := ensureTrailingNewline(f, path); err != nil {
		return Message{}, err
	}
	if _, err := f.Write(line); err != nil {
		return Message{}, fmt.Errorf("append history: %w", err)
	}
	if err := f.Sync(); err != nil {
		return Message{}, fmt.Errorf("sync history: %w", err)
	}
	return msg, nil
}

// ensureTrailingNewline keeps a torn final line from swallowing the next record.
func ensureTrailingNewline(f *os.File, path string) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat history: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}
	r, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer r.Close()
	last := make([]byte, 1)
	if _, err := r.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("read history tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("repair history tail: %w", err)
	}
	return nil
}

// LoadAll returns every readable record in append order. A missing log is empty.
func (s *Store) LoadAll(agentID string) ([]Message, error) {
	if err := ValidateAgentID(agentID); err != nil {
		return nil, err
	}
	unlock := s.rlock(agentID)
	defer unlock()
	return s.readAll(agentID)
}

// LoadWindow returns the last 2*maxPairs records. The cut is positional and may
// split a user/assistant pair or start on a tool record. maxPairs <= 0 yields nothing.
func (s *Store) LoadWindow(agentID string, maxPairs int) ([]Message, error) {
	all, err := s.LoadAll(agentID)
	if err != nil {
		return nil, err
	}
	return Window(all, maxPairs), nil
}

// Window applies the LoadWindow cut to an in-memory slice.
func Window(records []Message, maxPairs int) []Message {
	if maxPairs <= 0 {
		return nil
	}
	n := 2 * maxPairs
	if len(records) <= n {
		return records
	}
	return records[len(records)-n:]
}

// Get returns the record with id.
func (s *Store) Get(agentID, id string) (Message, bool, error) {
	all, err := s.LoadAll(agentID)
	if err != nil {
		return Message{}, false, err
	}
	for _, m := range all {
		if m.ID == id {
			return m, true, nil
		}
	}
	return Message{}, false, nil
}

// Update applies patch to the record with id and refreshes its updated_at. It
// reports false, and leaves the file untouched, when no such record exists.
func (s *Store) Update(agentID, id string, patch Patch) (bool, error) {
	if err := ValidateAgentID(agentID); err != nil {
		return false, err
	}
	if patch.Role != nil && !ValidRole(*patch.Role) {
		return false, fmt.Errorf("%w: %q", ErrInvalidRole, *patch.Role)
	}

	unlock := s.lock(agentID)
	defer unlock()

	all, err := s.readAll(agentID)
	if err != nil {
		return false, err
	}
	idx := indexOf(all, id)
	if idx < 0 {
		return false, nil
	}

	m := &all[idx]
	if patch.Role != nil {
		m.Role = *patch.Role
	}
	if patch.Content != nil {
		m.Content = *patch.Content
	}
	now := s.now()
	if now.Before(m.CreatedAt) {
		now = m.CreatedAt
	}
	m.UpdatedAt = now

	if err := s.rewrite(agentID, all); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the record with id, preserving the order of the rest.
func (s *Store) Delete(agentID, id string) (bool, error) {
	if err := ValidateAgentID(agentID); err != nil {
		return false, err
	}
	unlock := s.lock(agentID)
	defer unlock()

	all, err := s.readAll(agentID)
	if err != nil {
		return false, err
	}
	idx := indexOf(all, id)
	if idx < 0 {
		return false, nil
	}
	all = append(all[:idx], all[idx+1:]...)
	if err := s.rewrite(agentID, all); err != nil {
		return false, err
	}
	return true, nil
}

// Clear truncates the log to empty.
func (s *Store) Clear(agentID string) error {
	if err := ValidateAgentID(agentID); err != nil {
		return err
	}
	unlock := s.lock(agentID)
	defer unlock()
	return s.rewrite(agentID, nil)
}

// WriteAll replaces the log with records, filling in missing ids and timestamps.
func (s *Store) WriteAll(agentID string, records []Message) error {
	if err := ValidateAgentID(agentID); err != nil {
		return err
	}
	for _, m := range records {
		if !ValidRole(m.Role) {
			return fmt.Errorf("%w: %q", ErrInvalidRole, m.Role)
		}
	}
	unlock := s.lock(agentID)
	defer unlock()
	return s.rewrite(agentID, records)
}

// Truncate keeps only the last maxPairs pairs, reading and rewriting under one
// agent lock so records appended concurrently are never overwritten. The file
// is left alone when nothing falls outside the window.
func (s *Store) Truncate(agentID string, maxPairs int) error {
	if err := ValidateAgentID(agentID); err != nil {
		return err
	}
	unlock := s.lock(agentID)
	defer unlock()

	all, err := s.readAll(agentID)
	if err != nil {
		return err
	}
	kept := Window(all, maxPairs)
	if len(kept) == len(all) {
		return nil
	}
	return s.rewrite(agentID, kept)
}

func indexOf(records []Message, id string) int {
	if id == "" {
		return -1
	}
	for i := range records {
		if records[i].ID == id {
			return i
		}
	}
	return -1
}

// readAll must be called with the agent lock held.
func (s *Store) readAll(agentID string) ([]Message, error) {
	f, err := os.Open(s.Path(agentID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	var out []Message
	r := bufio.NewReaderSize(f, 64*1024)
	lineNo := 0
	for {
		line, err := r.ReadBytes('\n')
		lineNo++
		if line = bytes.TrimSpace(line); len(line) > 0 {
			var m Message
			if uerr := json.Unmarshal(line, &m); uerr != nil {
				s.logger.Debug().Str("agent_id", agentID).Int("line", lineNo).Err(uerr).Msg("Skipping unreadable history record")
			} else if !ValidRole(m.Role) {
				s.logger.Debug().Str("agent_id", agentID).Int("line", lineNo).Str("role", m.Role).Msg("Skipping history record with unknown role")
			} else {
				out = append(out, m)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read history: %w", err)
		}
	}
	return out, nil
}

// rewrite replaces the log atomically via a temp file in the same directory.
// Must be called with the agent lock held.
func (s *Store) rewrite(agentID string, records []Message) error {
	path := s.Path(agentID)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create agent dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".history-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp history: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	now := s.now()
	w := bufio.NewWriter(tmp)
	for i := range records {
		m := records[i]
		m.normalize(now)
		line, err := json.Marshal(m)
		if err != nil {
			cleanup()
			return fmt.Errorf("encode record: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		cleanup()
		return fmt.Errorf("write temp history: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp history: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace history: %w", err)
	}
	return nil
}
