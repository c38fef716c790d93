package memory

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	internal "github.com/ZanzyTHEbar/agent-host/agenthost"
	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	_ "github.com/tursodatabase/go-libsql"
)

//go:embed migrations/*.sql
var migrations embed.FS

// timeLayout sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// LibSQLStore keeps one embedded libsql database per agent at
// <root>/<agent>/<dirName>/memory.db. Databases are opened and migrated on
// first use and stay open until Close.
type LibSQLStore struct {
	root    string
	dirName string
	logger  zerolog.Logger
	now     func() time.Time

	mu  sync.RWMutex
	dbs map[string]*sql.DB
}

// Option configures a LibSQLStore.
type Option func(*LibSQLStore)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *LibSQLStore) { s.now = now }
}

// WithDirName overrides the per-agent memory directory name.
func WithDirName(name string) Option {
	return func(s *LibSQLStore) {
		if name != "" {
			s.dirName = name
		}
	}
}

// NewLibSQLStore creates a store rooted at root.
func NewLibSQLStore(root string, logger zerolog.Logger, opts ...Option) *LibSQLStore {
	s := &LibSQLStore{
		root:    root,
		dirName: internal.MemoryDirName,
		logger:  logger.With().Str("component", "memory").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
		dbs:     make(map[string]*sql.DB),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the database file for agentID.
func (s *LibSQLStore) Path(agentID string) string {
	return filepath.Join(s.root, agentID, s.dirName, internal.MemoryDBName)
}

// Close closes every open database.
func (s *LibSQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for agentID, db := range s.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close memory db for %s: %w", agentID, err))
		}
		delete(s.dbs, agentID)
	}
	return errors.Join(errs...)
}

// getDB retrieves or opens the database for an agent.
func (s *LibSQLStore) getDB(ctx context.Context, agentID string) (*sql.DB, error) {
	if err := validateAgentID(agentID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	db, ok := s.dbs[agentID]
	s.mu.RUnlock()
	if ok {
		return db, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok = s.dbs[agentID]; ok {
		return db, nil
	}

	path := s.Path(agentID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory directory for %s: %w", agentID, err)
	}

	db, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open memory db for %s: %w", agentID, err)
	}
	// a single connection keeps every statement on the same SQLite handle
	db.SetMaxOpenConns(1)

	if err := s.initialize(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize memory db for %s: %w", agentID, err)
	}

	s.logger.Debug().Str("agent_id", agentID).Str("path", path).Msg("Opened memory database")
	s.dbs[agentID] = db
	return db, nil
}

// initialize applies PRAGMAs, checks FTS5 and runs the embedded migrations.
func (s *LibSQLStore) initialize(ctx context.Context, db *sql.DB) error {
	if err := configurePragmas(ctx, db); err != nil {
		return err
	}
	if err := verifyFTS5(ctx, db); err != nil {
		return err
	}

	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectTurso, db, sub)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func configurePragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []struct {
		name  string
		value string
	}{
		{"journal_mode", "WAL"},
		{"synchronous", "NORMAL"},
		{"busy_timeout", "5000"},
		{"temp_store", "memory"},
	}
	for _, p := range pragmas {
		query := fmt.Sprintf("PRAGMA %s = %s", p.name, p.value)
		if _, err := db.ExecContext(ctx, query); err != nil {
			// some PRAGMAs report their new value as a row
			if !strings.Contains(err.Error(), "returned rows") {
				return fmt.Errorf("set %s: %w", p.name, err)
			}
			rows, qerr := db.QueryContext(ctx, query)
			if qerr != nil {
				return fmt.Errorf("set %s: %w", p.name, qerr)
			}
			rows.Close()
		}
	}
	return nil
}

func verifyFTS5(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "CREATE VIRTUAL TABLE IF NOT EXISTS temp._fts5_check USING fts5(content)"); err != nil {
		return fmt.Errorf("fts5 is not available in this libsql build: %w", err)
	}
	_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS temp._fts5_check")
	return nil
}

func validateAgentID(agentID string) error {
	if strings.TrimSpace(agentID) == "" || agentID == "." || agentID == ".." || strings.ContainsAny(agentID, `/\`) {
		return fmt.Errorf("memory: invalid agent id %q", agentID)
	}
	return nil
}

// Upsert implements Store.
func (s *LibSQLStore) Upsert(ctx context.Context, agentID string, items []Item) ([]string, error) {
	for _, it := range items {
		if strings.TrimSpace(it.Text) == "" {
			return nil, ErrInvalidItem
		}
	}
	db, err := s.getDB(ctx, agentID)
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	stamp := now.Format(timeLayout)
	ids := make([]string, 0, len(items))
	for _, it := range items {
		id := it.ID
		if id == "" {
			id = uuid.NewString()
		}
		meta := FlattenMetadata(it.Metadata)
		meta["memory_id"] = id
		if _, ok := meta["created_at"]; !ok {
			meta["created_at"] = now.Format(time.RFC3339)
		}
		encoded, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memories (memory_id, text, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(memory_id) DO UPDATE SET
				text = excluded.text,
				metadata = excluded.metadata,
				updated_at = excluded.updated_at`,
			id, it.Text, string(encoded), stamp, stamp); err != nil {
			return nil, fmt.Errorf("upsert memory %s: %w", id, err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert: %w", err)
	}
	return ids, nil
}

// Query implements Store. Relevance is FTS5 bm25 over the memory text; the
// score is mapped into a distance in (0, 1].
func (s *LibSQLStore) Query(ctx context.Context, agentID, text string, k int, where map[string]any) ([]Result, error) {
	if k <= 0 {
		k = DefaultK
	}
	filter, filterArgs, err := compileWhere(NormalizeWhere(where), "m.metadata")
	if err != nil {
		return nil, err
	}
	db, err := s.getDB(ctx, agentID)
	if err != nil {
		return nil, err
	}

	var (
		query string
		args  []any
	)
	if match := ftsQuery(text); match != "" {
		query = `
			SELECT m.memory_id, m.text, m.metadata, bm25(memories_fts) AS score
			FROM memories_fts
			JOIN memories m ON m.rowid = memories_fts.rowid
			WHERE memories_fts MATCH ?`
		args = append(args, match)
		if filter != "" {
			query += " AND " + filter
			args = append(args, filterArgs...)
		}
		query += " ORDER BY score, m.rowid LIMIT ?"
	} else {
		query = `SELECT m.memory_id, m.text, m.metadata, 0.0 AS score FROM memories m`
		if filter != "" {
			query += " WHERE " + filter
			args = append(args, filterArgs...)
		}
		query += " ORDER BY m.updated_at DESC, m.rowid DESC LIMIT ?"
	}
	args = append(args, k)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var (
			r     Result
			meta  string
			score float64
		)
		if err := rows.Scan(&r.MemoryID, &r.Text, &meta, &score); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		r.Metadata = decodeMetadata(meta)
		r.Distance = distance(score)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return out, nil
}

// Get implements Store.
func (s *LibSQLStore) Get(ctx context.Context, agentID, id string) (Result, bool, error) {
	db, err := s.getDB(ctx, agentID)
	if err != nil {
		return Result{}, false, err
	}
	var (
		r    = Result{MemoryID: id, Distance: 1}
		meta string
	)
	err = db.QueryRowContext(ctx, `SELECT text, metadata FROM memories WHERE memory_id = ?`, id).Scan(&r.Text, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("get memory %s: %w", id, err)
	}
	r.Metadata = decodeMetadata(meta)
	return r, true, nil
}

// Update implements Store.
func (s *LibSQLStore) Update(ctx context.Context, agentID, id string, patch map[string]any) (bool, error) {
	current, ok, err := s.Get(ctx, agentID, id)
	if err != nil || !ok {
		return false, err
	}

	text := current.Text
	merged := make(map[string]any, len(current.Metadata)+len(patch))
	for k, v := range current.Metadata {
		merged[k] = v
	}
	for k, v := range patch {
		if k == "text" {
			if t, isString := v.(string); isString && strings.TrimSpace(t) != "" {
				text = t
			}
			continue
		}
		merged[k] = v
	}
	merged["memory_id"] = id

	if _, err := s.Upsert(ctx, agentID, []Item{{ID: id, Text: text, Metadata: merged}}); err != nil {
		return false, err
	}
	return true, nil
}

// Delete implements Store.
func (s *LibSQLStore) Delete(ctx context.Context, agentID, id string) error {
	db, err := s.getDB(ctx, agentID)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM memories WHERE memory_id = ?`, id); err != nil {
		return fmt.Errorf("delete memory %s: %w", id, err)
	}
	return nil
}

// ftsQuery turns free text into an FTS5 query that ORs the quoted words, so
// user text can never be parsed as FTS5 syntax.
func ftsQuery(text string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return ""
	}
	seen := make(map[string]bool, len(words))
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		if seen[w] {
			continue
		}
		seen[w] = true
		quoted = append(quoted, `"`+w+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// distance maps a bm25 score (<= 0, more negative is better) into (0, 1].
func distance(score float64) float64 {
	if score >= 0 {
		return 1
	}
	return 1 / (1 - score)
}

func decodeMetadata(raw string) map[string]any {
	meta := make(map[string]any)
	if raw == "" {
		return meta
	}
	_ = json.Unmarshal([]byte(raw), &meta)
	return meta
}

var _ Store = (*LibSQLStore)(nil)
