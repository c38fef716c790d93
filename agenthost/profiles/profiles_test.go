package profiles

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func strPtr(s string) *string { return &s }

type ProfilesSuite struct {
	suite.Suite
	root  string
	store *Store
}

func TestProfilesSuite(t *testing.T) {
	suite.Run(t, new(ProfilesSuite))
}

func (s *ProfilesSuite) SetupTest() {
	s.root = s.T().TempDir()
	s.store = NewStore(s.root, zerolog.Nop())
}

func (s *ProfilesSuite) sample(id string) Profile {
	return Profile{
		AgentID:      id,
		Character:    "You are " + id,
		CurrentMood:  "curious",
		Capabilities: []string{"memory"},
	}
}

func (s *ProfilesSuite) TestWriteReadRoundTrip() {
	p := s.sample("ada")
	s.Require().NoError(s.store.Write(p))

	data, err := os.ReadFile(filepath.Join(s.root, "ada", "profile.json"))
	s.Require().NoError(err)
	var onDisk map[string]any
	s.Require().NoError(json.Unmarshal(data, &onDisk))
	s.Equal("ada", onDisk["agent_id"])
	s.Contains(string(data), "\n  \"character\"")

	got, err := s.store.Read("ada")
	s.Require().NoError(err)
	s.Equal(p, got)

	// callers cannot mutate the cached copy
	got.Capabilities[0] = "changed"
	again, err := s.store.Read("ada")
	s.Require().NoError(err)
	s.Equal("memory", again.Capabilities[0])
}

func (s *ProfilesSuite) TestReadMissing() {
	_, err := s.store.Read("ghost")
	s.ErrorIs(err, ErrNotFound)

	p, err := s.store.ReadOrDefault("ghost")
	s.NoError(err)
	s.Equal("ghost", p.AgentID)
	s.NotEmpty(p.Character)

	_, err = s.store.Read("../escape")
	s.Error(err)
}

func (s *ProfilesSuite) TestListSorted() {
	for _, id := range []string{"zed", "ada", "mia"} {
		s.Require().NoError(s.store.Write(s.sample(id)))
	}
	// a directory without a profile is skipped
	s.Require().NoError(os.MkdirAll(filepath.Join(s.root, "bare"), 0o755))

	list, err := s.store.List()
	s.Require().NoError(err)
	var ids []string
	for _, p := range list {
		ids = append(ids, p.AgentID)
	}
	s.Equal([]string{"ada", "mia", "zed"}, ids)

	empty := NewStore(filepath.Join(s.root, "missing"), zerolog.Nop())
	list, err = empty.List()
	s.NoError(err)
	s.Empty(list)
}

func (s *ProfilesSuite) TestCreateConflict() {
	_, err := s.store.Create(s.sample("ada"))
	s.Require().NoError(err)
	_, err = s.store.Create(s.sample("ada"))
	s.ErrorIs(err, ErrExists)
}

func (s *ProfilesSuite) TestUpdate() {
	s.Require().NoError(s.store.Write(s.sample("ada")))

	caps := []string{"memory", "search"}
	updated, err := s.store.Update("ada", Patch{CurrentMood: strPtr("cheerful"), Capabilities: &caps, Notes: strPtr("prefers metric units")})
	s.Require().NoError(err)
	s.Equal("cheerful", updated.CurrentMood)
	s.Equal(caps, updated.Capabilities)
	s.Equal("You are ada", updated.Character)

	got, err := s.store.Read("ada")
	s.Require().NoError(err)
	s.Equal("prefers metric units", got.Notes)

	_, err = s.store.Update("ada", Patch{AgentID: strPtr("bob")})
	s.ErrorIs(err, ErrAgentIDImmutable)

	_, err = s.store.Update("ada", Patch{AgentID: strPtr("ada"), CurrentMood: strPtr("calm")})
	s.NoError(err)

	_, err = s.store.Update("ghost", Patch{CurrentMood: strPtr("x")})
	s.ErrorIs(err, ErrNotFound)
}

func (s *ProfilesSuite) TestDelete() {
	s.Require().NoError(s.store.Write(s.sample("ada")))
	s.Require().NoError(s.store.Write(s.sample("bob")))
	s.Require().NoError(os.WriteFile(filepath.Join(s.root, "bob", "chat_history.jsonl"), []byte("{}\n"), 0o644))

	s.Require().NoError(s.store.Delete("ada"))
	_, err := os.Stat(filepath.Join(s.root, "ada"))
	s.True(os.IsNotExist(err), "empty agent dir is removed")

	s.Require().NoError(s.store.Delete("bob"))
	_, err = os.Stat(filepath.Join(s.root, "bob", "chat_history.jsonl"))
	s.NoError(err, "other agent files survive")

	s.ErrorIs(s.store.Delete("ada"), ErrNotFound)
	_, err = s.store.Read("ada")
	s.ErrorIs(err, ErrNotFound)
}

func TestWatcherInvalidatesOnExternalEdit(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, zerolog.Nop())
	require.NoError(t, store.Write(Profile{AgentID: "ada", Character: "before"}))

	w, err := NewWatcher(store, zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	p, err := store.Read("ada")
	require.NoError(t, err)
	require.Equal(t, "before", p.Character)

	edited, err := json.Marshal(Profile{AgentID: "ada", Character: "after"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.Path("ada"), edited, 0o644))

	assert.Eventually(t, func() bool {
		p, err := store.Read("ada")
		return err == nil && p.Character == "after"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatcherPicksUpNewAgents(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, zerolog.Nop())

	w, err := NewWatcher(store, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, store.Write(Profile{AgentID: "new", Character: "v1"}))
	// give the watcher time to add the new directory before editing inside it
	time.Sleep(100 * time.Millisecond)
	_, err = store.Read("new")
	require.NoError(t, err)

	edited, err := json.Marshal(Profile{AgentID: "new", Character: "v2"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.Path("new"), edited, 0o644))

	assert.Eventually(t, func() bool {
		p, err := store.Read("new")
		return err == nil && p.Character == "v2"
	}, 5*time.Second, 20*time.Millisecond)
}
