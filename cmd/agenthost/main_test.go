package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ZanzyTHEbar/agent-host/agenthost/history"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig points the data root and backend at test fixtures.
func writeConfig(t *testing.T, root, backendURL string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := fmt.Sprintf(`history:
  root: %q
backend:
  base_url: %q
harness:
  maintenance_enabled: false
logging:
  level: error
`, root, backendURL)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestHistoryShowAndClear(t *testing.T) {
	root := t.TempDir()
	cfg := writeConfig(t, root, "http://127.0.0.1:1")

	store := history.NewStore(root, zerolog.Nop())
	_, err := store.Append("ada", history.RoleUser, "hello", "")
	require.NoError(t, err)
	_, err = store.Append("ada", history.RoleAssistant, "hi!", "")
	require.NoError(t, err)

	out, _, err := run(t, "--config", cfg, "history", "show", "--agent", "ada")
	require.NoError(t, err)
	assert.Equal(t, "user: hello\nassistant: hi!\n", out)

	out, _, err = run(t, "--config", cfg, "history", "show", "--agent", "ada", "--json")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"role":"user"`)

	out, _, err = run(t, "--config", cfg, "history", "clear", "--agent", "ada")
	require.NoError(t, err)
	assert.Equal(t, "cleared history for ada\n", out)

	records, err := store.LoadAll("ada")
	require.NoError(t, err)
	assert.Empty(t, records)

	_, _, err = run(t, "--config", cfg, "history", "show", "--agent", "../escape")
	assert.ErrorIs(t, err, history.ErrInvalidAgentID)
}

func TestToolsListsCatalog(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "http://127.0.0.1:1")

	out, _, err := run(t, "--config", cfg, "tools")
	require.NoError(t, err)
	for _, name := range []string{"memory.insert", "agent.update_notes", "duckduckgo.search", "duckduckgo.fetch_content"} {
		assert.Contains(t, out, name)
	}

	out, _, err = run(t, "--config", cfg, "tools", "--schemas")
	require.NoError(t, err)
	assert.Contains(t, out, `"required"`)
}

func TestChatStreamsReply(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hi \"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"there\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer backend.Close()

	root := t.TempDir()
	cfg := writeConfig(t, root, backend.URL)

	out, _, err := run(t, "--config", cfg, "chat", "--agent", "ada", "hello", "world")
	require.NoError(t, err)
	assert.Equal(t, "Hi there\n", out)

	records, err := history.NewStore(root, zerolog.Nop()).LoadAll("ada")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "hello world", records[0].Content)
	assert.Equal(t, "Hi there", records[1].Content)
}

func TestChatReportsBackendFailure(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer backend.Close()

	cfg := writeConfig(t, t.TempDir(), backend.URL)
	_, _, err := run(t, "--config", cfg, "chat", "--stream=false", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestBadConfigFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("harness:\n  mode: sideways\n"), 0o644))

	_, _, err := run(t, "--config", path, "tools")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "harness.mode")
}
