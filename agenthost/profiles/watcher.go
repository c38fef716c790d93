package profiles

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	internal "github.com/ZanzyTHEbar/agent-host/agenthost"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher drops cached profiles when profile.json files change on disk, so
// hand edits take effect on the next turn.
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher creates a watcher for store's root.
func NewWatcher(store *Store, logger zerolog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		store:   store,
		watcher: w,
		logger:  logger.With().Str("component", "profile-watcher").Logger(),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start watches the root and every existing agent directory. It does not block.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	root := w.store.Root()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	if err := w.watcher.Add(root); err != nil {
		return err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			w.add(filepath.Join(root, e.Name()))
		}
	}

	w.running = true
	go w.run(ctx)
	return nil
}

// Stop ends the watch loop and releases the underlying watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		_ = w.watcher.Close()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.watcher.Close(); err != nil {
		w.logger.Error().Err(err).Msg("Error closing profile watcher")
	}
}

func (w *Watcher) add(dir string) {
	if err := w.watcher.Add(dir); err != nil {
		w.logger.Debug().Err(err).Str("dir", dir).Msg("Cannot watch agent directory")
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Profile watcher error")
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	root := filepath.Clean(w.store.Root())
	dir := filepath.Dir(event.Name)

	switch {
	case dir == root:
		// an agent directory appeared or went away
		agentID := filepath.Base(event.Name)
		if event.Op&fsnotify.Create != 0 {
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				w.add(event.Name)
			}
		}
		w.store.Invalidate(agentID)
	case filepath.Base(event.Name) == internal.ProfileFileName && filepath.Dir(dir) == root:
		agentID := filepath.Base(dir)
		w.logger.Debug().Str("agent_id", agentID).Str("op", event.Op.String()).Msg("Profile changed on disk")
		w.store.Invalidate(agentID)
	}
}
