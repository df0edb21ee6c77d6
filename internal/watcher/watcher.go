// Package watcher notices when another process rewrites the session state
// database, so the running instance can reconcile against the backend.
package watcher

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/brianly1003/runsync/internal/domain/ports"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce is used when no debounce window is configured.
const DefaultDebounce = 500 * time.Millisecond

// stateKey is the single debounce key; the database and its WAL and SHM
// files count as one change.
const stateKey = "state"

// StateWatcher watches the directory holding the state database.
type StateWatcher struct {
	path     string
	debounce time.Duration
	onChange func(ctx context.Context)

	mu            sync.RWMutex
	watcher       *fsnotify.Watcher
	debouncer     *Debouncer
	running       bool
	cancel        context.CancelFunc
	ctx           context.Context
	suppressUntil time.Time
}

// New creates a watcher for the database at path. onChange runs once per
// burst of external writes.
func New(path string, debounce time.Duration, onChange func(ctx context.Context)) *StateWatcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &StateWatcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		onChange: onChange,
	}
}

// Start begins watching.
func (w *StateWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.watcher = fsw
	w.ctx = watchCtx
	w.cancel = cancel
	w.debouncer = NewDebouncer(w.debounce, w.handleDebounced)
	w.running = true

	go w.eventLoop(watchCtx, fsw)

	log.Info().
		Str("path", w.path).
		Dur("debounce", w.debounce).
		Msg("state watcher started")
	return nil
}

// Stop terminates watching.
func (w *StateWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false
	w.cancel()
	w.debouncer.Stop()

	err := w.watcher.Close()
	w.watcher = nil
	log.Info().Msg("state watcher stopped")
	return err
}

// IsRunning returns true if the watcher is active.
func (w *StateWatcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Suppress ignores changes for d. Call it before this process writes the
// database itself.
func (w *StateWatcher) Suppress(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.suppressUntil = time.Now().Add(d)
}

func (w *StateWatcher) eventLoop(ctx context.Context, fsw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("state watcher error")
		}
	}
}

func (w *StateWatcher) handleEvent(event fsnotify.Event) {
	if !w.isStateFile(event.Name) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.mu.RLock()
	suppressed := time.Now().Before(w.suppressUntil)
	d := w.debouncer
	w.mu.RUnlock()

	if suppressed || d == nil {
		return
	}
	d.Add(stateKey, event.Op)
}

// isStateFile matches the database and the -wal, -shm and -journal files
// SQLite keeps beside it.
func (w *StateWatcher) isStateFile(name string) bool {
	name = filepath.Clean(name)
	if name == w.path {
		return true
	}
	rest, ok := strings.CutPrefix(name, w.path+"-")
	if !ok {
		return false
	}
	switch rest {
	case "wal", "shm", "journal":
		return true
	}
	return false
}

func (w *StateWatcher) handleDebounced(_ string, op fsnotify.Op) {
	w.mu.RLock()
	ctx := w.ctx
	running := w.running
	w.mu.RUnlock()
	if !running || w.onChange == nil {
		return
	}

	log.Info().Str("path", w.path).Str("op", op.String()).Msg("state changed externally")
	w.onChange(ctx)
}

var _ ports.StateWatcher = (*StateWatcher)(nil)
