package app

import (
	"context"
	"sync"
	"time"

	"github.com/brianly1003/runsync/internal/registry"
	"github.com/brianly1003/runsync/internal/session"
	"github.com/brianly1003/runsync/internal/watcher"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// saveDebounce is how long the session map must stay unchanged before it is
// written to the state database.
const saveDebounce = 250 * time.Millisecond

const saveTimeout = 5 * time.Second

// persistingObserver forwards registry changes to the feed and writes the
// session map shortly after every burst of changes.
type persistingObserver struct {
	next      registry.Observer
	save      func(ctx context.Context) error
	debouncer *watcher.Debouncer

	mu      sync.Mutex
	stopped bool
}

func newPersistingObserver(next registry.Observer, window time.Duration, save func(ctx context.Context) error) *persistingObserver {
	p := &persistingObserver{next: next, save: save}
	p.debouncer = watcher.NewDebouncer(window, func(string, fsnotify.Op) { p.flush() })
	return p
}

func (p *persistingObserver) PublishSession(s *session.Session) {
	if p.next != nil {
		p.next.PublishSession(s)
	}
	p.debouncer.Add("sessions", fsnotify.Write)
}

func (p *persistingObserver) PublishRemoved(id string) {
	if p.next != nil {
		p.next.PublishRemoved(id)
	}
	p.debouncer.Add("sessions", fsnotify.Remove)
}

func (p *persistingObserver) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := p.save(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to persist sessions")
		return
	}
	log.Trace().Msg("sessions persisted")
}

// Stop drops any pending write and waits for one in progress. The caller
// does the final save.
func (p *persistingObserver) Stop() {
	p.debouncer.Stop()
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}
