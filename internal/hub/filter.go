package hub

import (
	"sync"

	"github.com/brianly1003/runsync/internal/domain/events"
	"github.com/brianly1003/runsync/internal/domain/ports"
)

// FilteredSubscriber wraps a subscriber and only forwards events for the
// sessions it follows. With no sessions followed, everything is forwarded.
// Events without a session id are always forwarded.
type FilteredSubscriber struct {
	inner    ports.Subscriber
	sessions map[string]bool
	mu       sync.RWMutex
}

// NewFilteredSubscriber creates a new filtered subscriber wrapping the given subscriber.
func NewFilteredSubscriber(inner ports.Subscriber) *FilteredSubscriber {
	return &FilteredSubscriber{
		inner:    inner,
		sessions: make(map[string]bool),
	}
}

// ID returns the subscriber's unique identifier.
func (f *FilteredSubscriber) ID() string {
	return f.inner.ID()
}

// Send forwards the event if it passes the filter.
func (f *FilteredSubscriber) Send(event events.Event) error {
	if !f.shouldForward(event) {
		return nil
	}
	return f.inner.Send(event)
}

// Close closes the subscriber.
func (f *FilteredSubscriber) Close() error {
	return f.inner.Close()
}

// Done returns a channel that's closed when the subscriber is done.
func (f *FilteredSubscriber) Done() <-chan struct{} {
	return f.inner.Done()
}

// Follow adds a session to the filter.
func (f *FilteredSubscriber) Follow(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sessionID] = true
}

// Unfollow removes a session from the filter.
func (f *FilteredSubscriber) Unfollow(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionID)
}

// FollowAll clears the filter.
func (f *FilteredSubscriber) FollowAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = make(map[string]bool)
}

// IsFiltering returns true if the subscriber follows specific sessions.
func (f *FilteredSubscriber) IsFiltering() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sessions) > 0
}

func (f *FilteredSubscriber) shouldForward(event events.Event) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.sessions) == 0 {
		return true
	}
	id := event.GetSessionID()
	return id == "" || f.sessions[id]
}
