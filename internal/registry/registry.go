// Package registry owns the id → session map and runs the user-initiated
// command flows (start, cancel, stop, fetch) against the backend.
//
// Every read-modify-write of the map happens under one mutex. No lock is
// held while a command is in flight. Stored sessions are never modified in
// place; transitions replace them.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/brianly1003/runsync/internal/domain"
	"github.com/brianly1003/runsync/internal/domain/ports"
	"github.com/brianly1003/runsync/internal/metrics"
	"github.com/brianly1003/runsync/internal/session"
	"github.com/rs/zerolog/log"
)

// Observer is told about every stored change. The feed hub implements it.
type Observer interface {
	PublishSession(s *session.Session)
	PublishRemoved(id string)
}

// Settings are forwarded verbatim as the "config" field of start commands.
type Settings struct {
	Backtest json.RawMessage
	Live     json.RawMessage
}

// Registry is the session map.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	// start commands in flight, by session id
	starting map[string]int

	client   ports.CommandClient
	store    ports.Store
	ids      ports.IDGenerator
	observer Observer
	metrics  *metrics.Metrics
	settings Settings
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore sets the persistence backend used by Load and Save.
func WithStore(s ports.Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithIDGenerator replaces the default uuid generator.
func WithIDGenerator(g ports.IDGenerator) Option {
	return func(r *Registry) { r.ids = g }
}

// WithObserver sets the change observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithSettings sets the config forwarded with start commands.
func WithSettings(s Settings) Option {
	return func(r *Registry) { r.settings = s }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry.
func New(client ports.CommandClient, opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*session.Session),
		starting: make(map[string]int),
		client:   client,
		ids:      UUIDGenerator{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create adds a fresh idle session and returns its id.
func (r *Registry) Create(kind session.Kind) (string, error) {
	s, err := session.New(r.ids.NewID(), kind)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	log.Debug().Str("session_id", s.ID).Str("kind", string(kind)).Msg("session created")
	r.changed(s)
	return s.ID, nil
}

// Duplicate creates a new session of the same kind carrying a copy of id's
// form.
func (r *Registry) Duplicate(id string) (string, error) {
	r.mu.Lock()
	src, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	dup, err := session.New(r.ids.NewID(), src.Kind)
	if err != nil {
		r.mu.Unlock()
		return "", err
	}
	dup.Form = src.Form.Clone()
	r.sessions[dup.ID] = dup
	r.mu.Unlock()

	log.Debug().Str("session_id", dup.ID).Str("source_id", id).Msg("session duplicated")
	r.changed(dup)
	return dup.ID, nil
}

// StartInNew duplicates id and starts the copy. The new id is returned even
// when the start fails, since the copy stays in the registry.
func (r *Registry) StartInNew(ctx context.Context, id string) (string, error) {
	newID, err := r.Duplicate(id)
	if err != nil {
		return "", err
	}
	return newID, r.Start(ctx, newID)
}

// Remove deletes a session. Active sessions are refused, except live ones
// that already reported an exception.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	if !s.Removable() {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrSessionActive, id)
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	log.Debug().Str("session_id", id).Msg("session removed")
	if r.observer != nil {
		r.observer.PublishRemoved(id)
	}
	r.recordCounts()
	return nil
}

// Get returns a copy of the session.
func (r *Registry) Get(id string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return s.Clone(), nil
}

// List returns copies of all sessions, oldest first.
func (r *Registry) List() []*session.Session {
	r.mu.Lock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Update replaces session id with fn's result. fn receives the stored value
// and must not modify it; returning an error leaves the map untouched.
func (r *Registry) Update(id string, fn func(*session.Session) (*session.Session, error)) (*session.Session, error) {
	r.mu.Lock()
	cur, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	next, err := fn(cur)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	changed := next != cur
	r.sessions[id] = next
	r.mu.Unlock()

	if changed {
		r.changed(next)
	}
	return next.Clone(), nil
}

// Materialize makes sure a session exists for id, creating an idle one of
// the given kind if needed. It reports whether a session was created.
func (r *Registry) Materialize(id string, kind session.Kind) (bool, error) {
	r.mu.Lock()
	if _, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return false, nil
	}
	s, err := session.New(id, kind)
	if err != nil {
		r.mu.Unlock()
		return false, err
	}
	r.sessions[id] = s
	r.mu.Unlock()

	log.Info().Str("session_id", id).Str("kind", string(kind)).Msg("materialized session for unknown id")
	r.changed(s)
	return true, nil
}

// Load replaces the map with the stored sessions.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	loaded, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	r.mu.Lock()
	r.sessions = make(map[string]*session.Session, len(loaded))
	for _, s := range loaded {
		r.sessions[s.ID] = s
	}
	r.mu.Unlock()

	log.Info().Int("count", len(loaded)).Msg("sessions restored")
	r.recordCounts()
	return nil
}

// Save writes the whole map to the store.
func (r *Registry) Save(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.Save(ctx, r.List()); err != nil {
		return fmt.Errorf("save sessions: %w", err)
	}
	return nil
}

func (r *Registry) changed(s *session.Session) {
	if r.observer != nil {
		r.observer.PublishSession(s.Clone())
	}
	r.recordCounts()
}

func (r *Registry) recordCounts() {
	if r.metrics == nil {
		return
	}
	counts := make(map[[2]string]int)
	r.mu.Lock()
	for _, s := range r.sessions {
		counts[[2]string{string(s.Kind), string(s.Status)}]++
	}
	r.mu.Unlock()
	r.metrics.SetSessionCounts(counts)
}
