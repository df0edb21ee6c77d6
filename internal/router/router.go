// Package router applies push events from the compute backend to the
// session registry.
//
// Every event goes through a single inbox consumed by Run, so events for
// one session are applied in the order they were submitted no matter how
// many producers there are.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/brianly1003/runsync/internal/domain"
	"github.com/brianly1003/runsync/internal/domain/events"
	"github.com/brianly1003/runsync/internal/domain/ports"
	"github.com/brianly1003/runsync/internal/metrics"
	"github.com/brianly1003/runsync/internal/session"
	"github.com/rs/zerolog/log"
)

// DefaultInboxSize is the inbox capacity used when none is configured.
const DefaultInboxSize = 1024

// Sessions is the part of the registry the router needs.
type Sessions interface {
	Materialize(id string, kind session.Kind) (bool, error)
	Update(id string, fn func(*session.Session) (*session.Session, error)) (*session.Session, error)
	FetchLogs(ctx context.Context, id string) error
}

// Config holds router settings.
type Config struct {
	// InboxSize is the capacity of the inbox channel.
	InboxSize int
	// DefaultKind is the kind given to sessions created for unknown ids
	// when neither the event namespace nor a live-only kind decides it.
	DefaultKind session.Kind
}

// Router decodes push events and runs them through the session state
// machine.
type Router struct {
	sessions    Sessions
	notifier    ports.Notifier
	metrics     *metrics.Metrics
	defaultKind session.Kind
	now         func() time.Time

	inbox chan events.Envelope

	// in-flight log backfills
	backfills sync.WaitGroup
}

// New creates a router. notifier and m may be nil.
func New(sessions Sessions, notifier ports.Notifier, m *metrics.Metrics, cfg Config) *Router {
	size := cfg.InboxSize
	if size <= 0 {
		size = DefaultInboxSize
	}
	kind := cfg.DefaultKind
	if kind == "" {
		kind = session.KindBacktest
	}
	return &Router{
		sessions:    sessions,
		notifier:    notifier,
		metrics:     m,
		defaultKind: kind,
		now:         func() time.Time { return time.Now().UTC() },
		inbox:       make(chan events.Envelope, size),
	}
}

// Submit queues an envelope for Run. It blocks while the inbox is full so
// that nothing is lost, and gives up when ctx is done.
func (r *Router) Submit(ctx context.Context, env events.Envelope) error {
	select {
	case r.inbox <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run applies queued envelopes until ctx is cancelled, then waits for
// running log backfills.
func (r *Router) Run(ctx context.Context) {
	log.Debug().Msg("event router started")
	defer func() {
		r.backfills.Wait()
		log.Debug().Msg("event router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-r.inbox:
			if err := r.Apply(ctx, env.ID, env.Event, env.Data); err != nil {
				log.Error().Err(err).Str("session_id", env.ID).Str("event", env.Event).Msg("failed to apply event")
			}
		}
	}
}

// Apply decodes one event and applies it to its session. Unknown kinds and
// malformed payloads are logged and dropped. Sessions that do not exist yet
// are created idle.
func (r *Router) Apply(ctx context.Context, sessionID, kind string, payload json.RawMessage) error {
	if sessionID == "" {
		r.ignore("missing_id", kind, sessionID, nil)
		return nil
	}

	namespace, t := events.ParseName(kind)
	ev, err := events.Decode(sessionID, t, payload)
	switch {
	case errors.Is(err, domain.ErrUnknownEvent):
		r.ignore("unknown_kind", kind, sessionID, err)
		return nil
	case err != nil:
		r.ignore("malformed", kind, sessionID, err)
		return nil
	}

	if _, err := r.sessions.Materialize(sessionID, r.kindFor(namespace, t)); err != nil {
		return err
	}

	var effects session.Effects
	var changed bool
	_, err = r.sessions.Update(sessionID, func(s *session.Session) (*session.Session, error) {
		next, eff := session.Apply(s, ev, r.now())
		effects = eff
		changed = next != s
		return next, nil
	})
	if err != nil {
		return err
	}

	if !changed {
		r.metrics.EventIgnored("noop")
		log.Debug().Str("session_id", sessionID).Str("event", string(t)).Msg("event had no effect")
		return nil
	}
	r.metrics.EventApplied(string(t))
	log.Trace().Str("session_id", sessionID).Str("event", string(t)).Msg("event applied")

	r.run(ctx, sessionID, effects)
	return nil
}

// Wait blocks until every log backfill started by Apply has finished.
func (r *Router) Wait() {
	r.backfills.Wait()
}

// kindFor picks the kind of a lazily created session. The event namespace
// decides when present; otherwise live-only kinds mean live.
func (r *Router) kindFor(namespace string, t events.EventType) session.Kind {
	switch namespace {
	case "live":
		return session.KindLive
	case "backtest":
		return session.KindBacktest
	case "candles", "import", "import-candles", "import_candles":
		return session.KindImport
	}
	if t.IsLiveOnly() {
		return session.KindLive
	}
	return r.defaultKind
}

func (r *Router) ignore(reason, kind, sessionID string, err error) {
	r.metrics.EventIgnored(reason)
	log.Warn().
		Err(err).
		Str("session_id", sessionID).
		Str("event", kind).
		Str("reason", reason).
		Msg("event ignored")
}

// run executes the side effects of a transition once it is stored.
func (r *Router) run(ctx context.Context, sessionID string, effects session.Effects) {
	if r.notifier != nil {
		for _, a := range effects.Advisories {
			r.notifier.Notify(a)
		}
	}
	if !effects.BackfillLogs {
		return
	}

	r.backfills.Add(1)
	go func() {
		defer r.backfills.Done()
		if err := r.sessions.FetchLogs(ctx, sessionID); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("log backfill failed")
			if r.notifier != nil {
				r.notifier.Notify(domain.Advisory{
					SessionID: sessionID,
					Level:     domain.AdvisoryError,
					Message:   domain.AdvisoryMessage(err),
				})
			}
		}
	}()
}
