// Package reconcile brings locally tracked sessions back in line with what
// the compute backend is actually running.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/brianly1003/runsync/internal/domain/ports"
	"github.com/brianly1003/runsync/internal/metrics"
	"github.com/brianly1003/runsync/internal/session"
	"github.com/rs/zerolog/log"
)

// Sessions is the part of the registry reconciliation needs.
type Sessions interface {
	List() []*session.Session
	Update(id string, fn func(*session.Session) (*session.Session, error)) (*session.Session, error)
	FetchLogs(ctx context.Context, id string) error
	StartPending(id string) bool
}

// Report lists what a pass changed.
type Report struct {
	// Closed are sessions the backend no longer runs, now terminal.
	Closed []string `json:"closed"`
	// Refreshed are live sessions whose logs were fetched again.
	Refreshed []string `json:"refreshed"`
}

// Service runs reconciliation passes. Passes never overlap.
type Service struct {
	client   ports.CommandClient
	sessions Sessions
	metrics  *metrics.Metrics
	now      func() time.Time

	mu sync.Mutex
}

// New creates a Service. m may be nil.
func New(client ports.CommandClient, sessions Sessions, m *metrics.Metrics) *Service {
	return &Service{
		client:   client,
		sessions: sessions,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run performs one pass. Active sessions without an exception that the
// backend does not report are closed locally without sending any command.
// Live sessions, closed or still running, get their logs fetched again.
//
// Sessions whose start command is still in flight are skipped; the backend
// may not list them yet. A failed worker query counts as "nothing is
// running". Log fetch failures are logged and do not fail the pass.
func (s *Service) Run(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report Report
	if err := ctx.Err(); err != nil {
		return report, err
	}

	active, err := s.client.ActiveWorkers(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("active workers query failed; treating every session as stopped")
		active = map[string]struct{}{}
	}

	for _, sess := range s.sessions.List() {
		if !sess.IsActive() || sess.HasException() || s.sessions.StartPending(sess.ID) {
			continue
		}

		if _, running := active[sess.ID]; !running {
			if s.forceClose(sess.ID) {
				report.Closed = append(report.Closed, sess.ID)
			}
		}

		if sess.Kind == session.KindLive {
			if err := s.sessions.FetchLogs(ctx, sess.ID); err != nil {
				log.Warn().Err(err).Str("session_id", sess.ID).Msg("log refresh failed")
				continue
			}
			report.Refreshed = append(report.Refreshed, sess.ID)
		}
	}

	s.metrics.Reconciled(len(report.Closed))
	log.Info().
		Int("active_workers", len(active)).
		Strs("closed", report.Closed).
		Strs("refreshed", report.Refreshed).
		Msg("reconciliation finished")
	return report, nil
}

// forceClose reports whether the session actually changed. It may have
// ended on its own since List.
func (s *Service) forceClose(id string) bool {
	var closed bool
	_, err := s.sessions.Update(id, func(cur *session.Session) (*session.Session, error) {
		next := session.ForceClose(cur, s.now())
		closed = next != cur
		return next, nil
	})
	if err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("force close failed")
		return false
	}
	if closed {
		log.Info().Str("session_id", id).Msg("session no longer running on the backend; closed")
	}
	return closed
}
