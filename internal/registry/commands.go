package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/brianly1003/runsync/internal/domain"
	"github.com/brianly1003/runsync/internal/domain/commands"
	"github.com/brianly1003/runsync/internal/session"
	"github.com/rs/zerolog/log"
)

// Start validates the form, marks the session starting and sends the start
// command. A rejected command reverts the session to idle. Validation and
// ErrSessionActive failures never reach the network.
func (r *Registry) Start(ctx context.Context, id string) error {
	// Marked before the status changes so reconciliation never sees a
	// starting session without its pending command.
	r.setStarting(id, 1)
	defer r.setStarting(id, -1)

	s, err := r.Update(id, func(s *session.Session) (*session.Session, error) {
		return session.BeginStart(s, r.now())
	})
	if err != nil {
		return err
	}

	op, err := r.sendStart(ctx, s)
	r.metrics.Command(string(op), err)
	if err != nil {
		log.Warn().Err(err).Str("session_id", id).Str("command", string(op)).Msg("start rejected")
		_, _ = r.Update(id, func(s *session.Session) (*session.Session, error) {
			return session.RejectStart(s, r.now()), nil
		})
		return err
	}

	log.Info().Str("session_id", id).Str("kind", string(s.Kind)).Msg("session started")
	return nil
}

// StartPending reports whether a start command for id has been sent and not
// yet answered. The backend may not list such a session as active yet.
func (r *Registry) StartPending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starting[id] > 0
}

func (r *Registry) setStarting(id string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.starting[id] += delta; r.starting[id] <= 0 {
		delete(r.starting, id)
	}
}

func (r *Registry) sendStart(ctx context.Context, s *session.Session) (commands.CommandType, error) {
	f := s.Form
	switch s.Kind {
	case session.KindBacktest:
		return commands.CommandStartBacktest, r.client.StartBacktest(ctx, commands.StartBacktestRequest{
			ID:                s.ID,
			Exchange:          f.Exchange,
			Routes:            f.Routes,
			DataRoutes:        f.DataRoutes,
			Config:            r.settings.Backtest,
			StartDate:         f.StartDate,
			FinishDate:        f.FinishDate,
			DebugMode:         f.DebugMode,
			ExportCSV:         f.ExportCSV,
			ExportChart:       f.ExportChart,
			ExportTradingView: f.ExportTradingView,
			ExportFullReports: f.ExportFullReports,
			ExportJSON:        f.ExportJSON,
			FastMode:          f.FastMode,
			Benchmark:         f.Benchmark,
		})

	case session.KindLive:
		keyID := f.ExchangeAPIKeyID
		if f.PaperMode {
			keyID = ""
		}
		return commands.CommandStartLive, r.client.StartLive(ctx, commands.StartLiveRequest{
			ID:                   s.ID,
			Exchange:             f.Exchange,
			ExchangeAPIKeyID:     keyID,
			NotificationAPIKeyID: f.NotificationAPIKeyID,
			Routes:               f.Routes,
			DataRoutes:           f.DataRoutes,
			Config:               r.settings.Live,
			DebugMode:            f.DebugMode,
			PaperMode:            f.PaperMode,
		})

	case session.KindImport:
		return commands.CommandImportCandles, r.client.ImportCandles(ctx, commands.ImportCandlesRequest{
			ID:        s.ID,
			Exchange:  f.Exchange,
			Symbol:    f.Symbol,
			StartDate: f.StartDate,
		})
	}
	return "", fmt.Errorf("%w: %q", domain.ErrUnknownKind, s.Kind)
}

// Cancel aborts an active session.
//
// Backtests and imports end cancelled even if the cancel command fails; the
// error is still returned so it can be surfaced. When the backend already
// reported an exception no command is sent. A live session that is still
// booting is cancelled once the backend accepts; a running live session is
// stopped instead (see Stop).
func (r *Registry) Cancel(ctx context.Context, id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	if !s.IsActive() {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotActive, id)
	}

	if s.Kind == session.KindLive {
		if s.Status != session.StatusStarting {
			return r.Stop(ctx, id)
		}
		err := r.client.CancelLive(ctx, id, s.Form.PaperMode)
		r.metrics.Command(string(commands.CommandCancelLive), err)
		if err != nil {
			return err
		}
		r.markCancelled(id)
		return nil
	}

	var cmdErr error
	if !s.HasException() {
		op := commands.CommandCancelBacktest
		if s.Kind == session.KindImport {
			op = commands.CommandCancelImport
			cmdErr = r.client.CancelImport(ctx, id)
		} else {
			cmdErr = r.client.CancelBacktest(ctx, id)
		}
		r.metrics.Command(string(op), cmdErr)
	}
	r.markCancelled(id)
	return cmdErr
}

func (r *Registry) markCancelled(id string) {
	_, err := r.Update(id, func(s *session.Session) (*session.Session, error) {
		return session.MarkCancelled(s, r.now()), nil
	})
	if err == nil {
		log.Info().Str("session_id", id).Msg("session cancelled")
	}
}

// Stop asks the backend to stop a live session. The session waits in
// awaiting_termination for the termination event; if the command fails it
// goes back to running.
func (r *Registry) Stop(ctx context.Context, id string) error {
	s, err := r.Update(id, func(s *session.Session) (*session.Session, error) {
		return session.BeginStop(s, r.now())
	})
	if err != nil {
		return err
	}

	err = r.client.CancelLive(ctx, id, s.Form.PaperMode)
	r.metrics.Command(string(commands.CommandCancelLive), err)
	if err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("stop rejected")
		_, _ = r.Update(id, func(s *session.Session) (*session.Session, error) {
			return session.RevertStop(s, r.now()), nil
		})
		return err
	}
	return nil
}

// Rerun hides the previous results and starts the same form again.
func (r *Registry) Rerun(ctx context.Context, id string) error {
	if err := r.NewRun(id); err != nil {
		return err
	}
	return r.Start(ctx, id)
}

// NewRun hides the previous results so the form can be edited.
func (r *Registry) NewRun(id string) error {
	_, err := r.Update(id, func(s *session.Session) (*session.Session, error) {
		return session.NewRun(s, r.now())
	})
	return err
}

// SetForm replaces the form of an inactive session.
func (r *Registry) SetForm(id string, form session.Form) error {
	_, err := r.Update(id, func(s *session.Session) (*session.Session, error) {
		return session.WithForm(s, form, r.now())
	})
	return err
}

// FetchLogs replaces both log buffers with the server's history since the
// run started. On failure the current logs are kept.
func (r *Registry) FetchLogs(ctx context.Context, id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	var startTime int64
	if s.GeneralInfo != nil {
		startTime = s.GeneralInfo.StartedAt
	}

	info, err := r.fetchLogs(ctx, id, commands.LogTypeInfo, startTime)
	if err != nil {
		return err
	}
	errs, err := r.fetchLogs(ctx, id, commands.LogTypeError, startTime)
	if err != nil {
		return err
	}

	_, err = r.Update(id, func(s *session.Session) (*session.Session, error) {
		return session.WithLogs(s, info, errs, r.now()), nil
	})
	return err
}

func (r *Registry) fetchLogs(ctx context.Context, id string, t commands.LogType, startTime int64) ([]session.LogLine, error) {
	lines, err := r.client.GetLogs(ctx, commands.GetLogsRequest{ID: id, Type: t, StartTime: startTime})
	r.metrics.Command(string(commands.CommandGetLogs), err)
	if err != nil {
		return nil, fmt.Errorf("fetch %s logs: %w", t, err)
	}
	out := make([]session.LogLine, 0, len(lines))
	for _, l := range lines {
		out = append(out, session.LogLine{Timestamp: l.Time(), Message: l.Message})
	}
	return out, nil
}

// FetchCandles loads candles for the selected route of a live session.
func (r *Registry) FetchCandles(ctx context.Context, id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	if s.Kind != session.KindLive {
		return domain.ErrNotLive
	}
	route := s.SelectedRoute
	if route == nil && len(s.Form.Routes) > 0 {
		route = &s.Form.Routes[0]
	}
	if route == nil {
		return domain.ErrNoRoutes
	}

	candles, err := r.client.GetCandles(ctx, commands.GetCandlesRequest{
		ID:        id,
		Exchange:  s.Form.Exchange,
		Symbol:    route.Symbol,
		Timeframe: route.Timeframe,
	})
	r.metrics.Command(string(commands.CommandGetCandles), err)
	if err != nil {
		return err
	}

	_, err = r.Update(id, func(s *session.Session) (*session.Session, error) {
		return session.WithCandles(s, candles, r.now()), nil
	})
	return err
}

// IsUserError reports whether err is a precondition failure rather than a
// backend or internal one.
func IsUserError(err error) bool {
	var ve *domain.ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, domain.ErrSessionActive) ||
		errors.Is(err, domain.ErrSessionNotActive) ||
		errors.Is(err, domain.ErrNotLive) ||
		errors.Is(err, domain.ErrNoRoutes)
}
