package session

import (
	"slices"
	"time"

	"github.com/brianly1003/runsync/internal/domain"
	"github.com/brianly1003/runsync/internal/domain/events"
)

// Advisory texts emitted by transitions.
const (
	MsgTerminated            = "Session terminated successfully"
	MsgUnexpectedTermination = "Session terminated unexpectedly"
)

// Effects are the side effects a transition asks its caller to perform.
type Effects struct {
	// Advisories to hand to the notifier, in order.
	Advisories []domain.Advisory

	// BackfillLogs requests a one-off log fetch for the session.
	BackfillLogs bool
}

// Empty reports whether there is nothing to do.
func (e Effects) Empty() bool {
	return len(e.Advisories) == 0 && !e.BackfillLogs
}

func (e *Effects) advise(sessionID string, level domain.AdvisoryLevel, message string) {
	e.Advisories = append(e.Advisories, domain.Advisory{
		SessionID: sessionID,
		Level:     level,
		Message:   message,
	})
}

// Apply returns the session that results from applying ev to s, and the
// effects the caller should run. s is not modified.
func Apply(s *Session, ev events.Event, now time.Time) (*Session, Effects) {
	var fx Effects
	kind := ev.Type()

	// Duplicate or late terminal signals change nothing.
	if kind.IsTermination() && s.Status.IsTerminal() {
		return s, fx
	}

	next := s.Clone()
	next.UpdatedAt = now

	if kind.IsActivity() && (next.Status == StatusIdle || next.Status == StatusStarting) {
		next.Status = StatusRunning
	}

	switch p := ev.GetPayload().(type) {
	case events.ProgressPayload:
		next.Progress = Progress{
			Current:                   p.Current,
			EstimatedRemainingSeconds: p.EstimatedRemainingSeconds,
		}

	case events.LogPayload:
		line := LogLine{Timestamp: p.Time(), Message: p.Message}
		if kind == events.EventTypeErrorLog {
			next.ErrorLogs = append(next.ErrorLogs, line)
			fx.advise(next.ID, domain.AdvisoryError, p.Message)
		} else {
			next.InfoLogs = append(next.InfoLogs, line)
		}

	case events.ExceptionPayload:
		next.Exception = &Exception{Error: p.Error, Traceback: p.Traceback}

	case events.CandlesInfoPayload:
		next.CandlesInfo = &p

	case events.RoutesInfoPayload:
		next.RoutesInfo = p

	case events.GeneralInfoPayload:
		first := next.GeneralInfo == nil
		next.GeneralInfo = &p
		if next.Kind == KindLive {
			// The server is authoritative over what is actually running.
			if p.Routes != nil {
				next.Form.Routes = slices.Clone(p.Routes)
			}
			if next.SelectedRoute == nil && len(next.Form.Routes) > 0 {
				r := next.Form.Routes[0]
				next.SelectedRoute = &r
			}
			fx.BackfillLogs = first && !next.Status.IsTerminal()
		}

	case events.HyperparametersPayload:
		next.Hyperparameters = p

	case events.MetricsPayload:
		next.Metrics = p.Metrics
		next.NoTrades = p.Metrics == nil

	case events.EquityCurvePayload:
		next.EquityCurve = p
		next.ShowResults = true
		if next.Kind == KindBacktest && next.Status.IsActive() {
			next.Status = StatusFinished
		}

	case events.CurrentCandlesPayload:
		next.CurrentCandles = p

	case events.WatchlistPayload:
		next.Watchlist = p

	case events.PositionsPayload:
		next.Positions = p

	case events.OrdersPayload:
		next.Orders = p

	case events.AlertPayload:
		next.Alert = &Alert{Message: p.Message, Type: p.Type}
		// An import reports completion through its alert.
		if next.Kind == KindImport && next.Status.IsActive() {
			next.Progress.Current = 100
			next.Exception = nil
			next.Status = StatusFinished
		}

	case events.NotificationPayload:
		fx.advise(next.ID, advisoryLevel(p.Type), p.Message)

	case events.TerminationPayload:
		if next.Status.IsActive() {
			fx.advise(next.ID, domain.AdvisorySuccess, MsgTerminated)
		}
		next.Status = StatusFinished

	case events.UnexpectedTerminationPayload:
		next.UnexpectedlyTerminated = true
		if next.HasException() {
			next.Status = StatusFailed
		} else {
			next.Status = StatusFinished
		}
		fx.advise(next.ID, domain.AdvisoryWarning, MsgUnexpectedTermination)
	}

	return next, fx
}

func advisoryLevel(t string) domain.AdvisoryLevel {
	switch l := domain.AdvisoryLevel(t); l {
	case domain.AdvisorySuccess, domain.AdvisoryInfo, domain.AdvisoryWarning, domain.AdvisoryError:
		return l
	}
	return domain.AdvisoryInfo
}

// BeginStart validates the form and moves the session to starting with all
// run state reset. On error s is returned untouched.
func BeginStart(s *Session, now time.Time) (*Session, error) {
	if s.IsActive() {
		return s, domain.ErrSessionActive
	}
	if err := s.Form.Validate(s.Kind); err != nil {
		return s, err
	}

	next := s.Clone()
	resetRun(next)
	next.Status = StatusStarting
	if next.Kind == KindLive && len(next.Form.Routes) > 0 {
		r := next.Form.Routes[0]
		next.SelectedRoute = &r
	}
	next.UpdatedAt = now
	return next, nil
}

// RejectStart reverts a start the backend refused. Nothing received since
// the start is kept.
func RejectStart(s *Session, now time.Time) *Session {
	if s.Status != StatusStarting {
		return s
	}
	next := s.Clone()
	resetRun(next)
	next.Status = StatusIdle
	next.UpdatedAt = now
	return next
}

// BeginStop marks a live session as awaiting its termination event.
func BeginStop(s *Session, now time.Time) (*Session, error) {
	if s.Kind != KindLive {
		return s, domain.ErrNotLive
	}
	switch s.Status {
	case StatusAwaitingTermination:
		return s, nil
	case StatusStarting, StatusRunning:
	default:
		return s, domain.ErrSessionNotActive
	}
	next := s.Clone()
	next.Status = StatusAwaitingTermination
	next.UpdatedAt = now
	return next, nil
}

// RevertStop undoes BeginStop after the stop command failed.
func RevertStop(s *Session, now time.Time) *Session {
	if s.Status != StatusAwaitingTermination {
		return s
	}
	next := s.Clone()
	next.Status = StatusRunning
	next.UpdatedAt = now
	return next
}

// MarkCancelled ends an active session at the user's request.
func MarkCancelled(s *Session, now time.Time) *Session {
	if !s.IsActive() {
		return s
	}
	next := s.Clone()
	next.Status = StatusCancelled
	next.UpdatedAt = now
	return next
}

// ForceClose ends an active session the server no longer knows about.
// Imports end cancelled, other kinds finished. No advisory is produced.
func ForceClose(s *Session, now time.Time) *Session {
	if !s.IsActive() {
		return s
	}
	next := s.Clone()
	if next.Kind == KindImport {
		next.Status = StatusCancelled
	} else {
		next.Status = StatusFinished
	}
	next.UpdatedAt = now
	return next
}

// NewRun hides the results of the previous run so the form can be edited
// for the next one.
func NewRun(s *Session, now time.Time) (*Session, error) {
	if s.IsActive() {
		return s, domain.ErrSessionActive
	}
	next := s.Clone()
	next.ShowResults = false
	if next.Status.IsTerminal() {
		next.Status = StatusIdle
	}
	next.UpdatedAt = now
	return next, nil
}

// WithForm replaces the form. Forms are frozen while a run is active.
func WithForm(s *Session, form Form, now time.Time) (*Session, error) {
	if s.IsActive() {
		return s, domain.ErrSessionActive
	}
	next := s.Clone()
	next.Form = form.Clone()
	next.UpdatedAt = now
	return next, nil
}

// WithLogs replaces both log buffers with a fetched history.
func WithLogs(s *Session, info, errs []LogLine, now time.Time) *Session {
	next := s.Clone()
	next.InfoLogs = slices.Clone(info)
	next.ErrorLogs = slices.Clone(errs)
	next.UpdatedAt = now
	return next
}

// WithCandles stores fetched candles for the selected route.
func WithCandles(s *Session, candles []events.Candle, now time.Time) *Session {
	next := s.Clone()
	next.Candles = candles
	next.UpdatedAt = now
	return next
}

func resetRun(s *Session) {
	s.Progress = Progress{}
	s.InfoLogs = nil
	s.ErrorLogs = nil
	s.Exception = nil
	s.Alert = nil
	s.CandlesInfo = nil
	s.RoutesInfo = nil
	s.GeneralInfo = nil
	s.Hyperparameters = nil
	s.Metrics = nil
	s.NoTrades = false
	s.EquityCurve = nil
	s.CurrentCandles = nil
	s.Watchlist = nil
	s.Positions = nil
	s.Orders = nil
	s.Candles = nil
	s.ShowResults = false
	s.UnexpectedlyTerminated = false
}
