// Package session holds the session model and its lifecycle transitions.
//
// A Session is a plain value. Transitions in machine.go take a session and
// return a modified copy; nothing in this package performs I/O.
package session

import (
	"fmt"
	"slices"
	"time"

	"github.com/brianly1003/runsync/internal/domain"
	"github.com/brianly1003/runsync/internal/domain/commands"
	"github.com/brianly1003/runsync/internal/domain/events"
)

// Kind is the type of run a session tracks.
type Kind string

const (
	KindBacktest Kind = "backtest"
	KindLive     Kind = "live"
	KindImport   Kind = "import"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindBacktest, KindLive, KindImport:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", domain.ErrUnknownKind, s)
}

// Status represents the lifecycle state of a session.
type Status string

const (
	StatusIdle                Status = "idle"
	StatusStarting            Status = "starting"
	StatusRunning             Status = "running"
	StatusAwaitingTermination Status = "awaiting_termination"
	StatusFinished            Status = "finished"
	StatusFailed              Status = "failed"
	StatusCancelled           Status = "cancelled"
)

// IsActive reports whether the server may be executing the session.
func (s Status) IsActive() bool {
	return s == StatusStarting || s == StatusRunning || s == StatusAwaitingTermination
}

// IsTerminal reports whether the status is sticky until a new start.
func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusCancelled
}

// Form holds the parameters submitted to start a run.
type Form struct {
	StartDate            string               `json:"start_date,omitempty" yaml:"start_date,omitempty"`
	FinishDate           string               `json:"finish_date,omitempty" yaml:"finish_date,omitempty"`
	Exchange             string               `json:"exchange" yaml:"exchange"`
	Symbol               string               `json:"symbol,omitempty" yaml:"symbol,omitempty"`
	Routes               []commands.Route     `json:"routes" yaml:"routes"`
	DataRoutes           []commands.DataRoute `json:"data_routes" yaml:"data_routes"`
	DebugMode            bool                 `json:"debug_mode" yaml:"debug_mode"`
	PaperMode            bool                 `json:"paper_mode" yaml:"paper_mode"`
	FastMode             bool                 `json:"fast_mode" yaml:"fast_mode"`
	Benchmark            bool                 `json:"benchmark" yaml:"benchmark"`
	ExportChart          bool                 `json:"export_chart" yaml:"export_chart"`
	ExportTradingView    bool                 `json:"export_tradingview" yaml:"export_tradingview"`
	ExportFullReports    bool                 `json:"export_full_reports" yaml:"export_full_reports"`
	ExportCSV            bool                 `json:"export_csv" yaml:"export_csv"`
	ExportJSON           bool                 `json:"export_json" yaml:"export_json"`
	ExchangeAPIKeyID     string               `json:"exchange_api_key_id,omitempty" yaml:"exchange_api_key_id,omitempty"`
	NotificationAPIKeyID string               `json:"notification_api_key_id,omitempty" yaml:"notification_api_key_id,omitempty"`
}

// Clone returns a deep copy of the form.
func (f Form) Clone() Form {
	f.Routes = slices.Clone(f.Routes)
	f.DataRoutes = slices.Clone(f.DataRoutes)
	return f
}

// Validate checks the static preconditions of a start command.
func (f Form) Validate(kind Kind) error {
	switch kind {
	case KindImport:
		if f.Exchange == "" {
			return domain.NewValidationError("exchange", "an exchange is required")
		}
		if f.Symbol == "" {
			return domain.NewValidationError("symbol", "a symbol is required")
		}
		return nil
	case KindBacktest, KindLive:
	default:
		return fmt.Errorf("%w: %q", domain.ErrUnknownKind, kind)
	}

	if f.Exchange == "" {
		return domain.NewValidationError("exchange", "an exchange is required")
	}
	if len(f.Routes) == 0 {
		return domain.NewValidationError("routes", domain.ErrNoRoutes.Error())
	}
	if kind == KindBacktest && f.FastMode && len(f.Routes) > 1 {
		return domain.NewValidationError("fast_mode", "For the moment, the fast mode can only be used with one trading route")
	}
	return nil
}

// Progress is the last reported progress of a run.
type Progress struct {
	Current                   float64 `json:"current"`
	EstimatedRemainingSeconds float64 `json:"estimated_remaining_seconds"`
}

// LogLine is one entry of a session log.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// String renders the line as "[HH:MM:SS] message".
func (l LogLine) String() string {
	return fmt.Sprintf("[%s] %s", l.Timestamp.UTC().Format("15:04:05"), l.Message)
}

// Exception is a run-time failure reported by the backend.
type Exception struct {
	Error     string `json:"error"`
	Traceback string `json:"traceback"`
}

// Alert is the last transient advisory reported by the backend.
type Alert struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Session is one backtest, live or import run tracked locally.
//
// Result fields are replaced wholesale by their events and never modified in
// place, so Clone shares them between copies.
type Session struct {
	ID     string `json:"id"`
	Kind   Kind   `json:"kind"`
	Form   Form   `json:"form"`
	Status Status `json:"status"`

	Progress  Progress   `json:"progress"`
	InfoLogs  []LogLine  `json:"info_logs,omitempty"`
	ErrorLogs []LogLine  `json:"error_logs,omitempty"`
	Exception *Exception `json:"exception,omitempty"`
	Alert     *Alert     `json:"alert,omitempty"`

	CandlesInfo     *events.CandlesInfoPayload    `json:"candles_info,omitempty"`
	RoutesInfo      events.RoutesInfoPayload      `json:"routes_info,omitempty"`
	GeneralInfo     *events.GeneralInfoPayload    `json:"general_info,omitempty"`
	Hyperparameters events.HyperparametersPayload `json:"hyperparameters,omitempty"`
	Metrics         *events.Metrics               `json:"metrics,omitempty"`
	NoTrades        bool                          `json:"no_trades,omitempty"`
	EquityCurve     events.EquityCurvePayload     `json:"equity_curve,omitempty"`
	CurrentCandles  events.CurrentCandlesPayload  `json:"current_candles,omitempty"`
	Watchlist       events.WatchlistPayload       `json:"watchlist,omitempty"`
	Positions       events.PositionsPayload       `json:"positions,omitempty"`
	Orders          events.OrdersPayload          `json:"orders,omitempty"`
	Candles         []events.Candle               `json:"candles,omitempty"`

	ShowResults            bool            `json:"show_results"`
	UnexpectedlyTerminated bool            `json:"unexpectedly_terminated,omitempty"`
	SelectedRoute          *commands.Route `json:"selected_route,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns a fresh idle session of the given kind with its default form.
func New(id string, kind Kind) (*Session, error) {
	switch kind {
	case KindBacktest:
		return NewBacktest(id), nil
	case KindLive:
		return NewLive(id), nil
	case KindImport:
		return NewImport(id), nil
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrUnknownKind, kind)
}

// NewBacktest returns a fresh backtest session.
func NewBacktest(id string) *Session {
	return newSession(id, KindBacktest, Form{
		StartDate:  "2024-01-01",
		FinishDate: "2024-03-01",
		Routes:     []commands.Route{},
		DataRoutes: []commands.DataRoute{},
		Benchmark:  true,
	})
}

// NewLive returns a fresh live session.
func NewLive(id string) *Session {
	return newSession(id, KindLive, Form{
		Routes:     []commands.Route{},
		DataRoutes: []commands.DataRoute{},
		DebugMode:  true,
		PaperMode:  true,
	})
}

// NewImport returns a fresh candle-import session.
func NewImport(id string) *Session {
	return newSession(id, KindImport, Form{
		StartDate: "2021-01-01",
	})
}

func newSession(id string, kind Kind, form Form) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		Kind:      kind,
		Form:      form,
		Status:    StatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	c := *s
	c.Form = s.Form.Clone()
	c.InfoLogs = slices.Clone(s.InfoLogs)
	c.ErrorLogs = slices.Clone(s.ErrorLogs)
	if s.Exception != nil {
		e := *s.Exception
		c.Exception = &e
	}
	if s.Alert != nil {
		a := *s.Alert
		c.Alert = &a
	}
	if s.SelectedRoute != nil {
		r := *s.SelectedRoute
		c.SelectedRoute = &r
	}
	return &c
}

// HasException reports whether the backend reported a failure for this run.
func (s *Session) HasException() bool {
	return s.Exception != nil && s.Exception.Error != ""
}

// IsActive reports whether the session is starting, running or stopping.
func (s *Session) IsActive() bool {
	return s.Status.IsActive()
}

// Removable reports whether the session may be closed. Live sessions that
// are active are kept unless the backend already reported an exception.
func (s *Session) Removable() bool {
	if !s.IsActive() {
		return true
	}
	return s.Kind == KindLive && s.HasException()
}
