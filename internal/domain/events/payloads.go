package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/brianly1003/runsync/internal/domain/commands"
)

// ProgressPayload is the payload for progress events.
type ProgressPayload struct {
	Current                   float64 `json:"current"`
	EstimatedRemainingSeconds float64 `json:"estimated_remaining_seconds"`
}

// LogPayload is the payload for info_log and error_log events. Timestamp is
// in milliseconds since the epoch.
type LogPayload struct {
	ID        string `json:"id,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

// ExceptionPayload is the payload for exception events.
type ExceptionPayload struct {
	Error     string `json:"error"`
	Traceback string `json:"traceback"`
}

// CandlesInfoPayload describes the candle range a run covers.
type CandlesInfoPayload struct {
	Duration      string  `json:"duration"`
	StartingTime  int64   `json:"starting_time"`
	FinishingTime int64   `json:"finishing_time"`
	Exchange      string  `json:"exchange"`
	ExchangeType  string  `json:"exchange_type"`
	Leverage      float64 `json:"leverage,omitempty"`
	LeverageMode  string  `json:"leverage_mode,omitempty"`
}

// RouteInfo is one row of a routes_info event.
type RouteInfo struct {
	Exchange     string `json:"exchange,omitempty"`
	Symbol       string `json:"symbol"`
	Timeframe    string `json:"timeframe"`
	StrategyName string `json:"strategy_name"`
}

// RoutesInfoPayload is the payload for routes_info events.
type RoutesInfoPayload []RouteInfo

// GeneralInfoPayload is the payload for general_info events. For live runs
// Routes is what the server is actually running.
type GeneralInfoPayload struct {
	SessionID         string           `json:"session_id,omitempty"`
	StartedAt         int64            `json:"started_at"`
	CurrentTime       int64            `json:"current_time,omitempty"`
	StartedBalance    float64          `json:"started_balance,omitempty"`
	CurrentBalance    float64          `json:"current_balance,omitempty"`
	DebugMode         bool             `json:"debug_mode,omitempty"`
	PaperMode         bool             `json:"paper_mode,omitempty"`
	CountErrorLogs    int              `json:"count_error_logs,omitempty"`
	CountInfoLogs     int              `json:"count_info_logs,omitempty"`
	CountActiveOrders int              `json:"count_active_orders,omitempty"`
	OpenPositions     int              `json:"open_positions,omitempty"`
	Routes            []commands.Route `json:"routes,omitempty"`
}

// Hyperparameter is a name/value pair. On the wire it is a two element array.
type Hyperparameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// UnmarshalJSON accepts ["name", value] with a string or numeric value.
func (h *Hyperparameter) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		var obj struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		}
		if err2 := json.Unmarshal(data, &obj); err2 != nil {
			return err
		}
		h.Name, h.Value = obj.Name, obj.Value
		return nil
	}
	if len(pair) != 2 {
		return fmt.Errorf("hyperparameter: expected 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &h.Name); err != nil {
		return err
	}
	var s string
	if err := json.Unmarshal(pair[1], &s); err == nil {
		h.Value = s
	} else {
		h.Value = strings.TrimSpace(string(pair[1]))
	}
	return nil
}

// HyperparametersPayload is the payload for hyperparameters events.
type HyperparametersPayload []Hyperparameter

// Metrics are the performance figures of a run.
type Metrics struct {
	Total                       int     `json:"total"`
	TotalWinningTrades          int     `json:"total_winning_trades"`
	TotalLosingTrades           int     `json:"total_losing_trades"`
	TotalOpenTrades             int     `json:"total_open_trades"`
	StartingBalance             float64 `json:"starting_balance"`
	FinishingBalance            float64 `json:"finishing_balance"`
	NetProfit                   float64 `json:"net_profit"`
	NetProfitPercentage         float64 `json:"net_profit_percentage"`
	Fee                         float64 `json:"fee"`
	MaxDrawdown                 float64 `json:"max_drawdown"`
	AnnualReturn                float64 `json:"annual_return"`
	Expectancy                  float64 `json:"expectancy"`
	ExpectancyPercentage        float64 `json:"expectancy_percentage"`
	AverageWin                  float64 `json:"average_win"`
	AverageLoss                 float64 `json:"average_loss"`
	RatioAvgWinLoss             float64 `json:"ratio_avg_win_loss"`
	WinRate                     float64 `json:"win_rate"`
	LongsPercentage             float64 `json:"longs_percentage"`
	ShortsPercentage            float64 `json:"shorts_percentage"`
	AverageHoldingPeriod        float64 `json:"average_holding_period"`
	AverageWinningHoldingPeriod float64 `json:"average_winning_holding_period"`
	AverageLosingHoldingPeriod  float64 `json:"average_losing_holding_period"`
	SharpeRatio                 float64 `json:"sharpe_ratio"`
	CalmarRatio                 float64 `json:"calmar_ratio"`
	SortinoRatio                float64 `json:"sortino_ratio"`
	OmegaRatio                  float64 `json:"omega_ratio"`
	WinningStreak               int     `json:"winning_streak"`
	LosingStreak                int     `json:"losing_streak"`
	LargestWinningTrade         float64 `json:"largest_winning_trade"`
	LargestLosingTrade          float64 `json:"largest_losing_trade"`
}

// MetricsPayload is the payload for metrics events. A nil Metrics means no
// trades were executed.
type MetricsPayload struct {
	Metrics *Metrics `json:"metrics"`
}

// EquityPoint is one sample of an equity curve.
type EquityPoint struct {
	Time  int64   `json:"time"`
	Value float64 `json:"value"`
}

// EquitySeries is one named line of the equity chart.
type EquitySeries struct {
	Name  string        `json:"name"`
	Color string        `json:"color,omitempty"`
	Data  []EquityPoint `json:"data"`
}

// EquityCurvePayload is the payload for equity_curve events.
type EquityCurvePayload []EquitySeries

// Candle is an OHLCV record.
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	Close  float64 `json:"close"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Volume float64 `json:"volume"`
}

// CurrentCandlesPayload maps "exchange-symbol" keys to the forming candle.
type CurrentCandlesPayload map[string]Candle

// WatchlistPayload is a list of label/value rows.
type WatchlistPayload [][2]string

// Position is one open (or just closed) position of a live run.
type Position struct {
	Type             string  `json:"type"`
	StrategyName     string  `json:"strategy_name,omitempty"`
	Symbol           string  `json:"symbol"`
	Leverage         float64 `json:"leverage,omitempty"`
	OpenedAt         int64   `json:"opened_at,omitempty"`
	Qty              float64 `json:"qty"`
	Value            float64 `json:"value"`
	Entry            float64 `json:"entry"`
	CurrentPrice     float64 `json:"current_price"`
	LiquidationPrice float64 `json:"liquidation_price,omitempty"`
	PNL              float64 `json:"pnl"`
	PNLPercentage    float64 `json:"pnl_perc"`
	Currency         string  `json:"currency,omitempty"`
}

// PositionsPayload is the payload for positions events.
type PositionsPayload []Position

// Order is one order of a live run.
type Order struct {
	ID         string  `json:"id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Type       string  `json:"type"`
	Qty        float64 `json:"qty"`
	Price      float64 `json:"price"`
	Status     string  `json:"status"`
	CreatedAt  int64   `json:"created_at"`
	CanceledAt int64   `json:"canceled_at,omitempty"`
	ExecutedAt int64   `json:"executed_at,omitempty"`
}

// OrdersPayload is the payload for orders events.
type OrdersPayload []Order

// AlertPayload is a transient, non-fatal advisory from the server.
type AlertPayload struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// NotificationPayload asks the client to notify the user.
type NotificationPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// TerminationPayload is the (empty) payload of termination events.
type TerminationPayload struct{}

// UnexpectedTerminationPayload is the (empty) payload of
// unexpected_termination events.
type UnexpectedTerminationPayload struct{}

func (ProgressPayload) isPayload()              {}
func (LogPayload) isPayload()                   {}
func (ExceptionPayload) isPayload()             {}
func (CandlesInfoPayload) isPayload()           {}
func (RoutesInfoPayload) isPayload()            {}
func (GeneralInfoPayload) isPayload()           {}
func (HyperparametersPayload) isPayload()       {}
func (MetricsPayload) isPayload()               {}
func (EquityCurvePayload) isPayload()           {}
func (CurrentCandlesPayload) isPayload()        {}
func (WatchlistPayload) isPayload()             {}
func (PositionsPayload) isPayload()             {}
func (OrdersPayload) isPayload()                {}
func (AlertPayload) isPayload()                 {}
func (NotificationPayload) isPayload()          {}
func (TerminationPayload) isPayload()           {}
func (UnexpectedTerminationPayload) isPayload() {}

// Time converts a millisecond timestamp to UTC time.
func (p LogPayload) Time() time.Time {
	return time.UnixMilli(p.Timestamp).UTC()
}

// AdvisoryPayload carries a user-facing advisory on the local feed.
type AdvisoryPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// SessionUpdatedPayload summarizes a session after a change. Removed is set
// when the session left the registry.
type SessionUpdatedPayload struct {
	Kind                   string  `json:"kind,omitempty"`
	Status                 string  `json:"status,omitempty"`
	Progress               float64 `json:"progress"`
	ShowResults            bool    `json:"show_results"`
	UnexpectedlyTerminated bool    `json:"unexpectedly_terminated,omitempty"`
	Removed                bool    `json:"removed,omitempty"`
}

func (AdvisoryPayload) isPayload()       {}
func (SessionUpdatedPayload) isPayload() {}
