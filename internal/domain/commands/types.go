// Package commands defines the command request bodies sent to the compute backend.
package commands

import "encoding/json"

// CommandType is the backend endpoint a command is posted to.
type CommandType string

const (
	CommandStartBacktest  CommandType = "backtest"
	CommandCancelBacktest CommandType = "cancel-backtest"
	CommandStartLive      CommandType = "live"
	CommandCancelLive     CommandType = "cancel-live"
	CommandImportCandles  CommandType = "import-candles"
	CommandCancelImport   CommandType = "cancel-import-candles"
	CommandGetLogs        CommandType = "get-logs"
	CommandGetCandles     CommandType = "get-candles"
	CommandActiveWorkers  CommandType = "active-workers"
)

// Path returns the URL path for the command.
func (c CommandType) Path() string {
	return "/" + string(c)
}

// Route is a trading route: one strategy on one symbol/timeframe.
type Route struct {
	Exchange  string `json:"exchange,omitempty" yaml:"exchange,omitempty"`
	Symbol    string `json:"symbol" yaml:"symbol"`
	Timeframe string `json:"timeframe" yaml:"timeframe"`
	Strategy  string `json:"strategy" yaml:"strategy"`
}

// DataRoute is an extra candle feed made available to strategies.
type DataRoute struct {
	Exchange  string `json:"exchange,omitempty" yaml:"exchange,omitempty"`
	Symbol    string `json:"symbol" yaml:"symbol"`
	Timeframe string `json:"timeframe" yaml:"timeframe"`
}

// StartBacktestRequest is the body of the backtest command.
type StartBacktestRequest struct {
	ID                string          `json:"id"`
	Exchange          string          `json:"exchange"`
	Routes            []Route         `json:"routes"`
	DataRoutes        []DataRoute     `json:"data_routes"`
	Config            json.RawMessage `json:"config,omitempty"`
	StartDate         string          `json:"start_date"`
	FinishDate        string          `json:"finish_date"`
	DebugMode         bool            `json:"debug_mode"`
	ExportCSV         bool            `json:"export_csv"`
	ExportChart       bool            `json:"export_chart"`
	ExportTradingView bool            `json:"export_tradingview"`
	ExportFullReports bool            `json:"export_full_reports"`
	ExportJSON        bool            `json:"export_json"`
	FastMode          bool            `json:"fast_mode"`
	Benchmark         bool            `json:"benchmark"`
}

// StartLiveRequest is the body of the live command.
type StartLiveRequest struct {
	ID                   string          `json:"id"`
	Exchange             string          `json:"exchange"`
	ExchangeAPIKeyID     string          `json:"exchange_api_key_id"`
	NotificationAPIKeyID string          `json:"notification_api_key_id"`
	Routes               []Route         `json:"routes"`
	DataRoutes           []DataRoute     `json:"data_routes"`
	Config               json.RawMessage `json:"config,omitempty"`
	DebugMode            bool            `json:"debug_mode"`
	PaperMode            bool            `json:"paper_mode"`
}

// ImportCandlesRequest is the body of the import-candles command.
type ImportCandlesRequest struct {
	ID        string `json:"id"`
	Exchange  string `json:"exchange"`
	Symbol    string `json:"symbol"`
	StartDate string `json:"start_date"`
}

// CancelRequest is the body of the cancel commands. PaperMode is only sent
// for live sessions.
type CancelRequest struct {
	ID        string `json:"id"`
	PaperMode *bool  `json:"paper_mode,omitempty"`
}

// LogType selects the log stream for get-logs.
type LogType string

const (
	LogTypeInfo  LogType = "info"
	LogTypeError LogType = "error"
)

// GetLogsRequest is the body of the get-logs command.
type GetLogsRequest struct {
	ID        string  `json:"id"`
	Type      LogType `json:"type"`
	StartTime int64   `json:"start_time"`
}

// GetCandlesRequest is the body of the get-candles command.
type GetCandlesRequest struct {
	ID        string `json:"id"`
	Exchange  string `json:"exchange"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

// ErrorResponse is the body returned by the backend on failure.
type ErrorResponse struct {
	Message string `json:"message"`
}

// ParseErrorResponse extracts the server message from a failure body. Bodies
// that are not JSON are returned verbatim.
func ParseErrorResponse(data []byte) string {
	var resp ErrorResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return string(data)
	}
	return resp.Message
}
