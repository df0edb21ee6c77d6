// Package ports defines the interfaces the core depends on. Adapters in
// internal/backend, internal/store and internal/hub implement them.
package ports

import (
	"context"

	"github.com/brianly1003/runsync/internal/domain/commands"
	"github.com/brianly1003/runsync/internal/domain/events"
)

// CommandClient issues commands to the compute backend. A non-success
// response is returned as a *domain.TransportError.
type CommandClient interface {
	StartBacktest(ctx context.Context, req commands.StartBacktestRequest) error
	CancelBacktest(ctx context.Context, id string) error

	StartLive(ctx context.Context, req commands.StartLiveRequest) error
	// CancelLive is used both to cancel a booting session and to stop a
	// running one.
	CancelLive(ctx context.Context, id string, paperMode bool) error

	ImportCandles(ctx context.Context, req commands.ImportCandlesRequest) error
	CancelImport(ctx context.Context, id string) error

	// GetLogs returns the log lines of one stream in server order.
	GetLogs(ctx context.Context, req commands.GetLogsRequest) ([]events.LogPayload, error)

	// GetCandles returns OHLCV records for one route.
	GetCandles(ctx context.Context, req commands.GetCandlesRequest) ([]events.Candle, error)

	// ActiveWorkers returns the ids the server is currently executing.
	ActiveWorkers(ctx context.Context) (map[string]struct{}, error)
}
