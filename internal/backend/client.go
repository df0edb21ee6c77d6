// Package backend talks to the compute backend: JSON commands over HTTP and
// push events over a websocket.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/brianly1003/runsync/internal/domain"
	"github.com/brianly1003/runsync/internal/domain/commands"
	"github.com/brianly1003/runsync/internal/domain/events"
	"github.com/brianly1003/runsync/internal/domain/ports"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds a single command round trip.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of a failure body is read.
const maxErrorBody = 64 << 10

// Client posts commands to the backend REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for baseURL. An empty token sends no
// Authorization header.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// dataResponse is the envelope of query responses.
type dataResponse[T any] struct {
	Data T `json:"data"`
}

func (c *Client) StartBacktest(ctx context.Context, req commands.StartBacktestRequest) error {
	return c.post(ctx, commands.CommandStartBacktest, req, nil)
}

func (c *Client) CancelBacktest(ctx context.Context, id string) error {
	return c.post(ctx, commands.CommandCancelBacktest, commands.CancelRequest{ID: id}, nil)
}

func (c *Client) StartLive(ctx context.Context, req commands.StartLiveRequest) error {
	return c.post(ctx, commands.CommandStartLive, req, nil)
}

func (c *Client) CancelLive(ctx context.Context, id string, paperMode bool) error {
	return c.post(ctx, commands.CommandCancelLive, commands.CancelRequest{ID: id, PaperMode: &paperMode}, nil)
}

func (c *Client) ImportCandles(ctx context.Context, req commands.ImportCandlesRequest) error {
	return c.post(ctx, commands.CommandImportCandles, req, nil)
}

func (c *Client) CancelImport(ctx context.Context, id string) error {
	return c.post(ctx, commands.CommandCancelImport, commands.CancelRequest{ID: id}, nil)
}

func (c *Client) GetLogs(ctx context.Context, req commands.GetLogsRequest) ([]events.LogPayload, error) {
	var resp dataResponse[[]events.LogPayload]
	if err := c.post(ctx, commands.CommandGetLogs, req, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) GetCandles(ctx context.Context, req commands.GetCandlesRequest) ([]events.Candle, error) {
	var resp dataResponse[[]events.Candle]
	if err := c.post(ctx, commands.CommandGetCandles, req, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// ActiveWorkers returns the ids of every run the backend is executing.
func (c *Client) ActiveWorkers(ctx context.Context) (map[string]struct{}, error) {
	var resp dataResponse[[]string]
	if err := c.post(ctx, commands.CommandActiveWorkers, struct{}{}, &resp); err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(resp.Data))
	for _, id := range resp.Data {
		set[id] = struct{}{}
	}
	return set, nil
}

// post sends body to the command's endpoint and decodes a 2xx response into
// out when out is non-nil. Every failure is a *domain.TransportError.
func (c *Client) post(ctx context.Context, op commands.CommandType, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return domain.NewTransportError(string(op), 0, "", fmt.Errorf("encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+op.Path(), bytes.NewReader(payload))
	if err != nil {
		return domain.NewTransportError(string(op), 0, "", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("command", string(op)).Msg("backend unreachable")
		return domain.NewTransportError(string(op), 0, "", err)
	}
	defer resp.Body.Close()

	log.Debug().
		Str("command", string(op)).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("backend command")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return domain.NewTransportError(string(op), resp.StatusCode, strings.TrimSpace(commands.ParseErrorResponse(data)), nil)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.NewTransportError(string(op), resp.StatusCode, "", fmt.Errorf("decode response: %w", err))
	}
	return nil
}

var _ ports.CommandClient = (*Client)(nil)
