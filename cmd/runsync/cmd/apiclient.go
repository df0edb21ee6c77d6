package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brianly1003/runsync/internal/config"
	"github.com/brianly1003/runsync/internal/reconcile"
	"github.com/brianly1003/runsync/internal/server/sessionhttp"
	"github.com/brianly1003/runsync/internal/session"
)

const apiTimeout = 60 * time.Second

// apiError is a non-2xx answer from the control API.
type apiError struct {
	Status  int
	Code    string
	Message string
	// ID is set when start-new created a copy before failing.
	ID string
}

func (e *apiError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s (session %s)", e.Message, e.ID)
	}
	return e.Message
}

// apiClient talks to a running daemon's control API.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: apiTimeout},
	}
}

// resolveAPIURL returns --api when set, otherwise the address the daemon
// would bind from the loaded config.
func resolveAPIURL(cfg *config.Config) string {
	if apiURL != "" {
		return apiURL
	}
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
}

func clientFromConfig() (*apiClient, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return newAPIClient(resolveAPIURL(cfg)), nil
}

func (c *apiClient) ListSessions(ctx context.Context, kind string) ([]*session.Session, error) {
	path := "/api/sessions"
	if kind != "" {
		path += "?kind=" + url.QueryEscape(kind)
	}
	var out struct {
		Sessions []*session.Session `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *apiClient) GetSession(ctx context.Context, id string) (*session.Session, error) {
	return c.sessionCall(ctx, http.MethodGet, "", id, nil)
}

func (c *apiClient) CreateSession(ctx context.Context, kind session.Kind, form *session.Form) (*session.Session, error) {
	body := map[string]any{"kind": kind}
	if form != nil {
		body["form"] = form
	}
	var out session.Session
	if err := c.do(ctx, http.MethodPost, "/api/sessions", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) RemoveSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(id), nil, nil)
}

func (c *apiClient) SetForm(ctx context.Context, id string, form session.Form) (*session.Session, error) {
	return c.sessionCall(ctx, http.MethodPut, "form", id, form)
}

// SessionAction posts to one of the per-session actions: duplicate, start,
// start-new, cancel or stop.
func (c *apiClient) SessionAction(ctx context.Context, id, action string) (*session.Session, error) {
	return c.sessionCall(ctx, http.MethodPost, action, id, nil)
}

func (c *apiClient) Reconcile(ctx context.Context) (reconcile.Report, error) {
	var report reconcile.Report
	err := c.do(ctx, http.MethodPost, "/api/reconcile", nil, &report)
	return report, err
}

func (c *apiClient) sessionCall(ctx context.Context, method, action, id string, body any) (*session.Session, error) {
	path := "/api/sessions/" + url.PathEscape(id)
	if action != "" {
		path += "/" + action
	}
	var out session.Session
	if err := c.do(ctx, method, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("control API unreachable at %s (is `runsync start` running?): %w", c.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var errResp sessionhttp.ErrorResponse
		if json.Unmarshal(raw, &errResp) != nil || errResp.Error == "" {
			errResp.Error = strings.TrimSpace(string(raw))
			if errResp.Error == "" {
				errResp.Error = resp.Status
			}
		}
		return &apiError{
			Status:  resp.StatusCode,
			Code:    errResp.Code,
			Message: errResp.Error,
			ID:      errResp.ID,
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
