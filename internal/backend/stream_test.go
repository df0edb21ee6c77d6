package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brianly1003/runsync/internal/domain/events"
	"github.com/gorilla/websocket"
)

type collector struct {
	mu   sync.Mutex
	envs []events.Envelope
}

func (c *collector) handle(_ context.Context, env events.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *collector) snapshot() []events.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Envelope(nil), c.envs...)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// wsServer sends messages to every connection and then hangs up.
func wsServer(t *testing.T, messages []string, auth *atomic.Value, conns *atomic.Int32) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth != nil {
			auth.Store(r.Header.Get("Authorization"))
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conns.Add(1)
		for _, m := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStream_DeliversEnvelopesInOrder(t *testing.T) {
	var auth atomic.Value
	var conns atomic.Int32
	srv := wsServer(t, []string{
		`{"id":"a","event":"backtest.progressbar","data":{"current":1}}`,
		`not json`,
		`{"id":"a","event":"info_log","data":{"timestamp":1,"message":"x"}}`,
		`{"id":"b","event":"termination"}`,
	}, &auth, &conns)

	c := &collector{}
	s := NewStream(wsURL(srv), "tok", []int{10}, c.handle, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, func() bool { return len(c.snapshot()) >= 3 }, "envelopes")
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}

	got := c.snapshot()[:3]
	wantEvents := []string{"backtest.progressbar", "info_log", "termination"}
	for i, env := range got {
		if env.Event != wantEvents[i] {
			t.Errorf("envelope %d = %s, want %s", i, env.Event, wantEvents[i])
		}
	}
	if got[2].ID != "b" {
		t.Errorf("last id = %s, want b", got[2].ID)
	}
	if auth.Load() != "Bearer tok" {
		t.Errorf("Authorization = %v", auth.Load())
	}
}

func TestStream_ReconnectsAndCallsOnConnect(t *testing.T) {
	var conns atomic.Int32
	srv := wsServer(t, []string{`{"id":"a","event":"progress","data":{"current":1}}`}, nil, &conns)

	c := &collector{}
	s := NewStream(wsURL(srv), "", []int{5, 10}, c.handle, nil)
	var connects atomic.Int32
	s.OnConnect = func(context.Context) { connects.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, func() bool { return connects.Load() >= 3 }, "reconnects")
	cancel()
	<-done

	if conns.Load() < 3 {
		t.Errorf("server saw %d connections, want at least 3", conns.Load())
	}
	if s.IsConnected() {
		t.Error("IsConnected() = true after Run returned")
	}
}

func TestStream_RetriesWhenServerIsDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	s := NewStream(url, "", []int{5}, (&collector{}).handle, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := s.Run(ctx); err != nil {
		t.Errorf("Run() error = %v, want nil after cancellation", err)
	}
}

func TestStream_Delay(t *testing.T) {
	s := NewStream("ws://unused", "", []int{100, 200}, nil, nil)
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{5, 200 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := s.delay(tt.attempt); got != tt.want {
			t.Errorf("delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
