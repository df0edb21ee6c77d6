package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/brianly1003/runsync/internal/domain/events"
	"github.com/brianly1003/runsync/internal/metrics"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// DefaultBackoff is the reconnect schedule in milliseconds. The last delay
// repeats until the stream is stopped.
var DefaultBackoff = []int{500, 1000, 2000, 5000, 10000}

// EnvelopeHandler receives every envelope read from the stream, in order.
type EnvelopeHandler func(ctx context.Context, env events.Envelope) error

// Stream reads push events from the backend websocket and reconnects when
// the connection drops.
type Stream struct {
	url     string
	token   string
	backoff []int
	handler EnvelopeHandler
	dialer  *websocket.Dialer
	metrics *metrics.Metrics

	// OnConnect runs after every successful dial, including the first.
	// Events may have been missed while disconnected, so callers usually
	// reconcile here.
	OnConnect func(ctx context.Context)

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

// NewStream creates a stream. backoff is in milliseconds; nil uses
// DefaultBackoff. m may be nil.
func NewStream(url, token string, backoff []int, handler EnvelopeHandler, m *metrics.Metrics) *Stream {
	if len(backoff) == 0 {
		backoff = DefaultBackoff
	}
	return &Stream{
		url:     url,
		token:   token,
		backoff: backoff,
		handler: handler,
		metrics: m,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// IsConnected reports whether a connection is currently open.
func (s *Stream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Run connects and reads until ctx is cancelled. Connection failures are
// retried with backoff and never returned.
func (s *Stream) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := s.connect(ctx)
		if err == nil {
			attempt = 0
			if s.OnConnect != nil {
				s.OnConnect(ctx)
			}
			err = s.read(ctx)
		}
		if ctx.Err() != nil {
			return nil
		}

		delay := s.delay(attempt)
		log.Warn().Err(err).Dur("retry_in", delay).Int("attempt", attempt+1).Msg("push stream disconnected")
		attempt++

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		s.metrics.Reconnect()
	}
}

func (s *Stream) delay(attempt int) time.Duration {
	if attempt >= len(s.backoff) {
		attempt = len(s.backoff) - 1
	}
	return time.Duration(s.backoff[attempt]) * time.Millisecond
}

func (s *Stream) connect(ctx context.Context) error {
	headers := http.Header{}
	if s.token != "" {
		headers.Set("Authorization", "Bearer "+s.token)
	}

	conn, _, err := s.dialer.DialContext(ctx, s.url, headers)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	log.Info().Str("url", s.url).Msg("push stream connected")
	return nil
}

// read consumes messages until the connection fails or ctx ends.
func (s *Stream) read(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.connected = false
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env events.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Warn().Err(err).Msg("failed to parse push message")
			continue
		}
		if err := s.handler(ctx, env); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			log.Error().Err(err).Str("session_id", env.ID).Str("event", env.Event).Msg("push event handler failed")
		}
	}
}
