// Package sessionhttp provides the local control API: a REST surface over the
// session registry plus a websocket feed of advisories and session updates.
package sessionhttp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/brianly1003/runsync/internal/domain"
	"github.com/brianly1003/runsync/internal/domain/ports"
	"github.com/brianly1003/runsync/internal/reconcile"
	"github.com/brianly1003/runsync/internal/server/feed"
	"github.com/brianly1003/runsync/internal/server/middleware"
	"github.com/brianly1003/runsync/internal/session"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Sessions is the registry surface the API drives.
type Sessions interface {
	List() []*session.Session
	Get(id string) (*session.Session, error)
	Create(kind session.Kind) (string, error)
	Duplicate(id string) (string, error)
	Remove(id string) error
	SetForm(id string, form session.Form) error
	Start(ctx context.Context, id string) error
	StartInNew(ctx context.Context, id string) (string, error)
	Cancel(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
}

// Reconciler runs one reconciliation pass.
type Reconciler interface {
	Run(ctx context.Context) (reconcile.Report, error)
}

// Server is the control API server.
type Server struct {
	sessions   Sessions
	reconciler Reconciler
	hub        ports.EventHub
	metrics    http.Handler
	logger     *slog.Logger

	origins      *middleware.OriginChecker
	limiter      *middleware.RateLimiter
	upgrader     websocket.Upgrader
	pprofEnabled bool
	startTime    time.Time

	addr       string
	httpServer *http.Server

	mu          sync.RWMutex
	connections int
}

// Option configures a Server.
type Option func(*Server)

// WithAllowedOrigins lets browser pages from these origins use the API and
// the feed in addition to localhost.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.origins = middleware.NewOriginChecker(origins)
	}
}

// WithCommandLimiter throttles the endpoints that send commands to the
// backend.
func WithCommandLimiter(l *middleware.RateLimiter) Option {
	return func(s *Server) {
		s.limiter = l
	}
}

// NewServer creates a control API server. metrics may be nil.
func NewServer(
	addr string,
	sessions Sessions,
	reconciler Reconciler,
	hub ports.EventHub,
	metrics http.Handler,
	logger *slog.Logger,
	opts ...Option,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		sessions:   sessions,
		reconciler: reconciler,
		hub:        hub,
		metrics:    metrics,
		logger:     logger,
		addr:       addr,
		origins:    middleware.NewOriginChecker(nil),
		startTime:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.CheckOrigin,
	}
	return s
}

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		router.Handle("/metrics", s.metrics).Methods("GET")
	}

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/sessions", s.handleCreateSession).Methods("POST")
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.handleRemoveSession).Methods("DELETE")
	api.HandleFunc("/sessions/{id}/duplicate", s.handleDuplicate).Methods("POST")
	api.HandleFunc("/sessions/{id}/form", s.handleSetForm).Methods("PUT")
	api.Handle("/sessions/{id}/start", s.command(s.handleStart)).Methods("POST")
	api.Handle("/sessions/{id}/start-new", s.command(s.handleStartNew)).Methods("POST")
	api.Handle("/sessions/{id}/cancel", s.command(s.handleCancel)).Methods("POST")
	api.Handle("/sessions/{id}/stop", s.command(s.handleStop)).Methods("POST")
	api.Handle("/reconcile", s.command(s.handleReconcile)).Methods("POST")

	router.HandleFunc("/ws", s.handleWebSocket)
	s.registerDebug(router)

	return s.origins.CORS(s.logRequests(router))
}

// command wraps handlers that reach the backend with the command limiter.
func (s *Server) command(h http.HandlerFunc) http.Handler {
	if s.limiter == nil {
		return h
	}
	return middleware.RateLimit(s.limiter, middleware.RemoteIP)(h)
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("Starting control API", "addr", ln.Addr().String())

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Control API error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Stopping control API")
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	conns := s.connections
	s.mu.RUnlock()

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"service":          "runsync",
		"sessions":         len(s.sessions.List()),
		"feed_subscribers": s.hub.SubscriberCount(),
		"feed_connections": conns,
		"timestamp":        time.Now().Unix(),
	})
}

// handleListSessions handles GET /api/sessions
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := s.sessions.List()
	if kind := r.URL.Query().Get("kind"); kind != "" {
		filtered := list[:0]
		for _, sess := range list {
			if string(sess.Kind) == kind {
				filtered = append(filtered, sess)
			}
		}
		list = filtered
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": list,
	})
}

type createRequest struct {
	Kind string        `json:"kind"`
	Form *session.Form `json:"form,omitempty"`
}

// handleCreateSession handles POST /api/sessions
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err))
		return
	}
	kind, err := session.ParseKind(req.Kind)
	if err != nil {
		s.respondError(w, err)
		return
	}

	id, err := s.sessions.Create(kind)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if req.Form != nil {
		if err := s.sessions.SetForm(id, *req.Form); err != nil {
			s.respondError(w, err)
			return
		}
	}
	s.respondSession(w, http.StatusCreated, id)
}

// handleGetSession handles GET /api/sessions/{id}
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s.respondSession(w, http.StatusOK, mux.Vars(r)["id"])
}

// handleRemoveSession handles DELETE /api/sessions/{id}
func (s *Server) handleRemoveSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.sessions.Remove(id); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"id":      id,
		"removed": true,
	})
}

// handleDuplicate handles POST /api/sessions/{id}/duplicate
func (s *Server) handleDuplicate(w http.ResponseWriter, r *http.Request) {
	newID, err := s.sessions.Duplicate(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondSession(w, http.StatusCreated, newID)
}

// handleSetForm handles PUT /api/sessions/{id}/form
func (s *Server) handleSetForm(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var form session.Form
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		s.respondError(w, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err))
		return
	}
	if err := s.sessions.SetForm(id, form); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondSession(w, http.StatusOK, id)
}

// handleStart handles POST /api/sessions/{id}/start
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.sessions.Start(r.Context(), id); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondSession(w, http.StatusOK, id)
}

// handleStartNew handles POST /api/sessions/{id}/start-new
func (s *Server) handleStartNew(w http.ResponseWriter, r *http.Request) {
	newID, err := s.sessions.StartInNew(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		// The copy stays in the registry even when its start fails.
		s.respondErrorWithID(w, err, newID)
		return
	}
	s.respondSession(w, http.StatusCreated, newID)
}

// handleCancel handles POST /api/sessions/{id}/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.sessions.Cancel(r.Context(), id); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondSession(w, http.StatusOK, id)
}

// handleStop handles POST /api/sessions/{id}/stop
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.sessions.Stop(r.Context(), id); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondSession(w, http.StatusOK, id)
}

// handleReconcile handles POST /api/reconcile
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.reconciler.Run(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

// handleWebSocket handles GET /ws
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade WebSocket", "error", err)
		return
	}

	client := feed.NewClient(conn, func(id string) {
		s.hub.Unsubscribe(id)
		s.mu.Lock()
		s.connections--
		s.mu.Unlock()
		s.logger.Info("Feed client disconnected", "client_id", id)
	})

	s.mu.Lock()
	s.connections++
	s.mu.Unlock()

	s.hub.Subscribe(client.Subscriber())
	client.Start()
	s.logger.Info("Feed client connected", "client_id", client.ID())
}

func (s *Server) respondSession(w http.ResponseWriter, status int, id string) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, status, sess)
}

// respondJSON sends a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	ID    string `json:"id,omitempty"`
}

// respondError maps err to a status code and sends it.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	s.respondErrorWithID(w, err, "")
}

func (s *Server) respondErrorWithID(w http.ResponseWriter, err error, id string) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("Request failed", "error", err, "status", status)
	}
	s.respondJSON(w, status, ErrorResponse{
		Error: domain.AdvisoryMessage(err),
		Code:  domain.ErrorCode(err),
		ID:    id,
	})
}

// StatusFor maps a domain error to an HTTP status.
func StatusFor(err error) int {
	var ve *domain.ValidationError
	var te *domain.TransportError
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSessionActive), errors.Is(err, domain.ErrSessionNotActive):
		return http.StatusConflict
	case errors.As(err, &ve),
		errors.Is(err, domain.ErrNotLive),
		errors.Is(err, domain.ErrNoRoutes),
		errors.Is(err, domain.ErrUnknownKind),
		errors.Is(err, domain.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.As(err, &te):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if r.URL.Path == "/ws" {
			return
		}
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}
