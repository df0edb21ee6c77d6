// Package app orchestrates all components of runsync.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/brianly1003/runsync/internal/backend"
	"github.com/brianly1003/runsync/internal/config"
	"github.com/brianly1003/runsync/internal/domain/events"
	"github.com/brianly1003/runsync/internal/hub"
	"github.com/brianly1003/runsync/internal/metrics"
	"github.com/brianly1003/runsync/internal/reconcile"
	"github.com/brianly1003/runsync/internal/registry"
	"github.com/brianly1003/runsync/internal/router"
	"github.com/brianly1003/runsync/internal/server/middleware"
	"github.com/brianly1003/runsync/internal/server/sessionhttp"
	"github.com/brianly1003/runsync/internal/session"
	"github.com/brianly1003/runsync/internal/store"
	"github.com/brianly1003/runsync/internal/watcher"
	"github.com/lmittmann/tint"
	"github.com/rs/zerolog/log"
)

// saveSuppress is how long the state watcher ignores the database after
// this process writes it.
const saveSuppress = 2 * time.Second

// App is the main application struct that orchestrates all components.
type App struct {
	cfg     *config.Config
	version string

	// Core components
	hub          *hub.Hub
	metrics      *metrics.Metrics
	store        *store.SQLiteStore
	client       *backend.Client
	registry     *registry.Registry
	router       *router.Router
	reconciler   *reconcile.Service
	stream       *backend.Stream
	stateWatcher *watcher.StateWatcher
	apiServer    *sessionhttp.Server
	limiter      *middleware.RateLimiter
	persister    *persistingObserver

	// Coalesces reconcile requests from reconnects and the watcher.
	reconcileRequests chan struct{}

	startTime time.Time
	loaded    bool
	workers   sync.WaitGroup

	// Lifecycle
	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
}

// reconcilerFunc adapts App.Reconcile for the control API.
type reconcilerFunc func(ctx context.Context) (reconcile.Report, error)

func (f reconcilerFunc) Run(ctx context.Context) (reconcile.Report, error) {
	return f(ctx)
}

// New wires every component from cfg. It opens the state database but
// starts nothing.
func New(cfg *config.Config, version string) (*App, error) {
	backtestSettings, liveSettings, err := cfg.Settings.JSON()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	a := &App{
		cfg:               cfg,
		version:           version,
		hub:               hub.New(),
		metrics:           metrics.New(),
		store:             st,
		reconcileRequests: make(chan struct{}, 1),
	}
	a.hub.OnDrop = func(events.Event) { a.metrics.Dropped() }
	a.persister = newPersistingObserver(a.hub, saveDebounce, a.save)

	a.client = backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.Token,
		time.Duration(cfg.Backend.TimeoutSeconds)*time.Second)

	a.registry = registry.New(a.client,
		registry.WithStore(st),
		registry.WithObserver(a.persister),
		registry.WithMetrics(a.metrics),
		registry.WithSettings(registry.Settings{Backtest: backtestSettings, Live: liveSettings}),
	)

	a.router = router.New(a.registry, a.hub, a.metrics, router.Config{
		InboxSize:   cfg.Router.InboxSize,
		DefaultKind: session.Kind(cfg.Router.DefaultKind),
	})

	a.reconciler = reconcile.New(a.client, a.registry, a.metrics)

	a.stream = backend.NewStream(cfg.Backend.WSURL, cfg.Backend.Token,
		cfg.Backend.ReconnectBackoffMS, a.router.Submit, a.metrics)
	a.stream.OnConnect = func(context.Context) { a.requestReconcile() }

	if cfg.Reconcile.WatchState {
		a.stateWatcher = watcher.New(cfg.Storage.Path,
			time.Duration(cfg.Reconcile.DebounceMS)*time.Millisecond,
			func(context.Context) { a.requestReconcile() })
	}

	if cfg.Server.Enabled {
		opts := []sessionhttp.Option{
			sessionhttp.WithAllowedOrigins(cfg.Server.AllowedOrigins),
			sessionhttp.WithPprof(cfg.Server.Pprof),
		}
		if cfg.Server.CommandRatePerMinute > 0 {
			a.limiter = middleware.NewRateLimiter(
				middleware.WithPerMinute(cfg.Server.CommandRatePerMinute),
				middleware.WithBurst(cfg.Server.CommandBurst),
			)
			opts = append(opts, sessionhttp.WithCommandLimiter(a.limiter))
		}
		a.apiServer = sessionhttp.NewServer(cfg.Server.Addr(), a.registry, reconcilerFunc(a.Reconcile),
			a.hub, a.metrics.Handler(), newServerLogger(cfg.Logging.Level), opts...)
	}

	return a, nil
}

// newServerLogger builds the slog logger used by the control API.
func newServerLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "trace", "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      logLevel,
		TimeFormat: time.Kitchen,
	}))
}

// Start starts the application and blocks until ctx is cancelled.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("application is already running")
	}
	a.running = true
	a.startTime = time.Now()
	ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()

	if err := a.hub.Start(); err != nil {
		return fmt.Errorf("failed to start event hub: %w", err)
	}

	a.hub.Subscribe(hub.NewLogSubscriber("internal-logger", func(event events.Event) {
		log.Trace().
			Str("event", string(event.Type())).
			Str("session_id", event.GetSessionID()).
			Msg("feed event")
	}))

	if err := a.registry.Load(ctx); err != nil {
		_ = a.shutdown()
		return fmt.Errorf("failed to load sessions: %w", err)
	}
	a.loaded = true
	log.Info().Int("sessions", a.registry.Len()).Str("path", a.store.Path()).Msg("sessions loaded")

	// Nothing consumes push events until the startup pass is done.
	if a.cfg.Reconcile.OnStart {
		if _, err := a.Reconcile(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("startup reconciliation failed")
		}
	}

	a.goWorker(func() { a.router.Run(ctx) })
	a.goWorker(func() { a.reconcileLoop(ctx) })
	a.goWorker(func() { _ = a.stream.Run(ctx) })

	if a.stateWatcher != nil {
		if err := a.stateWatcher.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("state watcher unavailable; external edits will not trigger reconciliation")
		}
	}

	if a.apiServer != nil {
		if err := a.apiServer.Start(); err != nil {
			_ = a.shutdown()
			return fmt.Errorf("failed to start control API: %w", err)
		}
	}

	log.Info().
		Str("version", a.version).
		Str("backend", a.cfg.Backend.BaseURL).
		Bool("api", a.apiServer != nil).
		Msg("runsync started")

	<-ctx.Done()

	return a.shutdown()
}

func (a *App) goWorker(fn func()) {
	a.workers.Add(1)
	go func() {
		defer a.workers.Done()
		fn()
	}()
}

// requestReconcile schedules a pass. Requests made while one is pending
// collapse into it.
func (a *App) requestReconcile() {
	select {
	case a.reconcileRequests <- struct{}{}:
	default:
	}
}

func (a *App) reconcileLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.reconcileRequests:
			if _, err := a.Reconcile(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("reconciliation failed")
			}
		}
	}
}

// Reconcile runs one pass and persists the result.
func (a *App) Reconcile(ctx context.Context) (reconcile.Report, error) {
	report, err := a.reconciler.Run(ctx)
	if err != nil {
		return report, err
	}
	if len(report.Closed) > 0 || len(report.Refreshed) > 0 {
		if err := a.save(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to persist sessions after reconciliation")
		}
	}
	return report, nil
}

func (a *App) save(ctx context.Context) error {
	if a.stateWatcher != nil {
		a.stateWatcher.Suppress(saveSuppress)
	}
	return a.registry.Save(ctx)
}

// shutdown performs graceful shutdown of all components.
func (a *App) shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return nil
	}
	a.running = false

	log.Info().Msg("shutting down...")
	a.cancel()

	if a.apiServer != nil {
		if err := a.apiServer.Stop(context.Background()); err != nil {
			log.Error().Err(err).Msg("error stopping control API")
		}
	}
	if a.limiter != nil {
		a.limiter.Close()
	}

	if a.stateWatcher != nil {
		if err := a.stateWatcher.Stop(); err != nil {
			log.Error().Err(err).Msg("error stopping state watcher")
		}
	}

	a.workers.Wait()
	a.router.Wait()
	a.persister.Stop()

	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var saveErr error
	if a.loaded {
		if err := a.registry.Save(saveCtx); err != nil {
			saveErr = fmt.Errorf("failed to persist sessions: %w", err)
			log.Error().Err(err).Msg("error saving sessions")
		}
	}

	if err := a.store.Close(); err != nil {
		log.Error().Err(err).Msg("error closing state database")
	}

	if err := a.hub.Stop(); err != nil {
		log.Error().Err(err).Msg("error stopping event hub")
	}

	log.Info().Dur("uptime", time.Since(a.startTime)).Msg("shutdown complete")
	return saveErr
}

// Registry returns the session registry.
func (a *App) Registry() *registry.Registry {
	return a.registry
}
