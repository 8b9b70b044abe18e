// Package app wires the fanout components together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"fanout/internal/api"
	"fanout/internal/config"
	"fanout/internal/database"
	"fanout/internal/hub"
	"fanout/internal/observability"
	"fanout/internal/presence"
	"fanout/internal/ratelimit"
	"fanout/internal/router"
	"fanout/internal/store"
	"fanout/internal/websocket"
	dbconfig "fanout/pkg/database"
	"fanout/pkg/interfaces"
)

// ReasonServerRestart closes journal sessions left open by a previous process.
const ReasonServerRestart = "server_restart"

// Application holds every component of one fanout process.
type Application struct {
	cfg    *config.Config
	logger zerolog.Logger

	rdb       *redis.Client
	tracker   *presence.Tracker
	limiter   *ratelimit.Limiter
	registry  *websocket.Registry
	router    *router.Router
	hub       *hub.Hub
	journal   *database.Manager
	wsHandler *websocket.Handler
	api       *api.Server

	httpServer   *http.Server
	listener     net.Listener
	otelShutdown observability.ShutdownFunc

	cancel      context.CancelFunc
	janitorDone chan struct{}
}

// NewApplication builds the component graph in dependency order:
// tracing, store, presence, rate limiting, registry, router, hub, journal,
// websocket handler, HTTP. Anything opened before a failure is closed again.
func NewApplication(ctx context.Context, cfg *config.Config, logger zerolog.Logger, version string) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &Application{cfg: cfg, logger: logger}

	shutdown, err := observability.SetupOTel(ctx, *cfg.OTEL, version)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}
	a.otelShutdown = shutdown

	rdb, err := store.NewRedisClient(ctx, cfg.Redis)
	switch {
	case errors.Is(err, store.ErrUnreachable):
		// Limiting falls back to memory and presence calls fail until the
		// client reconnects.
		logger.Warn().Err(err).Msg("redis unreachable at startup, continuing degraded")
	case err != nil:
		a.closeResources(ctx)
		return nil, err
	}
	a.rdb = rdb

	a.tracker = presence.NewTracker(rdb, presence.Options{
		OnlineTTL:        cfg.Presence.OnlineTTL,
		OfflineRetention: cfg.Presence.OfflineRetention,
		StatusTTL:        cfg.Presence.StatusTTL,
	}, logger)

	a.limiter = ratelimit.New(rdb, ratelimit.Options{
		Slack:            cfg.RateLimit.KeySlack,
		StoreTimeout:     cfg.RateLimit.StoreTimeout,
		PenalizeDenied:   cfg.RateLimit.PenalizeDenied,
		MaxEntriesPerKey: cfg.RateLimit.MaxEntriesPerKey,
	}, logger)

	var apiPolicy *ratelimit.DifferentiatedPolicy
	var connectPolicy *ratelimit.FlatPolicy
	if cfg.RateLimit.Enabled {
		apiPolicy, err = ratelimit.NewDifferentiatedPolicy(a.limiter,
			ratelimit.Window{Quota: cfg.RateLimit.AuthenticatedQuota, Length: cfg.RateLimit.Window},
			ratelimit.Window{Quota: cfg.RateLimit.AnonymousQuota, Length: cfg.RateLimit.Window},
		)
		if err == nil {
			connectPolicy, err = ratelimit.NewFlatPolicy(a.limiter,
				ratelimit.Window{Quota: cfg.RateLimit.Quota, Length: cfg.RateLimit.Window})
		}
		if err != nil {
			a.closeResources(ctx)
			return nil, fmt.Errorf("invalid rate limit policy: %w", err)
		}
	}

	a.registry = websocket.NewRegistry(websocket.RegistryOptions{
		Presence:        a.tracker,
		PresenceTimeout: cfg.Presence.CallTimeout,
	}, logger)

	a.router = router.NewRouter(a.registry, a.tracker, router.Options{
		FrameRate:  cfg.WebSocket.FrameRate,
		FrameBurst: cfg.WebSocket.FrameBurst,
	}, logger)

	a.hub = hub.NewHub(a.router, hub.Options{Replies: a.registry}, logger)

	// An untyped nil keeps "journal disabled" detectable behind the interface.
	var journal interfaces.ConnectionJournal
	if cfg.Journal.Enabled {
		dbCfg := dbconfig.DefaultConfig()
		dbCfg.DatabasePath = cfg.Journal.Path
		dbCfg.ConnMaxLifetime = cfg.Journal.Timeout
		dbCfg.ConnMaxIdleTime = cfg.Journal.Timeout / 3

		m, err := database.NewManager(ctx, dbCfg, logger)
		if err != nil {
			a.closeResources(ctx)
			return nil, fmt.Errorf("failed to open connection journal: %w", err)
		}
		a.journal = m
		journal = m

		if n, err := m.CloseOpenSessions(ctx, time.Now().UTC(), ReasonServerRestart); err != nil {
			logger.Warn().Err(err).Msg("failed to settle sessions from previous run")
		} else if n > 0 {
			logger.Info().Int64("sessions", n).Msg("settled sessions from previous run")
		}
	}

	a.wsHandler = websocket.NewHandler(a.registry, a.hub, websocket.HandlerOptions{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		Connection: websocket.ConnectionOptions{
			BufferSize:   cfg.WebSocket.BufferSize,
			WriteTimeout: cfg.WebSocket.WriteTimeout,
		},
		Journal:        journal,
		JournalTimeout: cfg.Presence.CallTimeout,
	}, logger)

	serviceName := ""
	if cfg.OTEL.Enabled {
		serviceName = cfg.OTEL.ServiceName
	}
	a.api = api.NewServer(api.Deps{
		Presence:      a.tracker,
		Registry:      a.registry,
		Journal:       journal,
		WebSocket:     a.wsHandler,
		StoreCheck:    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		APIPolicy:     apiPolicy,
		ConnectPolicy: connectPolicy,
	}, api.Options{ServiceName: serviceName}, logger)

	a.httpServer = &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      a.api.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return a, nil
}

// Start starts the hub and the janitor, binds the listener and serves in the
// background. The listener is bound before Start returns.
func (a *Application) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	if err := a.hub.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start hub: %w", err)
	}

	ln, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		cancel()
		_ = a.hub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", a.httpServer.Addr, err)
	}
	a.listener = ln
	a.cancel = cancel

	a.janitorDone = make(chan struct{})
	go a.janitor(runCtx)

	go func() {
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	a.logger.Info().Str("addr", ln.Addr().String()).Msg("fanout listening")
	return nil
}

// janitor periodically expires stale presence and trims in-process state.
func (a *Application) janitor(ctx context.Context) {
	defer close(a.janitorDone)

	ticker := time.NewTicker(a.cfg.Presence.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

func (a *Application) sweep(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, a.cfg.Presence.CleanupInterval)
	defer cancel()

	stale, err := a.tracker.CleanupStale(cctx, a.cfg.Presence.StaleAfter)
	if err != nil {
		a.logger.Warn().Err(err).Msg("stale presence cleanup failed")
	}
	keys := a.limiter.Prune()
	buckets := a.router.Throttle().Cleanup()
	transitions := a.registry.PruneTransitions(time.Now().UTC().Add(-a.cfg.Presence.StaleAfter))

	a.logger.Debug().
		Int("stale_users", stale).
		Int("ratelimit_keys", keys).
		Int("throttle_buckets", buckets).
		Int("transitions", transitions).
		Msg("janitor sweep")
}

// Stop shuts down in reverse dependency order: HTTP, connections, hub,
// janitor, journal, store, tracing. Errors are logged and the first is
// returned after every step has run.
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info().Msg("shutting down")
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("http shutdown")
		keep(err)
	}

	if err := a.wsHandler.Drain(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("websocket handlers did not finish")
		keep(err)
	}

	if err := a.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		a.logger.Warn().Err(err).Msg("hub stop")
		keep(err)
	}
	if a.cancel != nil {
		a.cancel()
		<-a.janitorDone
	}

	a.closeResources(ctx)
	a.logger.Info().Msg("shutdown complete")
	return firstErr
}

func (a *Application) closeResources(ctx context.Context) {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("journal close")
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("redis close")
		}
	}
	if a.otelShutdown != nil {
		if err := a.otelShutdown(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("tracer shutdown")
		}
	}
}

// Addr is the bound listen address once started, else the configured one.
func (a *Application) Addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.httpServer.Addr
}
