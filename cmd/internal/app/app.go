// Package app wires the murmur server runtime: config, logging, HTTP routes, the
// realtime gateway and the stores behind them.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"murmur/cmd/identity"
	"murmur/cmd/internal/conversation"
	"murmur/cmd/internal/fallback"
	"murmur/cmd/internal/friends"
	"murmur/cmd/internal/messaging"
	"murmur/cmd/internal/metrics"
	"murmur/cmd/internal/notify"
	"murmur/cmd/internal/presence"
	"murmur/cmd/internal/realtime"
	"murmur/cmd/security/password"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// App is the murmur server runtime. Every store is constructed here and passed
// down explicitly.
type App struct {
	cfg Config
	log Logger

	users    *identity.Directory
	registry *presence.Registry
	tracker  *presence.Tracker
	convs    *conversation.Store
	router   *messaging.Router
	friends  *friends.Coordinator
	notifier *notify.Notifier
	metrics  *metrics.Metrics

	kv     fallback.Store
	mirror *fallback.Mirror
	dbPool *pgxpool.Pool

	ws *realtime.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	hasher, err := password.FromEnv()
	if err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}

	users := identity.NewDirectory()
	reg := presence.NewRegistry(presence.Config{
		OnlineWindow:  cfg.PresenceOnlineWindow,
		AwayWindow:    cfg.PresenceAwayWindow,
		SweepInterval: cfg.PresenceSweepInterval,
	})
	tracker := presence.NewTracker(log, reg)
	n := notify.New(log, reg, m)
	convs := conversation.NewStore(hasher)
	router := messaging.NewRouter(log, convs, users, n, m)
	coord := friends.NewCoordinator(log, users, convs, n, m)

	openCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	kv, pool, err := newFallbackStore(openCtx, cfg, log)
	if err != nil {
		return nil, err
	}
	mirror := fallback.NewMirror(log, kv, convs, coord)
	n.OnChange(mirror.Refresh)

	ws := realtime.NewWSGateway(log, realtime.Config{
		OriginRequired:     cfg.WSOriginRequired,
		AllowedOrigins:     cfg.WSAllowedOrigins,
		InsecureSkipVerify: cfg.WSInsecureSkipVerify,
		SendQueueSize:      cfg.WSSendQueue,
		WriteTimeout:       cfg.WSWriteTimeout,
		ReadIdleTimeout:    cfg.WSReadIdleTimeout,
		PingInterval:       cfg.WSPingInterval,
		RateEvents:         cfg.WSRateEvents,
		RateWindow:         cfg.WSRateWindow,
	}, realtime.Deps{
		Users:         users,
		Registry:      reg,
		Tracker:       tracker,
		Conversations: convs,
		Router:        router,
		Friends:       coord,
		Notifier:      n,
		Metrics:       m,
	})

	return &App{
		cfg:      cfg,
		log:      log,
		users:    users,
		registry: reg,
		tracker:  tracker,
		convs:    convs,
		router:   router,
		friends:  coord,
		notifier: n,
		metrics:  m,
		kv:       kv,
		mirror:   mirror,
		dbPool:   pool,
		ws:       ws,
	}, nil
}

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)
	return WithRequestLogging(WithSecurityHeaders(WithCORS(mux, a.cfg, a.log)), a.log)
}

// Run serves HTTP and runs the presence reaper until ctx is cancelled or one of
// them fails. Resources are released before it returns.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}
	// Hijacked WebSocket connections are not tracked by Shutdown.
	srv.RegisterOnShutdown(func() { a.closeSessions() })

	base, ws := endpoints(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", ws,
		"fallback", a.cfg.FallbackBackend,
		"reaper", a.cfg.PresenceReaper,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	if a.cfg.PresenceReaper {
		g.Go(func() error {
			return a.tracker.RunReaper(gctx, func(rec presence.Record) {
				a.metrics.SetConnectionsOnline(a.registry.Len())
				a.ws.BroadcastOffline(gctx, rec.UserID)
			})
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
}

// Close releases the fallback backend and the database pool.
func (a *App) Close() {
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			a.log.Error("fallback.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

// closeSessions drops every registry record and closes its connection.
func (a *App) closeSessions() int {
	recs := a.registry.Clear()
	for _, rec := range recs {
		rec.Conn.Close()
	}
	a.metrics.SetConnectionsOnline(a.registry.Len())
	return len(recs)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// endpoints returns the HTTP base URL and the realtime endpoint a local client
// should use for the listen address.
func endpoints(addr string) (base, ws string) {
	base = runtimeBaseURL(addr)
	return base, wsBaseURL(base) + "/ws"
}

// runtimeBaseURL turns a listen address into a URL a local client can reach.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
