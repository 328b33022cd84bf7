// Package realtime contains murmur's WebSocket gateway.
package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"murmur/cmd/identity"
	"murmur/cmd/internal/conversation"
	"murmur/cmd/internal/friends"
	"murmur/cmd/internal/messaging"
	"murmur/cmd/internal/metrics"
	"murmur/cmd/internal/notify"
	"murmur/cmd/internal/presence"
	v1 "murmur/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// Config holds transport policy. Zero values fall back to defaults.
type Config struct {
	OriginRequired     bool
	AllowedOrigins     []string
	InsecureSkipVerify bool

	SendQueueSize   int
	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	PingInterval    time.Duration
	PingTimeout     time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultConfig requires an Origin and allows only localhost.
func DefaultConfig() Config {
	return Config{
		OriginRequired:  true,
		AllowedOrigins:  []string{"http://localhost", "http://127.0.0.1"},
		SendQueueSize:   wsDefaultSendQueueSize,
		WriteTimeout:    wsDefaultWriteTimeout,
		ReadIdleTimeout: wsDefaultReadIdle,
		PingInterval:    wsDefaultPingInterval,
		PingTimeout:     wsDefaultPingTimeout,
		RateEvents:      rateLimitEvents,
		RateWindow:      rateLimitWindow,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = d.PingTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// Deps are the domain components the gateway drives.
type Deps struct {
	Users         *identity.Directory
	Registry      *presence.Registry
	Tracker       *presence.Tracker
	Conversations *conversation.Store
	Router        *messaging.Router
	Friends       *friends.Coordinator
	Notifier      *notify.Notifier
	Metrics       *metrics.Metrics
}

// WSGateway is the WebSocket entrypoint.
//
// It enforces origin policy, subprotocol selection, rate limits and the login
// handshake, then routes validated envelopes to the domain components.
type WSGateway struct {
	log    *slog.Logger
	cfg    Config
	origin originPolicy
	Deps
}

// NewWSGateway constructs a gateway.
func NewWSGateway(log *slog.Logger, cfg Config, deps Deps) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &WSGateway{
		log:    log,
		cfg:    cfg,
		origin: newOriginPolicy(cfg.OriginRequired, cfg.AllowedOrigins),
		Deps:   deps,
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// session is the per-connection state owned by the read loop.
type session struct {
	client *Client
	userID string
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.origin.check(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.origin.patterns,
		InsecureSkipVerify: g.cfg.InsecureSkipVerify,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	client := NewClient(g.cfg.SendQueueSize, g.Metrics.EventDropped)
	s := &session{client: client}
	log := g.log.With("conn_id", client.ID())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	// The writer drains the queue. When the client is closed from outside (session
	// replaced, presence eviction) it flushes what is queued and ends the session.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		flush := func() bool {
			for {
				env, ok := client.next()
				if !ok {
					return true
				}
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return false
				}
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Wake():
				if !flush() {
					return
				}
			case <-client.Done():
				flush()
				shutdown(websocket.StatusPolicyViolation, "session closed")
				return
			}
		}
	}()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)

		t := time.NewTicker(g.cfg.PingInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				pctx, pcancel := context.WithTimeout(ctx, g.cfg.PingTimeout)
				err := conn.Ping(pctx)
				pcancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "ping failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.sendError(s, codeBadJSON, "invalid JSON", "")
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now()) {
			g.sendError(s, codeRateLimited, "too many events", env.ID)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(s, codeBadEnvelope, err.Error(), env.ID)
			continue readLoop
		}
		g.Metrics.WSEvent(env.Type)

		if s.userID == "" && env.Type != v1.TypeLogin {
			g.sendError(s, codeNotLoggedIn, "login first", env.ID)
			continue readLoop
		}

		if err := g.dispatch(ctx, s, env); err != nil {
			g.sendAppError(s, err, env.ID)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	g.disconnect(context.WithoutCancel(r.Context()), s)
	<-writerDone

	select {
	case <-pingDone:
	case <-time.After(wsCloseGrace):
	}
}

// disconnect unregisters the session. A session that was replaced or evicted no
// longer owns the record, so nothing is broadcast for it.
func (g *WSGateway) disconnect(ctx context.Context, s *session) {
	if s.userID == "" {
		return
	}
	rec, removed := g.Registry.Unregister(s.client.ID())
	g.Metrics.SetConnectionsOnline(g.Registry.Len())
	if !removed {
		g.log.Info("ws.disconnect.stale", "user_id", s.userID, "conn_id", s.client.ID())
		return
	}
	g.BroadcastOffline(ctx, rec.UserID)
	g.log.Info("ws.disconnect", "user_id", rec.UserID, "conn_id", s.client.ID())
}

// BroadcastOnline tells every other online user that userID came online.
func (g *WSGateway) BroadcastOnline(ctx context.Context, userID string) {
	p := v1.PresencePayload{UserID: userID}
	if u, err := g.Users.Get(ctx, userID); err == nil {
		w := u.ToWire()
		p.User = &w
	}
	g.Notifier.Broadcast(userID, v1.TypeUserOnline, p)
}

// BroadcastOffline tells every other online user that userID went offline.
func (g *WSGateway) BroadcastOffline(_ context.Context, userID string) {
	g.Notifier.Broadcast(userID, v1.TypeUserOffline, v1.PresencePayload{UserID: userID})
}
