// Package notify builds realtime envelopes and pushes them to connected users.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"murmur/cmd/identity/ids"
	"murmur/cmd/internal/metrics"
	"murmur/cmd/internal/presence"
	v1 "murmur/shared/contracts/realtime/v1"
)

// Connections resolves users to live connections.
type Connections interface {
	Lookup(userID string) (presence.Conn, bool)
	AllOnline() []string
}

// Notifier is the single outbound path for server-initiated events.
// Pushes never block; an event for an offline user is simply not sent.
type Notifier struct {
	log     *slog.Logger
	conns   Connections
	metrics *metrics.Metrics
	now     func() time.Time

	hookMu sync.RWMutex
	hook   ChangeFunc
}

// ChangeFunc is told which users' visible state changed.
type ChangeFunc func(ctx context.Context, userIDs ...string)

// New constructs a Notifier.
func New(log *slog.Logger, conns Connections, m *metrics.Metrics) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		log:     log,
		conns:   conns,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Envelope builds a server event with a fresh id and timestamp.
func (n *Notifier) Envelope(typ string, payload any) (v1.Envelope, error) {
	now := n.now()
	id, err := ids.NewULID(now)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.New(typ, id, payload, now)
}

// Push sends an event to userID if the user is online.
// It reports whether the event was accepted by the connection's queue.
func (n *Notifier) Push(userID, typ string, payload any) bool {
	c, ok := n.conns.Lookup(userID)
	if !ok {
		return false
	}
	return n.PushConn(c, typ, payload)
}

// PushConn sends an event to a specific connection.
func (n *Notifier) PushConn(c presence.Conn, typ string, payload any) bool {
	env, err := n.Envelope(typ, payload)
	if err != nil {
		n.log.Error("notify.envelope.failed", "type", typ, "err", err)
		return false
	}
	if !c.Send(env) {
		if !presence.IsPollConn(c) {
			n.metrics.EventDropped(typ)
			n.log.Debug("notify.dropped", "type", typ, "conn_id", c.ID())
		}
		return false
	}
	return true
}

// Broadcast sends an event to every online user except exceptUserID.
// It returns the number of connections that accepted it.
func (n *Notifier) Broadcast(exceptUserID, typ string, payload any) int {
	env, err := n.Envelope(typ, payload)
	if err != nil {
		n.log.Error("notify.envelope.failed", "type", typ, "err", err)
		return 0
	}

	sent := 0
	for _, uid := range n.conns.AllOnline() {
		if uid == exceptUserID {
			continue
		}
		c, ok := n.conns.Lookup(uid)
		if !ok {
			continue
		}
		if c.Send(env) {
			sent++
		} else if !presence.IsPollConn(c) {
			n.metrics.EventDropped(typ)
		}
	}
	return sent
}

// OnChange installs the hook invoked by Changed. A nil fn disables it.
func (n *Notifier) OnChange(fn ChangeFunc) {
	n.hookMu.Lock()
	n.hook = fn
	n.hookMu.Unlock()
}

// Changed reports a state change for userIDs to the installed hook.
func (n *Notifier) Changed(ctx context.Context, userIDs ...string) {
	n.hookMu.RLock()
	fn := n.hook
	n.hookMu.RUnlock()

	if fn != nil && len(userIDs) > 0 {
		fn(ctx, userIDs...)
	}
}
