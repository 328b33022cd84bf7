package presence

import (
	"context"
	"log/slog"
	"time"

	v1 "murmur/shared/contracts/realtime/v1"

	"github.com/google/uuid"
)

// Status is a derived presence state. It is never stored.
type Status string

// Presence states.
const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// Tracker derives presence from the registry's heartbeat timestamps.
type Tracker struct {
	log *slog.Logger
	reg *Registry
}

// NewTracker constructs a Tracker over reg.
func NewTracker(log *slog.Logger, reg *Registry) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{log: log, reg: reg}
}

// Heartbeat refreshes the user's record.
// A heartbeat for a user without a record is dropped silently.
func (t *Tracker) Heartbeat(userID string) bool {
	return t.reg.Touch(userID)
}

// StatusOf computes the user's state from the age of the last heartbeat.
func (t *Tracker) StatusOf(userID string) Status {
	rec, ok := t.reg.Get(userID)
	if !ok {
		return StatusOffline
	}
	return t.statusAt(rec, t.reg.now())
}

func (t *Tracker) statusAt(rec Record, now time.Time) Status {
	age := now.Sub(rec.LastHeartbeatAt)
	cfg := t.reg.cfg

	switch {
	case age <= cfg.OnlineWindow:
		return StatusOnline
	case cfg.AwayWindow > 0 && age <= cfg.AwayWindow:
		return StatusAway
	default:
		return StatusOffline
	}
}

// PollHeartbeat is the HTTP polling fallback signal.
//
// It refreshes an existing record, or registers a transport-less connection so a
// polling client shares the same presence model as WebSocket clients. It reports
// whether the user transitioned from offline to online.
func (t *Tracker) PollHeartbeat(userID string) bool {
	registered, wasFresh := t.reg.TouchOrRegister(userID, func() Conn { return newPollConn() })
	return registered || !wasFresh
}

// RunReaper evicts stale records every sweep interval until ctx is done.
// onEvict is called outside the registry lock for each evicted record.
func (t *Tracker) RunReaper(ctx context.Context, onEvict func(Record)) error {
	every := t.reg.cfg.SweepInterval
	tick := time.NewTicker(every)
	defer tick.Stop()

	t.log.Info("presence.reaper.start", "interval", every, "offline_after", t.reg.cfg.OfflineAfter())

	for {
		select {
		case <-ctx.Done():
			t.log.Info("presence.reaper.stop")
			return nil
		case <-tick.C:
			for _, rec := range t.reg.Sweep() {
				t.log.Info("presence.evict", "user_id", rec.UserID, "conn_id", rec.Conn.ID())
				rec.Conn.Close()
				if onEvict != nil {
					onEvict(rec)
				}
			}
		}
	}
}

// pollConn stands in for a client that only polls over HTTP.
// It cannot receive pushes, so messages addressed to it stay undelivered
// in the conversation store until fetched.
type pollConn struct {
	id string
}

func newPollConn() pollConn {
	return pollConn{id: "poll-" + uuid.NewString()}
}

func (p pollConn) ID() string             { return p.id }
func (p pollConn) Send(v1.Envelope) bool { return false }
func (p pollConn) Close()                 {}

// IsPollConn reports whether c is a polling placeholder connection.
func IsPollConn(c Conn) bool {
	_, ok := c.(pollConn)
	return ok
}
