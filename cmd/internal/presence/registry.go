// Package presence tracks which users are connected and derives their online status
// from heartbeat recency.
package presence

import (
	"sort"
	"sync"
	"time"

	v1 "murmur/shared/contracts/realtime/v1"
)

// Conn is a live transport connection as seen by the registry.
//
// Send must never block; it reports whether the envelope was accepted for delivery.
// Close is idempotent.
type Conn interface {
	ID() string
	Send(env v1.Envelope) bool
	Close()
}

// Record binds a user to its current connection.
type Record struct {
	UserID          string
	Conn            Conn
	ConnectedAt     time.Time
	LastHeartbeatAt time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry maps a user to at most one live connection.
//
// Concurrency:
//   - One RWMutex guards both indexes; every mutation is a single critical section.
//   - Snapshots (AllOnline, Lookup) may be stale by the time callers act on them.
//
// A new Register for the same user replaces the prior record (last writer wins);
// Unregister only removes a record whose connection id still matches, so a late
// disconnect from a replaced connection is a no-op.
type Registry struct {
	cfg Config
	now func() time.Time

	mu     sync.RWMutex
	byUser map[string]*Record
	byConn map[string]string
}

// NewRegistry constructs a Registry with normalized thresholds.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	r := &Registry{
		cfg:    cfg.normalize(),
		now:    func() time.Time { return time.Now().UTC() },
		byUser: make(map[string]*Record),
		byConn: make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register binds conn to userID, replacing any existing record.
// It returns the prior record so callers may notify or close the previous connection.
func (r *Registry) Register(userID string, conn Conn) (Record, bool) {
	if userID == "" || conn == nil {
		return Record{}, false
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	// A connection re-announcing as a different user drops its old binding.
	if uid, ok := r.byConn[conn.ID()]; ok && uid != userID {
		delete(r.byUser, uid)
	}

	var prior Record
	replaced := false
	if old, ok := r.byUser[userID]; ok {
		prior = *old
		replaced = true
		delete(r.byConn, old.Conn.ID())
	}

	r.byUser[userID] = &Record{
		UserID:          userID,
		Conn:            conn,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
	}
	r.byConn[conn.ID()] = userID

	return prior, replaced
}

// Unregister removes the record owned by connID. Unknown ids are a no-op.
func (r *Registry) Unregister(connID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	uid, ok := r.byConn[connID]
	if !ok {
		return Record{}, false
	}
	delete(r.byConn, connID)

	rec, ok := r.byUser[uid]
	if !ok || rec.Conn.ID() != connID {
		return Record{}, false
	}
	delete(r.byUser, uid)
	return *rec, true
}

// Lookup returns the user's connection if the record exists and is not stale.
func (r *Registry) Lookup(userID string) (Conn, bool) {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byUser[userID]
	if !ok || r.stale(rec, now) {
		return nil, false
	}
	return rec.Conn, true
}

// Get returns the raw record regardless of staleness.
func (r *Registry) Get(userID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byUser[userID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// UserFor returns the user bound to connID.
func (r *Registry) UserFor(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	uid, ok := r.byConn[connID]
	return uid, ok
}

// Touch refreshes the heartbeat timestamp. Returns false when no record exists.
func (r *Registry) Touch(userID string) bool {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byUser[userID]
	if !ok {
		return false
	}
	rec.LastHeartbeatAt = now
	return true
}

// TouchOrRegister refreshes userID's record, or binds mk() when none exists, in
// one critical section. A connection registered concurrently is never replaced.
// registered reports whether mk's connection was bound; wasFresh reports whether
// an existing record was fresh before the touch.
func (r *Registry) TouchOrRegister(userID string, mk func() Conn) (registered, wasFresh bool) {
	if userID == "" || mk == nil {
		return false, false
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.byUser[userID]; ok {
		wasFresh = !r.stale(rec, now)
		rec.LastHeartbeatAt = now
		return false, wasFresh
	}

	conn := mk()
	r.byUser[userID] = &Record{
		UserID:          userID,
		Conn:            conn,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
	}
	r.byConn[conn.ID()] = userID
	return true, false
}

// IsFresh reports whether rec would still read as connected now.
func (r *Registry) IsFresh(rec Record) bool {
	if rec.Conn == nil {
		return false
	}
	return !r.stale(&rec, r.now())
}

// AllOnline returns a sorted snapshot of users with non-stale records.
func (r *Registry) AllOnline() []string {
	now := r.now()

	r.mu.RLock()
	out := make([]string, 0, len(r.byUser))
	for uid, rec := range r.byUser {
		if !r.stale(rec, now) {
			out = append(out, uid)
		}
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Len returns the number of records, stale or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// OnlineCount returns the number of non-stale records.
func (r *Registry) OnlineCount() int {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, rec := range r.byUser {
		if !r.stale(rec, now) {
			n++
		}
	}
	return n
}

// Sweep evicts stale records and returns them.
func (r *Registry) Sweep() []Record {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []Record
	for uid, rec := range r.byUser {
		if !r.stale(rec, now) {
			continue
		}
		delete(r.byUser, uid)
		delete(r.byConn, rec.Conn.ID())
		evicted = append(evicted, *rec)
	}
	return evicted
}

// Clear removes every record and returns them so callers can close the connections.
func (r *Registry) Clear() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.byUser))
	for _, rec := range r.byUser {
		out = append(out, *rec)
	}
	r.byUser = make(map[string]*Record)
	r.byConn = make(map[string]string)
	return out
}

func (r *Registry) stale(rec *Record, now time.Time) bool {
	return now.Sub(rec.LastHeartbeatAt) > r.cfg.OfflineAfter()
}
