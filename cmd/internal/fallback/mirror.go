package fallback

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"murmur/cmd/internal/conversation"
	"murmur/cmd/internal/friends"
	v1 "murmur/shared/contracts/realtime/v1"
)

const (
	stateKind      = "state"
	recentMessages = 50
)

// Snapshot is the serialized per-user state a polling client reads.
type Snapshot struct {
	UserID        string             `json:"userId"`
	Conversations []ConversationView `json:"conversations"`
	Incoming      []v1.FriendRequest `json:"incomingRequests"`
	Outgoing      []v1.FriendRequest `json:"outgoingRequests"`
	Friends       []v1.User          `json:"friends"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

// ConversationView is a conversation with its most recent messages.
type ConversationView struct {
	Conversation v1.Conversation `json:"conversation"`
	Messages     []v1.Message    `json:"messages"`
}

// Mirror rebuilds user snapshots from the live stores and writes them to a Store.
//
// Writes for one user never overlap. A refresh requested while that user's write
// is in flight marks it dirty, and the running writer rebuilds once more before
// returning, so the stored snapshot is never older than the latest request.
type Mirror struct {
	log     *slog.Logger
	store   Store
	convs   *conversation.Store
	friends *friends.Coordinator

	mu     sync.Mutex
	active map[string]*refreshState
}

type refreshState struct {
	dirty bool
}

// NewMirror constructs a Mirror.
func NewMirror(log *slog.Logger, store Store, convs *conversation.Store, fr *friends.Coordinator) *Mirror {
	if log == nil {
		log = slog.Default()
	}
	return &Mirror{
		log:     log,
		store:   store,
		convs:   convs,
		friends: fr,
		active:  make(map[string]*refreshState),
	}
}

// Refresh rewrites the snapshot for each user. Failures are logged, not returned;
// the live stores stay authoritative.
func (m *Mirror) Refresh(ctx context.Context, userIDs ...string) {
	seen := make(map[string]struct{}, len(userIDs))
	for _, uid := range userIDs {
		if uid == "" {
			continue
		}
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}

		if err := m.refresh(ctx, uid); err != nil {
			m.log.Warn("fallback.refresh.failed", "user_id", uid, "err", err)
		}
	}
}

// refresh writes userID's snapshot, or hands the work to the writer already
// running for that user.
func (m *Mirror) refresh(ctx context.Context, userID string) error {
	m.mu.Lock()
	if st, running := m.active[userID]; running {
		st.dirty = true
		m.mu.Unlock()
		return nil
	}
	st := &refreshState{}
	m.active[userID] = st
	m.mu.Unlock()

	for {
		err := m.write(ctx, userID)

		m.mu.Lock()
		if st.dirty {
			st.dirty = false
			m.mu.Unlock()
			continue
		}
		delete(m.active, userID)
		m.mu.Unlock()
		return err
	}
}

// Load returns the user's snapshot, building it first if it was never written.
func (m *Mirror) Load(ctx context.Context, userID string) (json.RawMessage, error) {
	key := Key(userID, stateKind)

	v, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if ok {
		return v, nil
	}

	if err := m.refresh(ctx, userID); err != nil {
		return nil, err
	}
	v, ok, err = m.store.Get(ctx, key)
	if err != nil || ok {
		return v, err
	}
	// Another writer holds the refresh; serve a fresh build directly.
	raw, err := json.Marshal(m.Build(ctx, userID))
	return raw, err
}

// Forget deletes the snapshots of the given users.
func (m *Mirror) Forget(ctx context.Context, userIDs ...string) {
	for _, uid := range userIDs {
		if err := m.store.Delete(ctx, Key(uid, stateKind)); err != nil {
			m.log.Warn("fallback.forget.failed", "user_id", uid, "err", err)
		}
	}
}

// Build assembles a snapshot from the live stores.
func (m *Mirror) Build(ctx context.Context, userID string) Snapshot {
	snap := Snapshot{
		UserID:        userID,
		Conversations: []ConversationView{},
		Incoming:      requestsToWire(m.friends.Incoming(userID)),
		Outgoing:      requestsToWire(m.friends.Outgoing(userID)),
		Friends:       []v1.User{},
		UpdatedAt:     time.Now().UTC(),
	}

	for _, c := range m.convs.ListFor(userID) {
		in := conversation.HistoryInput{ConversationID: c.ID, Limit: recentMessages}
		if c.LastMessage != nil && c.LastMessage.Seq > recentMessages {
			after := c.LastMessage.Seq - recentMessages
			in.AfterSeq = &after
		}
		page, err := m.convs.History(ctx, in)
		if err != nil {
			// Deleted since ListFor.
			continue
		}
		snap.Conversations = append(snap.Conversations, ConversationView{
			Conversation: c.ToWire(),
			Messages:     conversation.MessagesToWire(page.Messages),
		})
	}

	for _, u := range m.friends.Friends(ctx, userID) {
		snap.Friends = append(snap.Friends, u.ToWire())
	}
	return snap
}

func (m *Mirror) write(ctx context.Context, userID string) error {
	raw, err := json.Marshal(m.Build(ctx, userID))
	if err != nil {
		return err
	}
	return m.store.Put(ctx, Key(userID, stateKind), raw)
}

func requestsToWire(in []friends.Request) []v1.FriendRequest {
	out := make([]v1.FriendRequest, 0, len(in))
	for _, r := range in {
		out = append(out, r.ToWire())
	}
	return out
}
