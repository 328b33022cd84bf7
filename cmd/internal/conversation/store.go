package conversation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"murmur/cmd/identity/ids"
	"murmur/cmd/internal/apperr"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// SecretHasher hashes and verifies conversation lock secrets.
// password.Config satisfies it.
type SecretHasher interface {
	Validate(secret string) error
	Hash(secret string) (string, error)
	Verify(encodedHash, secret string) (bool, error)
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

type entry struct {
	conv     Conversation
	lockHash string
	seq      int64
	msgs     []Message
	pos      map[string]int      // message id -> index in msgs
	inflight map[string]struct{} // claimed for delivery, not yet marked
}

// Store is the in-memory conversation store.
//
// Concurrency:
//   - One mutex guards every map, so FindOrCreate's check-then-create and
//     AppendMessage's seq allocation are single critical sections.
//   - A message is claimed (ClaimDelivery) before it is pushed, so two concurrent
//     delivery attempts never push the same message twice.
//   - Argon2 work runs outside the lock; Unlock re-checks the hash before
//     transitioning so a concurrent unlock can only succeed once.
type Store struct {
	hasher SecretHasher
	now    func() time.Time

	mu     sync.Mutex
	convs  map[string]*entry
	byPair map[string]string
}

// NewStore constructs an empty Store.
func NewStore(hasher SecretHasher, opts ...Option) *Store {
	s := &Store{
		hasher: hasher,
		now:    func() time.Time { return time.Now().UTC() },
		convs:  make(map[string]*entry),
		byPair: make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// FindOrCreate returns the conversation for the unordered pair {a, b}, creating an
// active one if none exists. created reports whether this call created it.
func (s *Store) FindOrCreate(ctx context.Context, a, b string) (Conversation, bool, error) {
	const op = "conversation.FindOrCreate"

	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return Conversation{}, false, apperr.Validation(op, "both participants are required")
	}
	if a == b {
		return Conversation{}, false, apperr.Validation(op, "participants must differ")
	}

	key := pairKey(a, b)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byPair[key]; ok {
		return s.convs[id].snapshot(), false, nil
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, false, err
	}
	e := &entry{
		conv: Conversation{
			ID:           id,
			Participants: [2]string{a, b},
			Status:       StatusActive,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		pos:      make(map[string]int),
		inflight: make(map[string]struct{}),
	}
	s.convs[id] = e
	s.byPair[key] = id

	return e.snapshot(), true, nil
}

// Get returns a conversation by id.
func (s *Store) Get(_ context.Context, id string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.convs[id]
	if !ok {
		return Conversation{}, apperr.NotFound("conversation.Get", "conversation")
	}
	return e.snapshot(), nil
}

// Between returns the conversation linking a and b, if any.
func (s *Store) Between(a, b string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byPair[pairKey(a, b)]
	if !ok {
		return Conversation{}, false
	}
	return s.convs[id].snapshot(), true
}

// ListFor returns the user's conversations, most recently updated first.
func (s *Store) ListFor(userID string) []Conversation {
	s.mu.Lock()
	out := make([]Conversation, 0, 8)
	for _, e := range s.convs {
		if e.conv.HasParticipant(userID) {
			out = append(out, e.snapshot())
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// AppendMessage stores a message and returns it with its id and seq assigned.
func (s *Store) AppendMessage(ctx context.Context, in AppendInput) (Message, error) {
	const op = "conversation.AppendMessage"

	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = s.now()
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.convs[in.ConversationID]
	if !ok {
		return Message{}, apperr.NotFound(op, "conversation")
	}
	if !e.conv.HasParticipant(in.SenderID) {
		return Message{}, apperr.Forbidden(op, "sender is not a participant")
	}

	e.seq++
	msg := Message{
		ID:             id,
		ConversationID: e.conv.ID,
		SenderID:       in.SenderID,
		ReceiverID:     e.conv.Peer(in.SenderID),
		Content:        in.Content,
		Seq:            e.seq,
		CreatedAt:      now,
	}
	e.pos[msg.ID] = len(e.msgs)
	e.msgs = append(e.msgs, msg)

	last := msg
	e.conv.LastMessage = &last
	e.conv.UpdatedAt = now

	return msg, nil
}

// ClaimDelivery reserves an undelivered message for a single push attempt.
// It returns false when the message is already delivered or claimed by another
// attempt. A claim ends with MarkDelivered or ReleaseDelivery.
func (s *Store) ClaimDelivery(_ context.Context, conversationID, messageID string) (bool, error) {
	const op = "conversation.ClaimDelivery"

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.convs[conversationID]
	if !ok {
		return false, apperr.NotFound(op, "conversation")
	}
	i, ok := e.pos[messageID]
	if !ok {
		return false, apperr.NotFound(op, "message")
	}
	if e.msgs[i].Delivered {
		return false, nil
	}
	if _, busy := e.inflight[messageID]; busy {
		return false, nil
	}
	e.inflight[messageID] = struct{}{}
	return true, nil
}

// ReleaseDelivery drops a claim after a refused push so a later replay can retry.
func (s *Store) ReleaseDelivery(conversationID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.convs[conversationID]; ok {
		delete(e.inflight, messageID)
	}
}

// MarkDelivered flips a message's delivered flag and ends any claim on it.
// It reports whether the flag changed.
func (s *Store) MarkDelivered(_ context.Context, conversationID, messageID string) (bool, error) {
	const op = "conversation.MarkDelivered"

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.convs[conversationID]
	if !ok {
		return false, apperr.NotFound(op, "conversation")
	}
	i, ok := e.pos[messageID]
	if !ok {
		return false, apperr.NotFound(op, "message")
	}
	delete(e.inflight, messageID)
	if e.msgs[i].Delivered {
		return false, nil
	}
	e.msgs[i].Delivered = true
	if e.conv.LastMessage != nil && e.conv.LastMessage.ID == messageID {
		e.conv.LastMessage.Delivered = true
	}
	return true, nil
}

// History returns messages ordered by seq ascending, paged by AfterSeq.
func (s *Store) History(ctx context.Context, in HistoryInput) (HistoryPage, error) {
	const op = "conversation.History"

	if err := ctx.Err(); err != nil {
		return HistoryPage{}, err
	}

	limit := in.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	s.mu.Lock()
	e, ok := s.convs[in.ConversationID]
	if !ok {
		s.mu.Unlock()
		return HistoryPage{}, apperr.NotFound(op, "conversation")
	}

	// msgs is append-only in seq order.
	start := 0
	if in.AfterSeq != nil {
		after := *in.AfterSeq
		start = sort.Search(len(e.msgs), func(i int) bool { return e.msgs[i].Seq > after })
	}
	end := start + limit + 1
	if end > len(e.msgs) {
		end = len(e.msgs)
	}
	page := append([]Message(nil), e.msgs[start:end]...)
	s.mu.Unlock()

	hasMore := len(page) > limit
	if hasMore {
		page = page[:limit]
	}
	return HistoryPage{Messages: page, HasMore: hasMore}, nil
}

// Undelivered returns messages addressed to userID that were never pushed and
// are not claimed by an in-progress push, ordered by creation time then seq.
func (s *Store) Undelivered(_ context.Context, userID string) []Message {
	s.mu.Lock()
	var out []Message
	for _, e := range s.convs {
		if !e.conv.HasParticipant(userID) {
			continue
		}
		for _, m := range e.msgs {
			if _, busy := e.inflight[m.ID]; busy {
				continue
			}
			if m.ReceiverID == userID && !m.Delivered {
				out = append(out, m)
			}
		}
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			if out[i].ConversationID == out[j].ConversationID {
				return out[i].Seq < out[j].Seq
			}
			return out[i].ConversationID < out[j].ConversationID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SetStatus transitions a conversation directly to status.
// Locking requires a secret, which is stored only as a hash.
func (s *Store) SetStatus(ctx context.Context, id string, status Status, secret string) (Conversation, error) {
	const op = "conversation.SetStatus"

	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	if _, ok := ParseStatus(string(status)); !ok {
		return Conversation{}, apperr.Validation(op, "unknown status")
	}
	if _, err := s.Get(ctx, id); err != nil {
		return Conversation{}, err
	}

	var hash string
	if status == StatusLocked {
		if utf8.RuneCountInString(secret) == 0 {
			return Conversation{}, apperr.Validation(op, "locking requires a password")
		}
		if err := s.hasher.Validate(secret); err != nil {
			return Conversation{}, apperr.Validation(op, err.Error())
		}
		h, err := s.hasher.Hash(secret)
		if err != nil {
			return Conversation{}, err
		}
		hash = h
	}

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.convs[id]
	if !ok {
		return Conversation{}, apperr.NotFound(op, "conversation")
	}
	e.conv.Status = status
	e.conv.UpdatedAt = now
	e.lockHash = hash

	return e.snapshot(), nil
}

// Unlock checks secret against the stored hash. On a match the conversation becomes
// active and the hash is cleared. Any other outcome returns false and changes nothing.
func (s *Store) Unlock(_ context.Context, id, secret string) bool {
	s.mu.Lock()
	e, ok := s.convs[id]
	if !ok || e.conv.Status != StatusLocked || e.lockHash == "" {
		s.mu.Unlock()
		return false
	}
	hash := e.lockHash
	s.mu.Unlock()

	match, err := s.hasher.Verify(hash, secret)
	if err != nil || !match {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok = s.convs[id]
	if !ok || e.conv.Status != StatusLocked || e.lockHash != hash {
		return false
	}
	e.conv.Status = StatusActive
	e.conv.UpdatedAt = s.now()
	e.lockHash = ""
	return true
}

// Delete removes a conversation and its full history.
func (s *Store) Delete(_ context.Context, id string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.convs[id]
	if !ok {
		return Conversation{}, apperr.NotFound("conversation.Delete", "conversation")
	}
	delete(s.convs, id)
	delete(s.byPair, pairKey(e.conv.Participants[0], e.conv.Participants[1]))
	return e.snapshot(), nil
}

// Len returns the number of conversations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs)
}

// Reset drops every conversation.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.convs = make(map[string]*entry)
	s.byPair = make(map[string]string)
}

func (e *entry) snapshot() Conversation {
	c := e.conv
	if c.LastMessage != nil {
		m := *c.LastMessage
		c.LastMessage = &m
	}
	return c
}
