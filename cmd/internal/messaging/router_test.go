package messaging

import (
	"context"
	"strings"
	"sync"
	"testing"

	"murmur/cmd/identity"
	"murmur/cmd/internal/apperr"
	"murmur/cmd/internal/conversation"
	"murmur/cmd/internal/notify"
	"murmur/cmd/internal/presence"
	"murmur/cmd/security/password"
	v1 "murmur/shared/contracts/realtime/v1"
)

type recConn struct {
	id   string
	full bool

	mu   sync.Mutex
	sent []v1.Envelope
}

func (c *recConn) ID() string { return c.id }
func (c *recConn) Close()     {}

func (c *recConn) Send(env v1.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.sent = append(c.sent, env)
	return true
}

func (c *recConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, e := range c.sent {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	reg    *presence.Registry
	store  *conversation.Store
	router *Router
	alice  identity.User
	bob    identity.User
	conv   conversation.Conversation
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	ctx := context.Background()
	dir := identity.NewDirectory()
	alice, err := dir.Register(ctx, identity.RegisterInput{Username: "alice"})
	if err != nil {
		t.Fatalf("register alice: %v", err)
	}
	bob, err := dir.Register(ctx, identity.RegisterInput{Username: "bob"})
	if err != nil {
		t.Fatalf("register bob: %v", err)
	}

	reg := presence.NewRegistry(presence.DefaultConfig())
	store := conversation.NewStore(password.DefaultConfig())
	conv, _, err := store.FindOrCreate(ctx, alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}

	n := notify.New(nil, reg, nil)
	return fixture{
		reg:    reg,
		store:  store,
		router: NewRouter(nil, store, dir, n, nil),
		alice:  alice,
		bob:    bob,
		conv:   conv,
	}
}

func TestSend_OnlinePeerDelivered(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	bobConn := &recConn{id: "b"}
	f.reg.Register(f.bob.ID, bobConn)

	msg, err := f.router.Send(context.Background(), f.conv.ID, f.alice.ID, "  hello  ")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !msg.Delivered || msg.Content != "hello" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	if got := bobConn.types(); len(got) != 1 || got[0] != v1.TypeMessageReceived {
		t.Fatalf("bob events=%v", got)
	}
	var p v1.MessageEventPayload
	if err := bobConn.sent[0].Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Message.ID != msg.ID || p.Sender == nil || p.Sender.Handle != "#1" {
		t.Fatalf("payload=%+v", p)
	}

	page, _ := f.store.History(context.Background(), conversation.HistoryInput{ConversationID: f.conv.ID})
	if len(page.Messages) != 1 || !page.Messages[0].Delivered {
		t.Fatalf("stored message not marked delivered: %+v", page.Messages)
	}
}

func TestSend_OfflinePeerStoreAndForward(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.router.Send(ctx, f.conv.ID, f.alice.ID, "are you there?")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.Delivered {
		t.Fatalf("offline delivery should not be marked")
	}

	// Bob reconnects.
	bobConn := &recConn{id: "b"}
	f.reg.Register(f.bob.ID, bobConn)
	if n := f.router.Replay(ctx, f.bob.ID); n != 1 {
		t.Fatalf("replayed=%d want 1", n)
	}
	if got := bobConn.types(); len(got) != 1 || got[0] != v1.TypeMessageReceived {
		t.Fatalf("bob events=%v", got)
	}
	if pending := f.store.Undelivered(ctx, f.bob.ID); len(pending) != 0 {
		t.Fatalf("still undelivered: %+v", pending)
	}
	if n := f.router.Replay(ctx, f.bob.ID); n != 0 {
		t.Fatalf("second replay delivered %d", n)
	}
}

func TestSend_FullQueueKeepsMessage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.reg.Register(f.bob.ID, &recConn{id: "b", full: true})

	msg, err := f.router.Send(context.Background(), f.conv.ID, f.alice.ID, "hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.Delivered {
		t.Fatalf("refused push must leave delivered=false")
	}
	if pending := f.store.Undelivered(context.Background(), f.bob.ID); len(pending) != 1 {
		t.Fatalf("message lost: %+v", pending)
	}
}

func TestSend_Errors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		conv    string
		sender  string
		content string
		check   func(error) bool
	}{
		{"empty", f.conv.ID, f.alice.ID, "   ", apperr.IsValidation},
		{"too long", f.conv.ID, f.alice.ID, strings.Repeat("x", MaxContentChars+1), apperr.IsValidation},
		{"not participant", f.conv.ID, "mallory", "hi", apperr.IsForbidden},
		{"unknown conversation", "nope", f.alice.ID, "hi", apperr.IsNotFound},
	}
	for _, tc := range cases {
		if _, err := f.router.Send(ctx, tc.conv, tc.sender, tc.content); !tc.check(err) {
			t.Fatalf("%s: unexpected err %v", tc.name, err)
		}
	}

	page, _ := f.store.History(ctx, conversation.HistoryInput{ConversationID: f.conv.ID})
	if len(page.Messages) != 0 {
		t.Fatalf("rejected sends were stored: %+v", page.Messages)
	}
}

func TestTyping_TransientOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	// Offline peer: dropped silently.
	if err := f.router.Typing(ctx, f.conv.ID, f.alice.ID, true); err != nil {
		t.Fatalf("Typing offline: %v", err)
	}

	bobConn := &recConn{id: "b"}
	f.reg.Register(f.bob.ID, bobConn)
	_ = f.router.Typing(ctx, f.conv.ID, f.alice.ID, true)
	_ = f.router.Typing(ctx, f.conv.ID, f.alice.ID, false)

	got := bobConn.types()
	if len(got) != 2 || got[0] != v1.TypeUserTyping || got[1] != v1.TypeUserStoppedTyping {
		t.Fatalf("bob events=%v", got)
	}

	page, _ := f.store.History(ctx, conversation.HistoryInput{ConversationID: f.conv.ID})
	if len(page.Messages) != 0 {
		t.Fatalf("typing must not be persisted")
	}

	if err := f.router.Typing(ctx, f.conv.ID, "mallory", true); !apperr.IsForbidden(err) {
		t.Fatalf("non participant typing err=%v", err)
	}
}

// reentrantConn runs onFirst, outside its own lock, the first time it accepts an event.
type reentrantConn struct {
	recConn
	once    sync.Once
	onFirst func()
}

func (c *reentrantConn) Send(env v1.Envelope) bool {
	if !c.recConn.Send(env) {
		return false
	}
	c.once.Do(c.onFirst)
	return true
}

func TestReplay_DuringSendPushesOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	// Bob's login replay lands while Send is between push and mark.
	bobConn := &reentrantConn{recConn: recConn{id: "b"}}
	bobConn.onFirst = func() {
		if n := f.router.Replay(ctx, f.bob.ID); n != 0 {
			t.Errorf("replay during send delivered %d", n)
		}
	}
	f.reg.Register(f.bob.ID, bobConn)

	msg, err := f.router.Send(ctx, f.conv.ID, f.alice.ID, "once")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !msg.Delivered {
		t.Fatalf("message should be delivered")
	}

	if got := bobConn.types(); len(got) != 1 {
		t.Fatalf("bob events=%v want exactly one message-received", got)
	}
	if n := f.router.Replay(ctx, f.bob.ID); n != 0 {
		t.Fatalf("later replay delivered %d", n)
	}
}

func TestReplay_RefusedPushIsRetried(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	full := &recConn{id: "b1", full: true}
	f.reg.Register(f.bob.ID, full)
	if _, err := f.router.Send(ctx, f.conv.ID, f.alice.ID, "later"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n := f.router.Replay(ctx, f.bob.ID); n != 0 {
		t.Fatalf("replay into full queue delivered %d", n)
	}

	fresh := &recConn{id: "b2"}
	f.reg.Register(f.bob.ID, fresh)
	if n := f.router.Replay(ctx, f.bob.ID); n != 1 {
		t.Fatalf("replay after refusal delivered %d want 1", n)
	}
}
