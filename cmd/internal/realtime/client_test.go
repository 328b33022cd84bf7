package realtime

import (
	"testing"
	"time"

	v1 "murmur/shared/contracts/realtime/v1"
)

func env(typ string) v1.Envelope {
	return v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC()}
}

func TestClient_QueueFull_EvictsOldestTransient(t *testing.T) {
	t.Parallel()

	var dropped []string
	c := NewClient(3, func(typ string) { dropped = append(dropped, typ) })

	for _, typ := range []string{v1.TypeMessageReceived, v1.TypeUserTyping, v1.TypeUserStoppedTyping} {
		if !c.Send(env(typ)) {
			t.Fatalf("Send(%s) refused below limit", typ)
		}
	}

	if !c.Send(env(v1.TypeMessageReceived)) {
		t.Fatalf("expected a message to displace a typing event")
	}
	if len(dropped) != 1 || dropped[0] != v1.TypeUserTyping {
		t.Fatalf("dropped=%v, want [user-typing]", dropped)
	}

	var got []string
	for {
		e, ok := c.next()
		if !ok {
			break
		}
		got = append(got, e.Type)
	}
	want := []string{v1.TypeMessageReceived, v1.TypeUserStoppedTyping, v1.TypeMessageReceived}
	if len(got) != len(want) {
		t.Fatalf("queue=%v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("queue=%v want %v", got, want)
		}
	}
}

func TestClient_QueueFull_RefusesWithoutTransient(t *testing.T) {
	t.Parallel()

	calls := 0
	c := NewClient(1, func(string) { calls++ })

	if !c.Send(env(v1.TypeMessageReceived)) {
		t.Fatalf("first send refused")
	}
	if c.Send(env(v1.TypeMessageReceived)) {
		t.Fatalf("expected refusal on full queue")
	}
	if calls != 0 {
		t.Fatalf("onDrop called for a refusal")
	}
	if c.Len() != 1 {
		t.Fatalf("Len=%d want 1", c.Len())
	}
}

func TestClient_CloseIsIdempotentAndRefuses(t *testing.T) {
	t.Parallel()

	c := NewClient(4, nil)
	c.Close()
	c.Close()

	select {
	case <-c.Done():
	default:
		t.Fatalf("Done not closed")
	}
	if c.Send(env(v1.TypeUserOnline)) {
		t.Fatalf("Send after Close accepted")
	}
}

func TestClient_SendWakesWriter(t *testing.T) {
	t.Parallel()

	c := NewClient(4, nil)
	c.Send(env(v1.TypeUserOnline))
	c.Send(env(v1.TypeUserOffline))

	select {
	case <-c.Wake():
	default:
		t.Fatalf("expected wake signal")
	}
	if c.Len() != 2 {
		t.Fatalf("Len=%d want 2", c.Len())
	}
}
