package realtime

import (
	"sync"

	v1 "murmur/shared/contracts/realtime/v1"

	"github.com/google/uuid"
)

// Client is one WebSocket session's outbound side. It implements presence.Conn.
//
// Design notes:
//   - The queue is bounded. When full, the oldest transient event (typing) is evicted
//     to make room; if none is queued, a transient event is dropped and any other
//     event is refused. Refusal leaves messages undelivered in the store.
//   - Send never blocks and is safe after Close (returns false).
//   - Close is idempotent; the writer flushes what is already queued.
type Client struct {
	id     string
	limit  int
	onDrop func(typ string)

	mu     sync.Mutex
	queue  []v1.Envelope
	closed bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded queue. onDrop is called for each
// evicted event and may be nil; refused events are reported by the caller.
func NewClient(queueSize int, onDrop func(typ string)) *Client {
	if queueSize <= 0 {
		queueSize = wsDefaultSendQueueSize
	}
	return &Client{
		id:     uuid.NewString(),
		limit:  queueSize,
		onDrop: onDrop,
		queue:  make([]v1.Envelope, 0, 16),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// ID returns the connection handle.
func (c *Client) ID() string { return c.id }

// Send enqueues env without blocking.
func (c *Client) Send(env v1.Envelope) bool {
	evicted := ""

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if len(c.queue) >= c.limit {
		i := c.oldestTransient()
		if i < 0 {
			c.mu.Unlock()
			return false
		}
		evicted = c.queue[i].Type
		c.queue = append(c.queue[:i], c.queue[i+1:]...)
	}
	c.queue = append(c.queue, env)
	c.mu.Unlock()

	if evicted != "" {
		c.dropped(evicted)
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

func (c *Client) oldestTransient() int {
	for i, e := range c.queue {
		if v1.IsTransient(e.Type) {
			return i
		}
	}
	return -1
}

func (c *Client) dropped(typ string) {
	if c.onDrop != nil {
		c.onDrop(typ)
	}
}

// next pops the oldest queued envelope.
func (c *Client) next() (v1.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return v1.Envelope{}, false
	}
	env := c.queue[0]
	c.queue[0] = v1.Envelope{}
	c.queue = c.queue[1:]
	return env, true
}

// Len returns the number of queued envelopes.
func (c *Client) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Wake fires after Send enqueues.
func (c *Client) Wake() <-chan struct{} { return c.wake }

// Done is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close stops accepting events (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
}
