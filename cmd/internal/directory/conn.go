package directory

import (
	"sync"
	"time"

	v1 "neontalk/shared/contracts/relay/v1"

	"github.com/oklog/ulid/v2"
)

// Conn represents one live transport connection.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent relayers.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
// - Binding state lives in the Directory, not here.
type Conn struct {
	ID        string
	CreatedAt time.Time
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewConn constructs a Conn with a bounded send queue and a ULID id.
func NewConn(sendQueueSize int) *Conn {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Conn{
		ID:        ulid.Make().String(),
		CreatedAt: time.Now().UTC(),
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the connection is shutting down.
func (c *Conn) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the connection goroutines to stop (idempotent).
// It does NOT close Send to keep relay delivery safe under concurrency.
func (c *Conn) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// TrySend enqueues an envelope without blocking.
// It reports false when the connection is shutting down or the queue is full;
// the event is dropped rather than stalling the sender.
func (c *Conn) TrySend(env v1.Envelope) bool {
	if c == nil {
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case <-c.done:
		return false
	case c.Send <- env:
		return true
	default:
		return false
	}
}
