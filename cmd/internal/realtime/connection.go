package realtime

import (
	"sync"

	v1 "coopchat/shared/contracts/chat/v1"
)

// Connection represents one live websocket session for one authenticated user.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Connection struct {
	ID       string
	UserID   int64
	Username string
	Send     chan v1.Event

	done      chan struct{}
	closeOnce sync.Once
}

// NewConnection constructs a Connection with a bounded send queue.
func NewConnection(id string, userID int64, username string, sendQueueSize int) *Connection {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Connection{
		ID:       id,
		UserID:   userID,
		Username: username,
		Send:     make(chan v1.Event, sendQueueSize),
		done:     make(chan struct{}),
	}
}

// Done returns a channel that is closed when the connection is shutting down.
func (c *Connection) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the connection goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Connection) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// TrySend enqueues an event without blocking.
// It reports false when the connection is shutting down or its queue is full.
func (c *Connection) TrySend(ev v1.Event) bool {
	if c == nil {
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- ev:
		return true
	default:
		return false
	}
}
