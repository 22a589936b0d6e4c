package realtime

import (
	"sync"

	v1 "pairline/shared/contracts/chat/v1"
)

// Client is one attached websocket session.
//
// Send is never closed by the relay; broadcasters may hold a pointer to a
// client that is shutting down and must not panic. done signals shutdown.
type Client struct {
	SessionID string
	UserID    string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(userID, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		UserID:    userID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done is closed once the client starts shutting down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close signals shutdown. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// offer enqueues env without blocking.
func (c *Client) offer(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
