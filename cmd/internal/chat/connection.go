package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"pairline/cmd/internal/metrics"
)

// ConnState is the lifecycle state of the realtime connection.
type ConnState uint8

const (
	ConnIdle ConnState = iota
	ConnConnecting
	ConnOpen
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport opens realtime handles. The returned handle outlives ctx;
// ctx only bounds the dial itself.
type Transport interface {
	Dial(ctx context.Context, s Session) (Handle, error)
}

// Handle is one live realtime binding.
//
// Events is closed once the handle stops delivering, either because Close was
// called or because the stream ended. Err reports why it ended (nil after Close).
type Handle interface {
	Events() <-chan Message
	Emit(ctx context.Context, m Message) error
	Close() error
	Err() error
}

// Connection is the only owner of the realtime handle.
// At most one handle is live; Open always closes the previous one first.
type Connection struct {
	transport Transport
	log       *slog.Logger

	// opMu serializes Open/Close so close-before-open cannot interleave.
	opMu sync.Mutex

	mu     sync.Mutex
	state  ConnState
	gen    uint64
	handle Handle
	conv   Conversation
	done   chan struct{}
}

// NewConnection returns an Idle connection manager.
func NewConnection(t Transport, log *slog.Logger) *Connection {
	if log == nil {
		log = slog.Default()
	}
	return &Connection{transport: t, log: log, state: ConnIdle}
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open binds a new handle to conv. Any previous handle is torn down first and
// its pump has fully stopped before the new dial starts.
//
// sink receives admitted events in transport order from a single goroutine.
// onLost is called (at most once per handle) if the stream ends without Close.
func (c *Connection) Open(ctx context.Context, s Session, conv Conversation, sink func(Message), onLost func(error)) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.closeLocked(); err != nil {
		c.log.Debug("chat.conn.close_previous_error", "err", err)
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.conv = conv
	c.setStateLocked(ConnConnecting)
	c.mu.Unlock()

	h, err := c.transport.Dial(ctx, s)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.setStateLocked(ConnClosed)
		}
		c.mu.Unlock()

		c.log.Warn("chat.conn.dial_failed", "peer", conv.Peer, "err", err)
		return OpError{Op: "connect", Kind: ErrTransport, Err: err}
	}

	done := make(chan struct{})

	c.mu.Lock()
	c.handle = h
	c.done = done
	c.setStateLocked(ConnOpen)
	c.mu.Unlock()

	c.log.Info("chat.conn.open", "peer", conv.Peer)

	go c.pump(gen, h, conv, sink, onLost, done)
	return nil
}

// Close tears down the live handle, if any, and waits for its pump to stop.
// It is safe to call repeatedly.
func (c *Connection) Close() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.closeLocked()
}

// Emit sends m over the live handle.
func (c *Connection) Emit(ctx context.Context, m Message) error {
	c.mu.Lock()
	h := c.handle
	open := c.state == ConnOpen
	c.mu.Unlock()

	if !open || h == nil {
		return OpError{Op: "emit", Kind: ErrTransport, Err: ErrNotConnected}
	}
	if err := h.Emit(ctx, m); err != nil {
		return OpError{Op: "emit", Kind: ErrTransport, Err: err}
	}
	return nil
}

func (c *Connection) closeLocked() error {
	c.mu.Lock()
	h, done := c.handle, c.done
	c.gen++
	c.handle = nil
	c.done = nil
	if c.state == ConnOpen || c.state == ConnConnecting {
		c.setStateLocked(ConnClosed)
	}
	c.mu.Unlock()

	if h == nil {
		return nil
	}

	err := h.Close()
	<-done
	c.log.Info("chat.conn.closed", "peer", c.conv.Peer)
	return err
}

func (c *Connection) pump(gen uint64, h Handle, conv Conversation, sink func(Message), onLost func(error), done chan struct{}) {
	defer close(done)

	for m := range h.Events() {
		if !c.current(gen) {
			continue
		}
		if !Admits(conv, m) {
			metrics.ChatEventsRejected.Inc()
			c.log.Debug("chat.conn.event_rejected", "from", m.From, "to", m.To)
			continue
		}
		if sink != nil {
			sink(m)
		}
	}

	c.mu.Lock()
	lost := c.gen == gen && c.handle == h
	if lost {
		c.handle = nil
		c.done = nil
		c.setStateLocked(ConnClosed)
	}
	c.mu.Unlock()

	if !lost {
		return
	}

	cause := h.Err()
	if cause == nil {
		cause = errors.New("stream ended")
	}
	c.log.Warn("chat.conn.lost", "peer", conv.Peer, "err", cause)
	if onLost != nil {
		onLost(OpError{Op: "receive", Kind: ErrTransport, Err: cause})
	}
}

func (c *Connection) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Connection) setStateLocked(s ConnState) {
	if c.state == s {
		return
	}
	c.state = s
	metrics.ChatConnectionTransitions.WithLabelValues(s.String()).Inc()
}
