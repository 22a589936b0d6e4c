package realtime

import (
	"log/slog"
	"sync"

	"pairline/cmd/internal/metrics"
	v1 "pairline/shared/contracts/chat/v1"
)

// Hub tracks attached clients and fans messages out to all of them.
//
// The relay has one global stream: every attached client receives every
// message, and clients keep only the pair they are viewing.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub constructs an empty hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, clients: make(map[string]*Client)}
}

// Attach registers a client under its session id.
func (h *Hub) Attach(c *Client) {
	if c == nil || c.SessionID == "" {
		return
	}
	h.mu.Lock()
	h.clients[c.SessionID] = c
	n := len(h.clients)
	h.mu.Unlock()

	metrics.RelayConnections.Inc()
	h.log.Info("hub.client.attach", "session_id", c.SessionID, "user_id", c.UserID, "clients", n)
}

// Detach removes the client and signals its shutdown. Unknown ids are ignored.
func (h *Hub) Detach(sessionID string) {
	h.mu.Lock()
	c, ok := h.clients[sessionID]
	delete(h.clients, sessionID)
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	// Removed from the map before Close so no broadcaster picks it up again.
	c.Close()
	metrics.RelayConnections.Dec()
	h.log.Info("hub.client.detach", "session_id", sessionID, "clients", n)
}

// Len returns the number of attached clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast offers env to every attached client except skipSession (may be
// empty). It never blocks: full queues drop the envelope. It returns the
// number of clients the envelope was queued for.
func (h *Hub) Broadcast(env v1.Envelope, skipSession string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for id, c := range h.clients {
		if id == skipSession {
			continue
		}
		if c.offer(env) {
			sent++
			continue
		}
		metrics.RelayDroppedBroadcasts.Inc()
		h.log.Warn("hub.broadcast.drop", "session_id", id)
	}
	return sent
}
