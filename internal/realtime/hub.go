// Package realtime fans generation and balance events out to connected
// websocket clients. Each user has a room keyed user:{userId}; events are
// delivered at most once per connected socket and are not buffered for
// offline users.
package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// message is the wire frame sent to sockets.
type message struct {
	Event     string    `json:"event"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// conn is the hub's view of one socket: a buffered outbound channel the
// write loop drains.
type conn interface {
	enqueue(frame []byte) bool
	shutdown()
}

type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[conn]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[conn]struct{}),
		logger: logger,
	}
}

func roomKey(userID string) string {
	return "user:" + userID
}

// register adds a socket to its user room and announces presence when this
// is the user's first connection.
func (h *Hub) register(userID string, c conn) {
	h.mu.Lock()
	room := h.rooms[roomKey(userID)]
	first := len(room) == 0
	if room == nil {
		room = make(map[conn]struct{})
		h.rooms[roomKey(userID)] = room
	}
	room[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("Socket connected", "userId", userID, "firstConnection", first)
	if first {
		h.EmitAll(EventUserOnline, PresencePayload{UserID: userID})
	}
}

// unregister drops a socket and announces offline when the user's last
// connection goes away.
func (h *Hub) unregister(userID string, c conn) {
	h.mu.Lock()
	room := h.rooms[roomKey(userID)]
	delete(room, c)
	last := len(room) == 0
	if last {
		delete(h.rooms, roomKey(userID))
	}
	h.mu.Unlock()

	h.logger.Info("Socket disconnected", "userId", userID, "lastConnection", last)
	if last {
		h.EmitAll(EventUserOffline, PresencePayload{UserID: userID})
	}
}

func encodeFrame(event string, payload any) ([]byte, error) {
	return json.Marshal(message{Event: event, Data: payload, Timestamp: time.Now().UTC()})
}

// Emit sends one event to every socket in the user's room. Sockets whose
// outbound buffer is full are closed rather than blocked on; the client
// reconnects and re-reads state from the status endpoints.
func (h *Hub) Emit(userID, event string, payload any) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		h.logger.Error("Failed to encode event", "event", event, "error", err)
		return
	}
	h.mu.RLock()
	targets := make([]conn, 0, len(h.rooms[roomKey(userID)]))
	for c := range h.rooms[roomKey(userID)] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(frame) {
			h.logger.Warn("Dropping slow socket", "userId", userID, "event", event)
			c.shutdown()
		}
	}
}

// EmitAll broadcasts an event to every connected socket.
func (h *Hub) EmitAll(event string, payload any) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		h.logger.Error("Failed to encode event", "event", event, "error", err)
		return
	}
	h.mu.RLock()
	var targets []conn
	for _, room := range h.rooms {
		for c := range room {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(frame) {
			c.shutdown()
		}
	}
}

// IsOnline reports whether the user has at least one open socket.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomKey(userID)]) > 0
}

// Disconnect closes every socket belonging to the user.
func (h *Hub) Disconnect(userID string) {
	h.mu.RLock()
	targets := make([]conn, 0, len(h.rooms[roomKey(userID)]))
	for c := range h.rooms[roomKey(userID)] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.shutdown()
	}
}

// OnlineCount reports how many users currently have open sockets.
func (h *Hub) OnlineCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// TokenBalanceUpdated implements the ledger's post-commit notifier.
func (h *Hub) TokenBalanceUpdated(userID string, balance, change int, reason string) {
	h.Emit(userID, EventTokenBalanceUpdated, BalancePayload{
		Balance: balance,
		Change:  change,
		Reason:  reason,
	})
}
