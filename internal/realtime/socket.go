package realtime

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 32
)

// TokenVerifier authenticates the handshake token and returns the user id.
type TokenVerifier interface {
	VerifyToken(token string) (userID string, role string, err error)
}

type socket struct {
	ws     *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   func()
}

func (s *socket) enqueue(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *socket) shutdown() {
	s.once()
}

// Handler upgrades websocket requests and binds each socket to its user's
// room. Authentication failures close the socket before any room join.
type Handler struct {
	hub      *Hub
	verifier TokenVerifier
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, verifier TokenVerifier, logger *slog.Logger) *Handler {
	return &Handler{
		hub:      hub,
		verifier: verifier,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect cross-origin from the studio frontend;
			// auth happens via the bearer token, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// handshakeToken pulls the bearer token from the Authorization header or,
// for browser websocket clients that cannot set headers, the token query
// parameter.
func handshakeToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := handshakeToken(r)
	userID, _, err := h.verifier.VerifyToken(token)
	if err != nil {
		h.logger.Info("Rejected websocket handshake", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", "error", err)
		return
	}

	s := &socket{
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
	var closeOnce sync.Once
	s.once = func() {
		closeOnce.Do(func() {
			close(s.closed)
			ws.Close()
		})
	}

	h.hub.register(userID, s)
	go h.writeLoop(s)
	go h.readLoop(userID, s)
}

// writeLoop drains the outbound buffer and keeps the connection alive with
// pings.
func (h *Handler) writeLoop(s *socket) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.shutdown()
	}()
	for {
		select {
		case frame := <-s.send:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

// readLoop discards inbound frames (the protocol is push-only) and detects
// disconnects.
func (h *Handler) readLoop(userID string, s *socket) {
	defer func() {
		s.shutdown()
		h.hub.unregister(userID, s)
	}()
	s.ws.SetReadLimit(4096)
	s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		s.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := s.ws.ReadMessage(); err != nil {
			return
		}
	}
}
