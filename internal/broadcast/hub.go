// internal/broadcast/hub.go
package broadcast

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = pongTimeout * 9 / 10
	sendBuffer   = 64
)

type subscriber struct {
	conn    *websocket.Conn
	batchID string // empty subscribes to every batch
	send    chan []byte
}

// Hub serves status subscribers over websocket. A subscriber that falls
// behind by more than its buffer is disconnected.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewHub creates a websocket hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
	}
}

// ServeHTTP upgrades the connection and streams status events. The
// batch_id query parameter restricts the stream to one batch.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s := &subscriber{
		conn:    conn,
		batchID: r.URL.Query().Get("batch_id"),
		send:    make(chan []byte, sendBuffer),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	h.logger.Info("status subscriber connected", "remote", r.RemoteAddr, "batch_id", s.batchID, "subscribers", n)

	go h.writeLoop(s)
	h.readLoop(s)
}

// readLoop discards client messages and detects disconnects
func (h *Hub) readLoop(s *subscriber) {
	defer h.remove(s)
	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("status subscriber read error", "error", err)
			}
			return
		}
	}
}

func (h *Hub) writeLoop(s *subscriber) {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(s)
				return
			}
		case <-ping.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(s)
				return
			}
		}
	}
}

// remove unregisters s once; closing send stops its write loop
func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s]
	if ok {
		delete(h.subs, s)
		close(s.send)
	}
	n := len(h.subs)
	h.mu.Unlock()
	if ok {
		h.logger.Info("status subscriber disconnected", "batch_id", s.batchID, "subscribers", n)
	}
}

// Emit implements Broadcaster
func (h *Hub) Emit(_ context.Context, ev domain.StatusEvent) error {
	msg, err := MarshalStatus(ev)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if s.batchID != "" && s.batchID != ev.BatchID {
			continue
		}
		select {
		case s.send <- msg:
		default:
			delete(h.subs, s)
			close(s.send)
			h.logger.Warn("dropping slow status subscriber", "batch_id", s.batchID)
		}
	}
	return nil
}

// Subscribers returns the number of connected subscribers
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		delete(h.subs, s)
		close(s.send)
	}
}
