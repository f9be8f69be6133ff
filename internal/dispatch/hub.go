// Package dispatch pushes live delivery updates to websocket subscribers.
package dispatch

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 16
)

// Message is the envelope of every frame sent to a client.
type Message struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is one websocket connection watching an order.
type Session struct {
	OrderID string

	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.send) })
}

// WritePump drains queued frames to the connection and pings periodically.
// It returns when the session is closed or a write fails.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump discards client frames and keeps the read deadline fresh. It
// blocks until the peer goes away.
func (s *Session) ReadPump() {
	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Hub holds the sessions of every watched order.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{}
	logger   *slog.Logger
	now      func() time.Time
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]map[*Session]struct{}),
		logger:   logger,
		now:      time.Now,
	}
}

func (h *Hub) Add(orderID string, conn *websocket.Conn) *Session {
	s := &Session{OrderID: orderID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[orderID] == nil {
		h.sessions[orderID] = make(map[*Session]struct{})
	}
	h.sessions[orderID][s] = struct{}{}
	return s
}

// Remove unregisters s and closes its send queue. Safe to call twice.
func (h *Hub) Remove(s *Session) {
	h.mu.Lock()
	h.removeLocked(s)
	h.mu.Unlock()
}

func (h *Hub) removeLocked(s *Session) {
	if m := h.sessions[s.OrderID]; m != nil {
		delete(m, s)
		if len(m) == 0 {
			delete(h.sessions, s.OrderID)
		}
	}
	s.close()
}

// CloseOrder removes every session of orderID. Frames already queued are
// flushed before the close frame. It returns how many sessions were closed.
func (h *Hub) CloseOrder(orderID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for s := range h.sessions[orderID] {
		h.removeLocked(s)
		n++
	}
	return n
}

func (h *Hub) Count(orderID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[orderID])
}

// Publish queues an envelope for every session of orderID and returns how
// many received it. Sessions whose queue is full are dropped.
func (h *Hub) Publish(orderID, msgType string, payload any) int {
	data, err := json.Marshal(Message{Type: msgType, Payload: payload, Timestamp: h.now().UTC()})
	if err != nil {
		h.logger.Error("ws_marshal_failed", "order_id", orderID, "type", msgType, "error", err)
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for s := range h.sessions[orderID] {
		select {
		case s.send <- data:
			n++
		default:
			h.logger.Warn("ws_session_dropped", "order_id", orderID)
			h.removeLocked(s)
		}
	}
	return n
}
