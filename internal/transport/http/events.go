package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"sipvideoroom/native/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

// Notification is one coordinator event as pushed on /events.
type Notification struct {
	Type    string             `json:"type"`
	Session string             `json:"session"`
	From    domain.Phase       `json:"from,omitempty"`
	To      domain.Phase       `json:"to,omitempty"`
	Feed    *domain.FeedChange `json:"feed,omitempty"`
	Status  string             `json:"status,omitempty"`
	Text    string             `json:"text,omitempty"`
	Error   string             `json:"error,omitempty"`
	Time    time.Time          `json:"time"`
}

// Hub fans notifications out to every connected /events client. It
// implements domain.Observer.
type Hub struct {
	mu      sync.RWMutex
	clients map[*eventConn]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: map[*eventConn]struct{}{}}
}

func (h *Hub) PhaseChanged(session string, from, to domain.Phase) {
	h.broadcast(Notification{Type: "phase", Session: session, From: from, To: to})
}

func (h *Hub) FeedChanged(change domain.FeedChange) {
	h.broadcast(Notification{Type: "feed", Session: change.Session, Feed: &change})
}

func (h *Hub) Notice(session, text string) {
	h.broadcast(Notification{Type: "notice", Session: session, Text: text})
}

func (h *Hub) Failed(session string, err error) {
	h.broadcast(Notification{Type: "failed", Session: session, Error: err.Error()})
}

// Progress returns a completion that publishes workflow progress for session.
func (h *Hub) Progress(session string) domain.Completion {
	return func(status string, err error) {
		n := Notification{Type: "progress", Session: session, Status: status}
		if err != nil {
			n.Type = "error"
			n.Error = err.Error()
		}
		h.broadcast(n)
	}
}

// Len reports the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcast(n Notification) {
	n.Time = time.Now()
	b, err := json.Marshal(n)
	if err != nil {
		log.Error().Str("module", "transport.http").Err(err).Msg("marshal notification")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if err := c.TrySend(b); err != nil {
			log.Warn().Str("module", "transport.http").Err(err).Msg("dropping notification")
		}
	}
}

func (h *Hub) add(c *eventConn) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *eventConn) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.Close()
}

type eventConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *eventConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *eventConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const pingInterval = 30 * time.Second

func (h *Hub) serve(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Str("module", "transport.http").Err(err).Msg("ws upgrade")
		return
	}
	conn := &eventConn{conn: ws, send: make(chan []byte, 32)}
	h.add(conn)
	log.Info().Str("module", "transport.http").Str("remote", c.Request.RemoteAddr).Msg("events client connected")

	go h.writePump(conn)
	go h.readPump(conn)
}

// readPump only watches for the client going away.
func (h *Hub) readPump(c *eventConn) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			log.Debug().Str("module", "transport.http").Err(err).Msg("events client gone")
			return
		}
	}
}

func (h *Hub) writePump(c *eventConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case b, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				h.remove(c)
				return
			}
		}
	}
}
