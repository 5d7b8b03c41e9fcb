// Package ws relays turn events to websocket subscribers so clients
// can render typing indicators and streamed deltas without polling.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"ai-web-chat-demo/backend/chat/engine"
	"ai-web-chat-demo/backend/pkg/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Outbound buffer per subscriber. Slow consumers get dropped
	// rather than stalling the stream.
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
}

type subscriber struct {
	chatID string
	conn   *websocket.Conn
	send   chan []byte
}

// Hub fans turn events out to every subscriber of the affected chat.
// It satisfies the engine's Notifier interface.
type Hub struct {
	log *logger.Logger

	mu   sync.RWMutex
	subs map[string]map[*subscriber]bool
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:  log,
		subs: make(map[string]map[*subscriber]bool),
	}
}

// Publish implements engine.Notifier.
func (h *Hub) Publish(ev engine.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[ev.ChatID] {
		select {
		case sub.send <- payload:
		default:
			// Buffer full, the read/write pumps will tear the
			// connection down.
		}
	}
}

// Subscribers returns how many connections follow the chat.
func (h *Hub) Subscribers(chatID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[chatID])
}

func (h *Hub) register(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[sub.chatID] == nil {
		h.subs[sub.chatID] = make(map[*subscriber]bool)
	}
	h.subs[sub.chatID][sub] = true
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.subs[sub.chatID]; ok {
		if conns[sub] {
			delete(conns, sub)
			close(sub.send)
		}
		if len(conns) == 0 {
			delete(h.subs, sub.chatID)
		}
	}
}

// HandleSubscribe upgrades the request and streams the chat's events
// until the peer disconnects.
func (h *Hub) HandleSubscribe(c *gin.Context) {
	chatID := c.Param("id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.LogError(err, "websocket upgrade failed", "chat_id", chatID)
		return
	}

	sub := &subscriber{
		chatID: chatID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
	}
	h.register(sub)

	go h.writePump(sub)
	go h.readPump(sub)
}

func (h *Hub) readPump(sub *subscriber) {
	defer func() {
		h.unregister(sub)
		sub.conn.Close()
	}()
	sub.conn.SetReadLimit(1024)
	sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		// Subscribers are read-only; inbound frames are drained so
		// control messages keep flowing.
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sub.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
