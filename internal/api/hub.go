package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"market-intel-bot/internal/signal"
)

// Push event types on the dashboard channel.
const (
	EventStatsUpdate     = "stats_update"
	EventOrderFlowUpdate = "order_flow_update"
	EventNewSignal       = "new_signal"
)

const handshakeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origins are enforced by the CORS layer; the socket itself is
		// gated by the token handshake.
		return true
	},
}

// Event is one push frame.
type Event struct {
	Type string    `json:"type"`
	TS   time.Time `json:"ts"`
	Data any       `json:"data"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub fans dashboard events out to websocket clients. It implements the
// pipeline's dashboard sink; payloads are copied before they cross into the
// hub so a slow client can never observe later mutation.
type Hub struct {
	token string
	log   zerolog.Logger

	mu         sync.RWMutex
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
}

func NewHub(token string, log zerolog.Logger) *Hub {
	return &Hub{
		token:      token,
		log:        log.With().Str("component", "ws").Logger(),
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 4096),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

// Run owns the client set until ctx-free shutdown; call as a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Send buffer full; let unregister tear it down.
					go func(c *wsClient) { h.unregister <- c }(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount reports connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast serialises an event and queues it for every client.
func (h *Hub) Broadcast(eventType string, data any) {
	payload, err := json.Marshal(Event{Type: eventType, TS: time.Now().UTC(), Data: data})
	if err != nil {
		h.log.Warn().Err(err).Str("type", eventType).Msg("event marshal failed")
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		h.log.Warn().Msg("broadcast channel full, dropping event")
	}
}

// DeliverSignal implements the pipeline's dashboard sink.
func (h *Hub) DeliverSignal(sig *signal.TradingSignal) {
	copied := *sig
	h.Broadcast(EventNewSignal, &copied)
}

// handshake is the first frame a client must send before any events flow.
type handshake struct {
	Token string `json:"token"`
}

// handleWS upgrades the connection and enforces the first-frame token
// handshake before registering the client.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.hub.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var hs handshake
	if err := conn.ReadJSON(&hs); err != nil ||
		subtle.ConstantTimeCompare([]byte(hs.Token), []byte(s.hub.token)) != 1 {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad token"))
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  s.hub,
	}
	s.hub.register <- client

	go client.writePump()
	go client.readPump()

	welcome, _ := json.Marshal(Event{Type: "connected", TS: time.Now().UTC()})
	select {
	case client.send <- welcome:
	default:
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		// Clients are read-only after the handshake.
	}
}
