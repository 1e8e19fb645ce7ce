package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/terminal-bench/couponledger/shared/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans ledger events out to connected WebSocket clients. It plugs
// into the event fanout as a sink.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*WSClient
	logger  zerolog.Logger
}

// WSClient is one WebSocket subscriber.
type WSClient struct {
	ID      uuid.UUID
	Address string

	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu      sync.Mutex
	filters map[string]struct{}
}

type wsMessage struct {
	Type    string `json:"type"`
	Project string `json:"project"`
}

func newHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[uuid.UUID]*WSClient),
		logger:  logger.With().Str("component", "ws").Logger(),
	}
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	g.hub.register(conn, string(caller(c)))
}

func (h *Hub) register(conn *websocket.Conn, address string) *WSClient {
	client := &WSClient{
		ID:      uuid.New(),
		Address: address,
		conn:    conn,
		send:    make(chan []byte, 64),
		done:    make(chan struct{}),
		filters: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	go h.readPump(client)
	go h.writePump(client)

	h.logger.Debug().Str("client", client.ID.String()).Str("address", address).Msg("ws connected")
	return client
}

func (h *Hub) readPump(client *WSClient) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, client.ID)
		h.mu.Unlock()
		close(client.done)
		client.conn.Close()
		h.logger.Debug().Str("client", client.ID.String()).Msg("ws disconnected")
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		client.handleMessage(message)
	}
}

func (h *Hub) writePump(client *WSClient) {
	for {
		select {
		case message := <-client.send:
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.done:
			return
		}
	}
}

// handleMessage applies a subscribe or unsubscribe request. A client
// with no subscriptions receives every project's events.
func (client *WSClient) handleMessage(message []byte) {
	var msg wsMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}

	client.mu.Lock()
	defer client.mu.Unlock()

	switch msg.Type {
	case "subscribe":
		if msg.Project != "" {
			client.filters[msg.Project] = struct{}{}
		}
	case "unsubscribe":
		delete(client.filters, msg.Project)
	}
}

func (client *WSClient) wants(slug string) bool {
	client.mu.Lock()
	defer client.mu.Unlock()

	if len(client.filters) == 0 {
		return true
	}
	_, ok := client.filters[slug]
	return ok
}

// Emit broadcasts an event to every interested client. Slow clients
// lose messages rather than stalling the emitter.
func (h *Hub) Emit(ctx context.Context, evt *events.BaseEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error().Err(err).Str("event", evt.Type).Msg("marshal event")
		return
	}
	slug := evt.ProjectSlug()

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		if !client.wants(slug) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			h.logger.Debug().Str("client", client.ID.String()).Msg("ws send buffer full, dropping event")
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll closes every client connection; the pumps shut themselves
// down as their reads fail.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.conn.Close()
	}
}
