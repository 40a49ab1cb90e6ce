// Package streaming fans execution and queue events out to WebSocket
// clients. Clients subscribe to individual execution ids or to the firehose.
package streaming

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/logger"
)

// FirehoseID subscribes a client to every event regardless of execution id.
const FirehoseID = "*"

// Client represents a WebSocket client connection.
type Client struct {
	ID      string
	conn    *websocket.Conn
	execIDs map[string]bool // executions this client is subscribed to
	send    chan []byte
	hub     *Hub
	mu      sync.RWMutex
	logger  *logger.Logger
}

// NewClient creates a new WebSocket client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:      id,
		conn:    conn,
		execIDs: make(map[string]bool),
		send:    make(chan []byte, 256),
		hub:     hub,
		logger:  log.WithFields(zap.String("client_id", id)),
	}
}

// Hub manages all WebSocket clients.
type Hub struct {
	clients map[*Client]bool

	// Clients by execution id for efficient routing.
	execClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastMessage

	mu     sync.RWMutex
	logger *logger.Logger
}

type broadcastMessage struct {
	execID  string
	payload []byte
}

// NewHub creates a new WebSocket hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		execClients: make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *broadcastMessage, 256),
		logger:      log.WithFields(zap.String("component", "websocket_hub")),
	}
}

// Run starts the hub processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.execClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.dropClientLocked(client)
			}
			h.mu.Unlock()
			h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))

		case msg := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*Client, 0, 4)
			for client := range h.execClients[msg.execID] {
				targets = append(targets, client)
			}
			if msg.execID != FirehoseID {
				for client := range h.execClients[FirehoseID] {
					targets = append(targets, client)
				}
			}
			h.mu.RUnlock()

			for _, client := range targets {
				select {
				case client.send <- msg.payload:
				default:
					// Send buffer full, drop the connection.
					h.mu.Lock()
					h.dropClientLocked(client)
					h.mu.Unlock()
				}
			}
		}
	}
}

// dropClientLocked removes a client and all its subscriptions. Caller holds
// h.mu.
func (h *Hub) dropClientLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for execID := range client.execIDs {
		if clients, ok := h.execClients[execID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.execClients, execID)
			}
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast sends a payload to every client subscribed to the execution id
// or to the firehose.
func (h *Hub) Broadcast(execID string, payload []byte) {
	h.broadcast <- &broadcastMessage{execID: execID, payload: payload}
}

// SubscribeClient subscribes a client to an execution.
func (h *Hub) SubscribeClient(client *Client, execID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.execClients[execID]; !ok {
		h.execClients[execID] = make(map[*Client]bool)
	}
	h.execClients[execID][client] = true
	h.logger.Debug("Client subscribed",
		zap.String("client_id", client.ID),
		zap.String("execution_id", execID))
}

// UnsubscribeClient unsubscribes a client from an execution.
func (h *Hub) UnsubscribeClient(client *Client, execID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.execClients[execID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.execClients, execID)
		}
	}
	h.logger.Debug("Client unsubscribed",
		zap.String("client_id", client.ID),
		zap.String("execution_id", execID))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
