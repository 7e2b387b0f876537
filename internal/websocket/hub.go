package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dennisdiepolder/officehours/backend/internal/metrics"
	"github.com/dennisdiepolder/officehours/backend/internal/types"
	"github.com/rs/zerolog"
)

// Hub maintains the set of active clients and fans push messages out to them
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Register requests from the clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closed when Run returns
	done chan struct{}

	// Mutex to protect clients map
	mu sync.RWMutex

	logger zerolog.Logger
}

// NewHub creates a new Hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		logger:     logger.With().Str("component", "hub").Logger(),
	}
}

// Run handles registrations until ctx is cancelled, then closes every client
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.Get().RecordWebSocketConnect()
			h.logger.Info().
				Str("client_id", client.id).
				Int64("user_id", client.userID).
				Int("total_clients", total).
				Msg("client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.remove(client)
				h.logger.Info().
					Str("client_id", client.id).
					Int("total_clients", len(h.clients)).
					Msg("client disconnected")
			}
			h.mu.Unlock()
		}
	}
}

// Register adds client. It reports false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes client. It is a no-op once the hub has stopped.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast delivers msg to every client subscribed to its event and scope,
// and returns how many clients it was queued for.
func (h *Hub) Broadcast(msg types.PushMessage) int {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("event", msg.Event).Msg("failed to marshal push message")
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for client := range h.clients {
		if !client.sub.Wants(msg) {
			continue
		}
		select {
		case client.send <- data:
			delivered++
		default:
			// Client's send buffer is full, close and remove it
			h.remove(client)
			h.logger.Warn().
				Str("client_id", client.id).
				Msg("client send buffer full, closing connection")
		}
	}
	return delivered
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// remove must be called with mu held
func (h *Hub) remove(client *Client) {
	delete(h.clients, client)
	close(client.send)
	metrics.Get().RecordWebSocketDisconnect()
}
