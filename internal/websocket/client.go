package websocket

import (
	"time"

	"github.com/dennisdiepolder/officehours/backend/internal/config"
	"github.com/dennisdiepolder/officehours/backend/internal/metrics"
	"github.com/dennisdiepolder/officehours/backend/internal/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Subscription is the scope a client asked for when it connected
type Subscription struct {
	Channels map[string]bool
	CourseID *int64
	RoomID   *int64
}

// Wants reports whether msg falls inside the subscription. A scope the
// client left open, or one the message does not carry, always matches.
func (s Subscription) Wants(msg types.PushMessage) bool {
	if !s.Channels[msg.Event] {
		return false
	}
	if msg.CourseID != nil && s.CourseID != nil && *msg.CourseID != *s.CourseID {
		return false
	}
	if msg.RoomID != nil && s.RoomID != nil && *msg.RoomID != *s.RoomID {
		return false
	}
	return true
}

// Client is a middleman between the websocket connection and the hub
type Client struct {
	// Unique client ID
	id string

	// Authenticated user from the connection token
	userID int64

	sub Subscription

	// The hub this client belongs to
	hub *Hub

	// The websocket connection
	conn *websocket.Conn

	// Buffered channel of outbound messages
	send chan []byte

	config *config.Config
	logger zerolog.Logger
}

// NewClient creates a new Client
func NewClient(hub *Hub, conn *websocket.Conn, cfg *config.Config, logger zerolog.Logger, userID int64, sub Subscription) *Client {
	clientID := uuid.New().String()
	return &Client{
		id:     clientID,
		userID: userID,
		sub:    sub,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		config: cfg,
		logger: logger.With().Str("client_id", clientID).Int64("user_id", userID).Logger(),
	}
}

// readPump keeps the read deadline fresh and detects closed connections.
// Clients never send application messages; anything received only counts
// as activity.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				metrics.Get().RecordWebSocketError()
				c.logger.Error().Err(err).Msg("websocket read error")
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	}
}

// writePump pumps messages from the hub to the websocket connection
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// one JSON document per frame
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			metrics.Get().RecordWebSocketMessage()

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start starts the client's read and write pumps
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}
