package websocket

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/dennisdiepolder/officehours/backend/internal/config"
	"github.com/dennisdiepolder/officehours/backend/internal/token"
	"github.com/dennisdiepolder/officehours/backend/internal/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Events a client may subscribe to. Clients naming none get all of them.
var AllowedEvents = []string{
	string(types.ChannelRooms),
	string(types.ChannelQueue),
	string(types.ChannelProgress),
	string(types.ChannelTAAccept),
	types.PushEventCallAgain,
}

// Handler handles WebSocket upgrade requests
type Handler struct {
	hub      *Hub
	verifier *token.Verifier
	upgrader websocket.Upgrader
	config   *config.Config
	logger   zerolog.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub, verifier *token.Verifier, cfg *config.Config, logger zerolog.Logger) *Handler {
	h := &Handler{
		hub:      hub,
		verifier: verifier,
		config:   cfg,
		logger:   logger.With().Str("component", "ws_handler").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin accepts configured browser origins. Requests without an Origin
// header come from non-browser clients and are authenticated by token alone.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := strings.TrimRight(r.Header.Get("Origin"), "/")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		allowed = strings.TrimRight(allowed, "/")
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ParseSubscription reads channels, course_id and room_id from the query string
func ParseSubscription(r *http.Request) Subscription {
	q := r.URL.Query()
	sub := Subscription{Channels: make(map[string]bool)}
	for _, part := range strings.Split(q.Get("channels"), ",") {
		name := strings.TrimSpace(part)
		for _, allowed := range AllowedEvents {
			if name == allowed {
				sub.Channels[name] = true
			}
		}
	}
	if len(sub.Channels) == 0 {
		for _, allowed := range AllowedEvents {
			sub.Channels[allowed] = true
		}
	}
	if id, err := strconv.ParseInt(q.Get("course_id"), 10, 64); err == nil {
		sub.CourseID = &id
	}
	if id, err := strconv.ParseInt(q.Get("room_id"), 10, 64); err == nil {
		sub.RoomID = &id
	}
	return sub
}

// ServeHTTP handles WebSocket upgrade requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.config.WSSharedSecret == "" {
		http.Error(w, "WebSocket disabled", http.StatusServiceUnavailable)
		return
	}
	if !h.checkOrigin(r) {
		h.logger.Warn().Str("origin", r.Header.Get("Origin")).Msg("rejected websocket origin")
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	claims, err := h.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		h.logger.Debug().Err(err).Msg("rejected websocket token")
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	// Upgrade HTTP connection to WebSocket
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := NewClient(h.hub, conn, h.config, h.logger, claims.UserID, ParseSubscription(r))

	// Register client with hub
	if !h.hub.Register(client) {
		conn.Close()
		return
	}

	// Start client pumps
	client.Start()
}
