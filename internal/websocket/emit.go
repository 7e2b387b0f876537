package websocket

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dennisdiepolder/officehours/backend/internal/config"
	"github.com/dennisdiepolder/officehours/backend/internal/metrics"
	"github.com/dennisdiepolder/officehours/backend/internal/notify"
	"github.com/dennisdiepolder/officehours/backend/internal/types"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// EmitHandler receives events from the application backend and broadcasts
// them to connected clients
type EmitHandler struct {
	hub      *Hub
	config   *config.Config
	validate *validator.Validate
	now      func() time.Time
	logger   zerolog.Logger
}

func NewEmitHandler(hub *Hub, cfg *config.Config, logger zerolog.Logger) *EmitHandler {
	return &EmitHandler{
		hub:      hub,
		config:   cfg,
		validate: validator.New(),
		now:      time.Now,
		logger:   logger.With().Str("component", "emit").Logger(),
	}
}

func (h *EmitHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m := metrics.Get()
	if h.config.WSSharedSecret == "" {
		http.Error(w, "Shared secret not configured", http.StatusServiceUnavailable)
		return
	}

	provided := r.Header.Get(notify.SecretHeader)
	if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(h.config.WSSharedSecret)) != 1 {
		m.RecordEmitRejected()
		http.Error(w, "Forbidden", http.StatusUnauthorized)
		return
	}

	if r.ContentLength > h.config.MaxPayloadSize {
		m.RecordEmitRejected()
		http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxPayloadSize)

	var ev types.PushEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		m.RecordEmitRejected()
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(ev); err != nil {
		m.RecordEmitRejected()
		http.Error(w, "Unsupported event", http.StatusBadRequest)
		return
	}
	m.RecordEmitReceived()

	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	delivered := h.hub.Broadcast(types.PushMessage{
		Type:     "event",
		Event:    ev.Event,
		CourseID: ev.CourseID,
		RoomID:   ev.RoomID,
		RefID:    ev.RefID,
		Payload:  payload,
		TS:       h.now().Unix(),
	})

	h.logger.Debug().
		Str("event", ev.Event).
		Str("request_id", r.Header.Get("X-Request-ID")).
		Int("delivered", delivered).
		Msg("event broadcast")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":   true,
		"delivered": delivered,
	})
}

// HealthHandler reports liveness and the connected client count
func HealthHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":      true,
			"clients": hub.ClientCount(),
		})
	}
}
