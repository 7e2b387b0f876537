package api

import (
	"net/http"

	"github.com/dennisdiepolder/officehours/backend/internal/metrics"
	"github.com/dennisdiepolder/officehours/backend/internal/notify"
	"github.com/dennisdiepolder/officehours/backend/internal/queue"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// QueueHandler serves the student side of a queue
type QueueHandler struct {
	queues   *queue.Service
	notifier *notify.Notifier
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewQueueHandler creates a new QueueHandler
func NewQueueHandler(queues *queue.Service, notifier *notify.Notifier, logger zerolog.Logger) *QueueHandler {
	return &QueueHandler{
		queues:   queues,
		notifier: notifier,
		validate: validator.New(),
		logger:   logger.With().Str("component", "queue_handler").Logger(),
	}
}

type mutateRequest struct {
	Action  string `json:"action" validate:"required,oneof=join leave"`
	QueueID int64  `json:"queue_id" validate:"required,gt=0"`
}

// Mutate handles POST /api/queues
func (h *QueueHandler) Mutate(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}

	var req mutateRequest
	if err := decode(r, h.validate, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Action == "join" {
		q, res, err := h.queues.Join(r.Context(), req.QueueID, id)
		if err != nil {
			fail(w, h.logger, err)
			return
		}
		if res.Changed {
			metrics.Get().RecordQueueMutation("join")
			h.notifier.QueueChanged(r.Context(), q, "join", map[string]any{"user_id": id.UserID})
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"joined":  res.Changed,
			"already": res.Already,
		})
		return
	}

	q, res, err := h.queues.Leave(r.Context(), req.QueueID, id.UserID)
	if err != nil {
		fail(w, h.logger, err)
		return
	}
	if res.Changed {
		metrics.Get().RecordQueueMutation("leave")
		h.notifier.QueueChanged(r.Context(), q, "leave", map[string]any{"user_id": id.UserID})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"left":    res.Changed,
		"already": res.Already,
	})
}

// GetSnapshot handles GET /api/queues/{queueID}
func (h *QueueHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	queueID, ok := queueIDParam(w, r)
	if !ok {
		return
	}

	snap, err := h.queues.Snapshot(r.Context(), queueID, id.UserID)
	if err != nil {
		fail(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// GetETA handles GET /api/queues/{queueID}/eta
func (h *QueueHandler) GetETA(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	queueID, ok := queueIDParam(w, r)
	if !ok {
		return
	}

	snap, err := h.queues.Snapshot(r.Context(), queueID, id.UserID)
	if err != nil {
		fail(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"queue_id":     snap.QueueID,
		"eta_minutes":  snap.ETAMinutes,
		"basis_factor": snap.BasisFactor,
		"avg_used":     snap.AvgUsed,
	})
}
