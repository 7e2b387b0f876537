package api

import (
	"net/http"

	"github.com/dennisdiepolder/officehours/backend/internal/assignment"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// TAHandler serves the staff actions on a queue
type TAHandler struct {
	coordinator *assignment.Coordinator
	validate    *validator.Validate
	logger      zerolog.Logger
}

// NewTAHandler creates a new TAHandler
func NewTAHandler(coordinator *assignment.Coordinator, logger zerolog.Logger) *TAHandler {
	return &TAHandler{
		coordinator: coordinator,
		validate:    validator.New(),
		logger:      logger.With().Str("component", "ta_handler").Logger(),
	}
}

type acceptRequest struct {
	QueueID int64 `json:"queue_id" validate:"required,gt=0"`
	UserID  int64 `json:"user_id" validate:"required,gt=0"`
}

type queueRequest struct {
	QueueID int64 `json:"queue_id" validate:"required,gt=0"`
}

// Accept handles POST /api/ta/accept
func (h *TAHandler) Accept(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var req acceptRequest
	if err := decode(r, h.validate, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	a, err := h.coordinator.Accept(r.Context(), req.QueueID, id, req.UserID)
	if err != nil {
		fail(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "assignment": a})
}

// Stop handles POST /api/ta/stop
func (h *TAHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var req queueRequest
	if err := decode(r, h.validate, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.coordinator.StopServe(r.Context(), req.QueueID, id)
	if err != nil {
		fail(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"already":    res.Already,
		"assignment": res.Assignment,
	})
}

// CallAgain handles POST /api/ta/call-again
func (h *TAHandler) CallAgain(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var req queueRequest
	if err := decode(r, h.validate, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	a, err := h.coordinator.CallAgain(r.Context(), req.QueueID, id)
	if err != nil {
		fail(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "assignment": a})
}

// GetAssignment handles GET /api/ta/queues/{queueID}/assignment
func (h *TAHandler) GetAssignment(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok {
		return
	}
	queueID, ok := queueIDParam(w, r)
	if !ok {
		return
	}

	a, err := h.coordinator.Current(r.Context(), queueID)
	if err != nil {
		fail(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"queue_id": queueID, "assignment": a})
}
