package api

import (
	"net/http"
	"strconv"

	"github.com/dennisdiepolder/officehours/backend/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const defaultHistoryLimit = 50

// HistoryHandler provides REST endpoints for archived serving sessions
type HistoryHandler struct {
	store  storage.Store
	logger zerolog.Logger
}

// NewHistoryHandler creates a new HistoryHandler
func NewHistoryHandler(store storage.Store, logger zerolog.Logger) *HistoryHandler {
	return &HistoryHandler{
		store:  store,
		logger: logger.With().Str("component", "history_handler").Logger(),
	}
}

// GetQueueSessions returns the most recent finished sessions of a queue
// GET /api/queues/{queueID}/sessions?limit=N
func (h *HistoryHandler) GetQueueSessions(w http.ResponseWriter, r *http.Request) {
	queueID, ok := queueIDParam(w, r)
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}

	records, err := h.store.QueueSessions(r.Context(), queueID, limit)
	if err != nil {
		h.logger.Error().Err(err).Int64("queue_id", queueID).Msg("failed to get queue sessions")
		respondError(w, http.StatusInternalServerError, "failed to retrieve sessions")
		return
	}
	if records == nil {
		records = []storage.SessionRecord{}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"queue_id":           queueID,
		"sessions":           records,
		"avg_handle_minutes": storage.AverageMinutes(records),
	})
}

// GetStaffHistory returns daily totals for a staff member
// GET /api/staff/{userID}/history
func (h *HistoryHandler) GetStaffHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	stats, err := h.store.TADailyStats(r.Context(), userID)
	if err != nil {
		h.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to get staff daily stats")
		respondError(w, http.StatusInternalServerError, "failed to retrieve history")
		return
	}
	if stats == nil {
		stats = []storage.TADailyStats{}
	}

	respondJSON(w, http.StatusOK, stats)
}
