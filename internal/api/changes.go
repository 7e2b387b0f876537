package api

import (
	"net/http"
	"strconv"

	"github.com/dennisdiepolder/officehours/backend/internal/changefeed"
	"github.com/dennisdiepolder/officehours/backend/internal/types"
	"github.com/rs/zerolog"
)

// ChangesHandler answers reconciliation polls against the change feed
type ChangesHandler struct {
	feed     *changefeed.Feed
	maxLimit int
	logger   zerolog.Logger
}

// NewChangesHandler creates a new ChangesHandler. maxLimit caps the page size.
func NewChangesHandler(feed *changefeed.Feed, maxLimit int, logger zerolog.Logger) *ChangesHandler {
	if maxLimit <= 0 {
		maxLimit = 100
	}
	return &ChangesHandler{
		feed:     feed,
		maxLimit: maxLimit,
		logger:   logger.With().Str("component", "changes_handler").Logger(),
	}
}

// Poll handles GET /api/changes?channels=&course_id=&queue_id=&since=&limit=
func (h *ChangesHandler) Poll(w http.ResponseWriter, r *http.Request) {
	filter := changefeed.ParseFilter(r, types.AllChannels)
	since := changefeed.ParseCursor(r)

	limit := h.maxLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v < limit {
		limit = v
	}

	events, err := h.feed.Poll(r.Context(), filter, since, limit)
	if err != nil {
		h.logger.Warn().Err(err).Int64("since", since).Msg("change poll failed")
		events = nil
	}
	if events == nil {
		events = []types.ChangeEvent{}
	}

	lastID := since
	if n := len(events); n > 0 {
		lastID = events[n-1].ID
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events, "last_id": lastID})
}
