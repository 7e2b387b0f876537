// Package api holds the HTTP handlers of the application backend.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/dennisdiepolder/officehours/backend/internal/assignment"
	"github.com/dennisdiepolder/officehours/backend/internal/auth"
	"github.com/dennisdiepolder/officehours/backend/internal/queue"
	"github.com/dennisdiepolder/officehours/backend/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, assignment.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, assignment.ErrNotWaiting),
		errors.Is(err, assignment.ErrConflict),
		errors.Is(err, assignment.ErrNotServing),
		errors.Is(err, queue.ErrAlreadyQueuedInRoom):
		return http.StatusConflict
	case errors.As(err, &verrs):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Unmapped errors are logged and
// hidden from the caller.
func fail(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error().Err(err).Msg("request failed")
		respondError(w, status, "internal error")
		return
	}
	respondError(w, status, err.Error())
}

// decode reads a JSON body into dst and validates it
func decode(r *http.Request, v *validator.Validate, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return err
	}
	return v.Struct(dst)
}

func caller(w http.ResponseWriter, r *http.Request) (types.Identity, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok || id.UserID <= 0 {
		respondError(w, http.StatusUnauthorized, "unauthenticated")
		return types.Identity{}, false
	}
	return id, true
}

func queueIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "queueID"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid queue id")
		return 0, false
	}
	return id, true
}
