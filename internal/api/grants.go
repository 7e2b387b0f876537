package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/dennisdiepolder/officehours/backend/internal/capability"
	"github.com/dennisdiepolder/officehours/backend/internal/notify"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// GrantEntry gives one user staff rights at a scope
type GrantEntry struct {
	Scope  capability.Scope `json:"scope" validate:"required,oneof=queue room course user"`
	Ref    int64            `json:"ref" validate:"gte=0"`
	UserID int64            `json:"user_id" validate:"required,gt=0"`
	Revoke bool             `json:"revoke,omitempty"`
}

// GrantsHandler loads staff grants into the in-process grant table used
// when no database is configured. Callers authenticate with the shared
// secret the backend also uses towards the push server.
type GrantsHandler struct {
	grants   *capability.StaticGrants
	secret   string
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewGrantsHandler creates a new GrantsHandler
func NewGrantsHandler(grants *capability.StaticGrants, secret string, logger zerolog.Logger) *GrantsHandler {
	return &GrantsHandler{
		grants:   grants,
		secret:   secret,
		validate: validator.New(),
		logger:   logger.With().Str("component", "grants").Logger(),
	}
}

// HandleGrants handles POST /internal/grants
func (h *GrantsHandler) HandleGrants(w http.ResponseWriter, r *http.Request) {
	if h.secret == "" {
		respondError(w, http.StatusServiceUnavailable, "shared secret not configured")
		return
	}
	provided := r.Header.Get(notify.SecretHeader)
	if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(h.secret)) != 1 {
		h.logger.Warn().Str("remote_addr", r.RemoteAddr).Msg("grant request rejected")
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var entries []GrantEntry
	if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	for _, e := range entries {
		if err := h.validate.Struct(e); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	granted, revoked := 0, 0
	for _, e := range entries {
		if e.Revoke {
			h.grants.Revoke(e.Scope, e.Ref, e.UserID)
			revoked++
			continue
		}
		h.grants.Grant(e.Scope, e.Ref, e.UserID)
		granted++
	}

	h.logger.Info().Int("granted", granted).Int("revoked", revoked).Msg("grants received")
	respondJSON(w, http.StatusOK, map[string]int{"granted": granted, "revoked": revoked})
}
