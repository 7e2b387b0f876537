package api

import (
	"net/http"

	"github.com/dennisdiepolder/officehours/backend/internal/token"
	"github.com/dennisdiepolder/officehours/backend/internal/types"
	"github.com/rs/zerolog"
)

// MeHandler returns the caller's identity with the push channel descriptor
type MeHandler struct {
	issuer     *token.Issuer
	publicURL  string
	socketPath string
	logger     zerolog.Logger
}

// NewMeHandler creates a new MeHandler. Push is disabled when the issuer has
// no secret or publicURL is empty.
func NewMeHandler(issuer *token.Issuer, publicURL, socketPath string, logger zerolog.Logger) *MeHandler {
	return &MeHandler{
		issuer:     issuer,
		publicURL:  publicURL,
		socketPath: socketPath,
		logger:     logger.With().Str("component", "me").Logger(),
	}
}

// Descriptor builds the push descriptor for userID, or nil if push is off
func (h *MeHandler) Descriptor(userID int64) *types.PushDescriptor {
	if h.issuer == nil || !h.issuer.Enabled() || h.publicURL == "" || userID <= 0 {
		return nil
	}
	tok, claims, err := h.issuer.Issue(userID)
	if err != nil {
		h.logger.Warn().Err(err).Int64("user_id", userID).Msg("token issuance failed")
		return nil
	}
	return &types.PushDescriptor{
		WSURL:      h.publicURL,
		Token:      tok,
		UserID:     claims.UserID,
		IssuedAt:   claims.IssuedAt,
		TS:         claims.IssuedAt,
		SocketPath: h.socketPath,
	}
}

// GetMe handles GET /api/me
func (h *MeHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, types.Me{Identity: id, WS: h.Descriptor(id.UserID)})
}
