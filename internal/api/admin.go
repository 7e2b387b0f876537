package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dennisdiepolder/officehours/backend/internal/auth"
	"github.com/dennisdiepolder/officehours/backend/internal/cache"
	"github.com/dennisdiepolder/officehours/backend/internal/storage"
	"github.com/rs/zerolog"
)

// SchemaInvalidator drops cached schema probe results
type SchemaInvalidator interface {
	InvalidateSchema(ctx context.Context)
}

// AdminHandler handles maintenance endpoints
type AdminHandler struct {
	store    storage.Store
	cache    cache.Cache
	resolver SchemaInvalidator
	logger   zerolog.Logger
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(store storage.Store, c cache.Cache, resolver SchemaInvalidator, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		store:    store,
		cache:    c,
		resolver: resolver,
		logger:   logger.With().Str("component", "admin").Logger(),
	}
}

// RequireAdmin middleware — only admin role allowed
func RequireAdmin(next http.Handler) http.Handler {
	return requireRole(next, "admin role required", "admin")
}

// RequireManagerOrAdmin middleware — manager or admin role allowed
func RequireManagerOrAdmin(next http.Handler) http.Handler {
	return requireRole(next, "manager or admin role required", "admin", "manager")
}

func requireRole(next http.Handler, msg string, roles ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFromContext(r.Context())
		if ok {
			for _, role := range roles {
				if id.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
		}
		respondError(w, http.StatusForbidden, msg)
	})
}

// FlushCache handles POST /api/admin/cache/flush. Cached capability, queue
// metadata and ETA answers are recomputed on next use.
func (h *AdminHandler) FlushCache(w http.ResponseWriter, r *http.Request) {
	h.cache.Flush(r.Context(), "")
	if h.resolver != nil {
		h.resolver.InvalidateSchema(r.Context())
	}

	h.logger.Info().Msg("lookup cache flushed")
	respondJSON(w, http.StatusOK, map[string]any{"message": "cache flushed"})
}

// WipeArchive truncates the session archive tables
func (h *AdminHandler) WipeArchive(w http.ResponseWriter, r *http.Request) {
	if err := h.store.TruncateAll(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("failed to truncate session archive")
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to truncate: %s", err))
		return
	}

	h.logger.Info().Msg("session archive truncated")
	respondJSON(w, http.StatusOK, map[string]any{"message": "session archive truncated"})
}
