// Package capability answers whether a user may manage a queue by probing a
// ranked list of authorization sources. Sources whose backing tables are
// missing are skipped, so partial schemas still resolve through the rest.
package capability

import (
	"context"

	"github.com/dennisdiepolder/officehours/backend/internal/cache"
	"github.com/dennisdiepolder/officehours/backend/internal/types"
	"github.com/rs/zerolog"
)

const schemaPrefix = "schema:"

// MetaLookup resolves a queue to its room and course
type MetaLookup interface {
	Lookup(ctx context.Context, queueID int64) (types.Queue, error)
}

// Inspector reports whether a structure exists in the backing store
type Inspector interface {
	HasColumns(ctx context.Context, s Structure) (bool, error)
}

// Resolver walks the probe chain
type Resolver struct {
	meta      MetaLookup
	inspector Inspector
	querier   Querier
	cache     cache.Cache
	probes    []Probe
	logger    zerolog.Logger
}

// NewResolver creates a resolver. Structure checks are cached in c under the
// "schema:" prefix; InvalidateSchema drops them.
func NewResolver(meta MetaLookup, inspector Inspector, querier Querier, c cache.Cache, logger zerolog.Logger, probes ...Probe) *Resolver {
	return &Resolver{
		meta:      meta,
		inspector: inspector,
		querier:   querier,
		cache:     c,
		probes:    probes,
		logger:    logger.With().Str("component", "capability").Logger(),
	}
}

// CanManage reports whether userID may accept and serve students in queueID
func (r *Resolver) CanManage(ctx context.Context, userID, queueID int64) bool {
	name, ok := r.Match(ctx, userID, queueID)
	if ok {
		r.logger.Debug().
			Int64("user_id", userID).
			Int64("queue_id", queueID).
			Str("source", name).
			Msg("capability granted")
	}
	return ok
}

// Match returns the name of the first probe that grants access
func (r *Resolver) Match(ctx context.Context, userID, queueID int64) (string, bool) {
	if userID <= 0 || queueID <= 0 {
		return "", false
	}

	t := Target{UserID: userID, QueueID: queueID}
	if q, err := r.meta.Lookup(ctx, queueID); err == nil {
		t.RoomID = q.RoomID
		t.CourseID = q.CourseID
	} else {
		r.logger.Debug().Err(err).Int64("queue_id", queueID).Msg("queue metadata unavailable")
	}

	for _, p := range r.probes {
		if _, ok := t.ref(p.Scope()); !ok {
			continue
		}
		if !r.available(ctx, p) {
			continue
		}
		granted, err := p.Check(ctx, r.querier, t)
		if err != nil {
			r.logger.Debug().Err(err).Str("source", p.Name()).Msg("probe failed, trying next")
			continue
		}
		if granted {
			return p.Name(), true
		}
	}
	return "", false
}

// InvalidateSchema forgets every cached structure check
func (r *Resolver) InvalidateSchema(ctx context.Context) {
	r.cache.Flush(ctx, schemaPrefix)
}

func (r *Resolver) available(ctx context.Context, p Probe) bool {
	for _, s := range p.Requires() {
		key := schemaPrefix + s.Signature()
		if v, ok := r.cache.Get(ctx, key); ok {
			if string(v) != "1" {
				return false
			}
			continue
		}
		if r.inspector == nil {
			return false
		}
		exists, err := r.inspector.HasColumns(ctx, s)
		if err != nil {
			// not cached: a transient failure must not hide the source for the whole TTL
			r.logger.Debug().Err(err).Str("table", s.Table).Msg("schema check failed")
			return false
		}
		if exists {
			r.cache.Set(ctx, key, []byte("1"))
		} else {
			r.cache.Set(ctx, key, []byte("0"))
			return false
		}
	}
	return true
}
