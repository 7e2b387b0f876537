package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/dennisdiepolder/officehours/backend/internal/cache"
	"github.com/dennisdiepolder/officehours/backend/internal/database"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultFallbackMinutes is used when no strategy has data
const DefaultFallbackMinutes = 7.0

const lookupTimeout = 5 * time.Second

// ErrSourceMissing marks a strategy whose backing structure does not exist.
// Only this error is remembered; other failures are retried on the next call.
var ErrSourceMissing = errors.New("average source missing")

// Strategy is one source of average handle time. A nil value with a nil
// error means "source works but has no data". An error wrapping
// ErrSourceMissing marks the source unavailable until the cache entry
// expires.
type Strategy interface {
	Name() string
	AverageMinutes(ctx context.Context, queueID int64) (*float64, error)
}

// StrategyFunc adapts a function to Strategy
type StrategyFunc struct {
	Label string
	Fn    func(ctx context.Context, queueID int64) (*float64, error)
}

func (s StrategyFunc) Name() string { return s.Label }

func (s StrategyFunc) AverageMinutes(ctx context.Context, queueID int64) (*float64, error) {
	return s.Fn(ctx, queueID)
}

// Average is the outcome of the strategy chain
type Average struct {
	Minutes float64 `json:"minutes"`
	Source  string  `json:"source"`
	// Found is false when the fallback constant was used
	Found bool `json:"found"`
}

// Estimator walks the strategy chain
type Estimator struct {
	strategies []Strategy
	fallback   float64
	cache      cache.Cache
	group      singleflight.Group
	logger     zerolog.Logger
}

// NewEstimator creates an estimator. fallback <= 0 selects DefaultFallbackMinutes.
func NewEstimator(c cache.Cache, fallback float64, logger zerolog.Logger, strategies ...Strategy) *Estimator {
	if fallback <= 0 {
		fallback = DefaultFallbackMinutes
	}
	return &Estimator{
		strategies: strategies,
		fallback:   fallback,
		cache:      c,
		logger:     logger.With().Str("component", "eta").Logger(),
	}
}

func etaKey(queueID int64) string {
	return "eta:" + strconv.FormatInt(queueID, 10)
}

func unavailableKey(name string) string {
	return "eta:unavailable:" + name
}

// Average returns the first non-null average from the chain, or the fallback
func (e *Estimator) Average(ctx context.Context, queueID int64) Average {
	var avg Average
	if cache.GetJSON(ctx, e.cache, etaKey(queueID), &avg) {
		return avg
	}

	// the flight is shared, so it must not die with the first caller's request
	v, _, _ := e.group.Do(etaKey(queueID), func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		for _, s := range e.strategies {
			if _, down := e.cache.Get(ctx, unavailableKey(s.Name())); down {
				continue
			}
			val, err := s.AverageMinutes(ctx, queueID)
			if errors.Is(err, ErrSourceMissing) {
				e.logger.Debug().Err(err).Str("source", s.Name()).Msg("average source unavailable")
				e.cache.Set(ctx, unavailableKey(s.Name()), []byte("1"))
				continue
			}
			if err != nil {
				e.logger.Warn().Err(err).Str("source", s.Name()).Int64("queue_id", queueID).Msg("average source failed")
				continue
			}
			if val != nil && *val > 0 {
				found := Average{Minutes: *val, Source: s.Name(), Found: true}
				cache.SetJSON(ctx, e.cache, etaKey(queueID), found)
				return found, nil
			}
		}
		return Average{Minutes: e.fallback, Source: "fallback"}, nil
	})
	return v.(Average)
}

// Invalidate drops the cached average of a queue, e.g. after a session ends
func (e *Estimator) Invalidate(ctx context.Context, queueID int64) {
	e.cache.Delete(ctx, etaKey(queueID))
}

// BasisFactor is the viewer's position when waiting, else the total count
func BasisFactor(position *int, count int) int {
	if position != nil {
		return *position
	}
	return count
}

// ETA returns ceil(avgMinutes * basis), 0 when nobody is ahead to wait for
func ETA(avgMinutes float64, basis int) int {
	if basis <= 0 || avgMinutes <= 0 {
		return 0
	}
	return int(math.Ceil(avgMinutes * float64(basis)))
}

// SQLStrategy reads a single nullable average from a query taking $1 = queue id
func SQLStrategy(name string, db database.DB, sql string) Strategy {
	return StrategyFunc{
		Label: name,
		Fn: func(ctx context.Context, queueID int64) (*float64, error) {
			var v *float64
			err := db.QueryRow(ctx, sql, queueID).Scan(&v)
			if err != nil {
				if isNoRows(err) {
					return nil, nil
				}
				if database.IsUndefinedObject(err) {
					return nil, fmt.Errorf("%s: %w: %w", name, ErrSourceMissing, err)
				}
				return nil, err
			}
			return v, nil
		},
	}
}

// DefaultSQLStrategies is the relational chain: rolling stats, aggregate
// metrics, then the average of finished sessions.
func DefaultSQLStrategies(db database.DB) []Strategy {
	return []Strategy{
		SQLStrategy("queue_stats", db,
			`SELECT avg_handle_minutes::float8 FROM queue_stats WHERE queue_id = $1 ORDER BY updated_at DESC LIMIT 1`),
		SQLStrategy("queue_metrics", db,
			`SELECT AVG(handle_minutes)::float8 FROM queue_metrics WHERE queue_id = $1`),
		SQLStrategy("queue_sessions", db,
			`SELECT AVG(EXTRACT(EPOCH FROM (finished_at - started_at)) / 60.0)::float8
			   FROM queue_sessions WHERE queue_id = $1 AND finished_at IS NOT NULL`),
		SQLStrategy("ta_assignments", db,
			`SELECT AVG(EXTRACT(EPOCH FROM (finished_at - started_at)) / 60.0)::float8
			   FROM ta_assignments WHERE queue_id = $1 AND finished_at IS NOT NULL`),
	}
}
