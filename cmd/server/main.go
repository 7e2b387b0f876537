package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dennisdiepolder/officehours/backend/internal/api"
	"github.com/dennisdiepolder/officehours/backend/internal/assignment"
	"github.com/dennisdiepolder/officehours/backend/internal/auth"
	"github.com/dennisdiepolder/officehours/backend/internal/cache"
	"github.com/dennisdiepolder/officehours/backend/internal/capability"
	"github.com/dennisdiepolder/officehours/backend/internal/changefeed"
	"github.com/dennisdiepolder/officehours/backend/internal/config"
	"github.com/dennisdiepolder/officehours/backend/internal/database"
	"github.com/dennisdiepolder/officehours/backend/internal/notify"
	"github.com/dennisdiepolder/officehours/backend/internal/queue"
	"github.com/dennisdiepolder/officehours/backend/internal/storage"
	"github.com/dennisdiepolder/officehours/backend/internal/token"
	"github.com/dennisdiepolder/officehours/backend/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// backends are the stores selected by DATABASE_URL and REDIS_URL
type backends struct {
	cache      cache.Cache
	redis      *redis.Client
	queues     queue.Store
	changeLog  changefeed.Log
	resolver   *capability.Resolver
	grants     *capability.StaticGrants // in-memory mode only
	strategies []queue.Strategy
	closers    []func()
}

// app is the wired backend: the router plus the background workers it needs
type app struct {
	router      http.Handler
	bridge      *notify.Bridge
	relay       *changefeed.RedisRelay
	coordinator *assignment.Coordinator
	backends    *backends
}

func main() {
	// Configure logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Bool("database", cfg.DatabaseURL != "").
		Bool("redis", cfg.RedisURL != "").
		Bool("push", cfg.PushEnabled()).
		Msg("starting office hours backend")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start")
	}
	defer a.backends.close()

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     a.router,
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: change streams stay open for STREAM_DURATION
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.bridge.Run(gctx)
		return nil
	})
	if a.relay != nil {
		g.Go(func() error {
			// without the relay, streams still catch up on their resync timer
			if err := a.relay.Run(gctx); err != nil {
				log.Warn().Err(err).Msg("change relay stopped")
			}
			return nil
		})
	}
	g.Go(func() error {
		log.Info().Msgf("server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		a.coordinator.Wait()
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		return
	}
	log.Info().Msg("server stopped")
}

// newApp builds every component from cfg. Background workers are not started.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	b, err := setupBackends(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("backends: %w", err)
	}

	archive, err := storage.NewStore(ctx, logger)
	if err != nil {
		b.close()
		return nil, fmt.Errorf("session archive: %w", err)
	}
	// the archive answers handle time averages after the SQL sources
	if s, ok := archive.(queue.Strategy); ok {
		b.strategies = append(b.strategies, s)
	}

	estimator := queue.NewEstimator(b.cache, cfg.ETAFallbackMinutes, logger, b.strategies...)
	queues := queue.NewService(b.queues, estimator, cfg.EnforceOneQueuePerRoom, logger)

	a := &app{backends: b}
	broker := changefeed.NewBroker()
	var publisher changefeed.Publisher
	if b.redis != nil {
		a.relay = changefeed.NewRedisRelay(b.redis, "", broker, logger)
		publisher = a.relay
	}
	feed := changefeed.NewFeed(b.changeLog, broker, publisher, logger)
	stream := changefeed.NewStream(feed, changefeed.StreamConfig{
		Duration:  cfg.StreamDuration,
		Heartbeat: cfg.StreamHeartbeat,
		Resync:    cfg.StreamPoll,
		Batch:     cfg.StreamBatch,
		Lookback:  cfg.StreamLookback,
	}, logger)

	a.bridge = notify.NewBridge(notify.Options{
		Addr:    cfg.WSHTTPAddr,
		Secret:  cfg.WSSharedSecret,
		Timeout: cfg.PushTimeout,
		Buffer:  cfg.PushBuffer,
	}, logger)
	notifier := notify.NewNotifier(feed, a.bridge)
	a.coordinator = assignment.NewCoordinator(queues, b.resolver, notifier, archive, logger)

	authOpts := auth.OptionsFromEnv()
	var jwks *auth.JWKSManager
	if authOpts.VerifySignature && !authOpts.SkipAuth {
		if jwks, err = auth.NewJWKSManager(authOpts.IssuerURL, logger); err != nil {
			b.close()
			return nil, fmt.Errorf("jwks: %w", err)
		}
	}

	var grants *api.GrantsHandler
	if b.grants != nil {
		grants = api.NewGrantsHandler(b.grants, cfg.WSSharedSecret, logger)
	}

	a.router = newRouter(cfg, routes{
		auth:    auth.New(authOpts, jwks, logger),
		me:      api.NewMeHandler(token.NewIssuer(cfg.WSSharedSecret), cfg.WSPublicURL, cfg.WSSocketPath, logger),
		queues:  api.NewQueueHandler(queues, notifier, logger),
		ta:      api.NewTAHandler(a.coordinator, logger),
		changes: api.NewChangesHandler(feed, cfg.StreamBatch, logger),
		stream:  stream,
		admin:   api.NewAdminHandler(archive, b.cache, b.resolver, logger),
		history: api.NewHistoryHandler(archive, logger),
		grants:  grants,
	}, logger)
	return a, nil
}

// setupBackends picks Postgres and Redis when configured, in-process stores otherwise
func setupBackends(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backends, error) {
	b := &backends{}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis: parse url: %w", err)
		}
		rdb := redis.NewClient(opt)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("redis: ping: %w", err)
		}
		b.closers = append(b.closers, func() { rdb.Close() })
		b.cache = cache.NewRedisCache(rdb, "officehours", cfg.CacheTTL, logger)
		b.redis = rdb
	} else {
		b.cache = cache.NewMemoryCache(cfg.CacheTTL)
	}

	if cfg.DatabaseURL == "" {
		mem := queue.NewMemoryStore(parseSeedQueues(os.Getenv("SEED_QUEUES"))...)
		b.queues = mem
		b.grants = capability.NewStaticGrants()
		b.changeLog = changefeed.NewMemoryLog()
		b.resolver = capability.NewResolver(mem, nil, nil, b.cache, logger, b.grants.Probes()...)
		b.strategies = []queue.Strategy{
			queue.StrategyFunc{Label: "queue_sessions", Fn: mem.AverageSessionMinutes},
		}
		logger.Warn().Msg("DATABASE_URL not set, using in-memory stores")
		return b, nil
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		b.close()
		return nil, err
	}
	b.closers = append(b.closers, pool.Close)

	store := queue.NewPostgresStore(pool, b.cache, logger)
	b.queues = store
	b.changeLog = changefeed.NewPostgresLog(pool)
	b.resolver = capability.NewResolver(store, capability.NewPGInspector(pool), capability.NewPGQuerier(pool), b.cache, logger, capability.DefaultProbes()...)
	b.strategies = queue.DefaultSQLStrategies(pool)
	return b, nil
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// parseSeedQueues reads "id:room:course" triples separated by commas. Room
// and course may be empty or omitted. Malformed entries are skipped.
func parseSeedQueues(raw string) []types.Queue {
	var out []types.Queue
	for _, part := range strings.Split(raw, ",") {
		fields := strings.Split(strings.TrimSpace(part), ":")
		id, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		q := types.Queue{ID: id}
		if len(fields) > 1 {
			if v, err := strconv.ParseInt(fields[1], 10, 64); err == nil && v > 0 {
				q.RoomID = types.Ref(v)
			}
		}
		if len(fields) > 2 {
			if v, err := strconv.ParseInt(fields[2], 10, 64); err == nil && v > 0 {
				q.CourseID = types.Ref(v)
			}
		}
		out = append(out, q)
	}
	return out
}
