// Command queuewatch follows queue changes from the terminal. It keeps a push
// connection open when the backend issues one and polls the change feed
// otherwise.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dennisdiepolder/officehours/backend/internal/clientsync"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		backendURL   = flag.String("backend-url", "http://localhost:8080", "Backend URL")
		bearer       = flag.String("token", os.Getenv("QUEUEWATCH_TOKEN"), "Bearer token for the backend")
		channels     = flag.String("channels", "queue,rooms,ta_accept", "Comma separated channels")
		courseID     = flag.Int64("course", 0, "Only events of this course (0 = all)")
		roomID       = flag.Int64("room", 0, "Only events of this room (0 = all)")
		since        = flag.Int64("since", 0, "Change feed id to resume after")
		pollInterval = flag.Duration("poll", 5*time.Second, "Poll interval when push is disabled")
		logLevel     = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Str("service", "queuewatch").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := clientsync.Options{
		BaseURL: *backendURL,
		Filter:  buildFilter(*channels, *courseID, *roomID),
		Since:   *since,
	}
	if *bearer != "" {
		opts.Authorization = "Bearer " + *bearer
	}

	client := clientsync.New(opts, printer(logger), logger)
	if err := watch(ctx, client, *pollInterval); err != nil {
		logger.Fatal().Err(err).Msg("queuewatch stopped")
	}
	logger.Info().Msg("queuewatch stopped")
}

// syncer is the part of clientsync.Client that watch drives
type syncer interface {
	Run(ctx context.Context) error
	Reconcile(ctx context.Context)
	Close()
}

// watch runs the push loop and falls back to polling when the backend has
// push disabled
func watch(ctx context.Context, c syncer, interval time.Duration) error {
	defer c.Close()

	if err := c.Run(ctx); !errors.Is(err, clientsync.ErrPushDisabled) {
		return err
	}
	log.Info().Dur("interval", interval).Msg("push disabled, polling the change feed")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Reconcile(ctx)
		}
	}
}

func buildFilter(channels string, courseID, roomID int64) clientsync.Filter {
	f := clientsync.Filter{}
	for _, c := range strings.Split(channels, ",") {
		if c = strings.TrimSpace(c); c != "" {
			f.Channels = append(f.Channels, c)
		}
	}
	if courseID > 0 {
		f.CourseID = &courseID
	}
	if roomID > 0 {
		f.RoomID = &roomID
	}
	return f
}

func printer(logger zerolog.Logger) clientsync.Handler {
	return func(ev clientsync.Event) {
		e := logger.Info().
			Str("channel", ev.Channel).
			Str("source", string(ev.Source)).
			RawJSON("payload", nonEmpty(ev.Payload))
		if ev.ChangeID > 0 {
			e = e.Int64("event_id", ev.ChangeID)
		}
		if ev.RefID != nil {
			e = e.Int64("ref_id", *ev.RefID)
		}
		e.Msg("change")
	}
}

func nonEmpty(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
