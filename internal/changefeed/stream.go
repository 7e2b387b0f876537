package changefeed

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dennisdiepolder/officehours/backend/internal/metrics"
	"github.com/dennisdiepolder/officehours/backend/internal/types"
	"github.com/rs/zerolog"
)

// DefaultStreamChannels applies when a stream request names no valid channel
var DefaultStreamChannels = []types.Channel{types.ChannelRooms, types.ChannelProgress}

// StreamConfig bounds one stream connection
type StreamConfig struct {
	// Duration is the wall-clock lifetime before the server closes the stream
	Duration  time.Duration
	Heartbeat time.Duration
	// Resync re-reads the log on a timer as a safety net for instances that
	// share a database without a relay. Zero disables it.
	Resync time.Duration
	Batch  int
	// Lookback re-reads this many ids behind the cursor on every poll.
	// Postgres hands out BIGSERIAL ids before commit, so a lower id can
	// become visible after a higher one was already streamed.
	Lookback int
}

// Stream serves the change feed as server-sent events
type Stream struct {
	feed   *Feed
	cfg    StreamConfig
	logger zerolog.Logger
}

func NewStream(feed *Feed, cfg StreamConfig, logger zerolog.Logger) *Stream {
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 90 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if cfg.Lookback < 0 {
		cfg.Lookback = 0
	}
	return &Stream{
		feed:   feed,
		cfg:    cfg,
		logger: logger.With().Str("component", "change_stream").Logger(),
	}
}

// ParseFilter reads channels, course_id and queue_id from the query string.
// Unknown channels are dropped; if none remain, defaults is used.
func ParseFilter(r *http.Request, defaults []types.Channel) types.ChangeFilter {
	q := r.URL.Query()
	f := types.ChangeFilter{Channels: types.ParseChannels(q.Get("channels"), defaults)}
	if id, err := strconv.ParseInt(q.Get("course_id"), 10, 64); err == nil && id > 0 {
		f.CourseID = &id
	}
	if id, err := strconv.ParseInt(q.Get("queue_id"), 10, 64); err == nil && id > 0 {
		f.RefID = &id
	}
	return f
}

// ParseCursor returns max(Last-Event-ID header, since parameter)
func ParseCursor(r *http.Request) int64 {
	var cursor int64
	if v, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get("Last-Event-ID")), 10, 64); err == nil && v > cursor {
		cursor = v
	}
	if v, err := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64); err == nil && v > cursor {
		cursor = v
	}
	return cursor
}

// WriteEvent writes one SSE frame
func WriteEvent(w io.Writer, ev types.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Channel, data)
	return err
}

func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc := http.NewResponseController(w)

	filter := ParseFilter(r, DefaultStreamChannels)
	cursor := ParseCursor(r)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	// The server-wide write timeout is shorter than a stream's lifetime
	_ = rc.SetWriteDeadline(time.Now().Add(s.cfg.Duration + 10*time.Second))

	if _, err := io.WriteString(w, ": connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		s.logger.Error().Err(err).Msg("response writer cannot stream")
		return
	}

	m := metrics.Get()
	m.RecordStreamOpen()
	defer m.RecordStreamClose()

	sub := s.feed.Subscribe(filter)
	defer sub.Close()

	deadline := time.NewTimer(s.cfg.Duration)
	defer deadline.Stop()
	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()
	var resync <-chan time.Time
	if s.cfg.Resync > 0 {
		t := time.NewTicker(s.cfg.Resync)
		defer t.Stop()
		resync = t.C
	}

	// ids at or below resumed were delivered to an earlier connection;
	// sent covers the lookback window of this one
	resumed := cursor
	lookback := int64(s.cfg.Lookback)
	sent := make(map[int64]struct{})

	drain := func() error {
		limit := s.cfg.Batch + s.cfg.Lookback
		for {
			from := max(cursor-lookback, resumed)
			events, err := s.feed.Poll(ctx, filter, from, limit)
			if err != nil {
				// the next wake-up retries from the same cursor
				s.logger.Warn().Err(err).Int64("cursor", cursor).Msg("stream poll failed")
				return nil
			}
			written := 0
			for _, ev := range events {
				if _, dup := sent[ev.ID]; dup {
					continue
				}
				if err := WriteEvent(w, ev); err != nil {
					return err
				}
				written++
				if ev.ID > cursor {
					cursor = ev.ID
				}
				if lookback > 0 {
					sent[ev.ID] = struct{}{}
				}
			}
			for id := range sent {
				if id <= cursor-lookback {
					delete(sent, id)
				}
			}
			if written > 0 {
				if err := rc.Flush(); err != nil {
					return err
				}
			}
			if len(events) < limit {
				return nil
			}
		}
	}

	if err := drain(); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			io.WriteString(w, ": closing\n\n")
			rc.Flush()
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": hb\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case <-sub.C:
			if err := drain(); err != nil {
				return
			}
		case <-resync:
			if err := drain(); err != nil {
				return
			}
		}
	}
}
