// Package notify forwards events to the push server. Delivery is best effort:
// the change feed remains the authoritative notification path.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dennisdiepolder/officehours/backend/internal/metrics"
	"github.com/dennisdiepolder/officehours/backend/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SecretHeader authenticates the backend to the push server
const SecretHeader = "X-WS-SECRET"

// Options configures a Bridge. An empty Addr or Secret disables it.
type Options struct {
	Addr    string
	Secret  string
	Timeout time.Duration
	Buffer  int
}

// Bridge posts events to {Addr}/emit from a background worker, so a slow or
// unreachable push server never stalls the request that produced the event.
type Bridge struct {
	url        string
	secret     string
	queue      chan types.PushEvent
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewBridge creates a bridge. Call Run to start delivering.
func NewBridge(opts Options, logger zerolog.Logger) *Bridge {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	b := &Bridge{
		secret: opts.Secret,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		logger: logger.With().Str("component", "push_bridge").Logger(),
	}
	addr := strings.TrimRight(strings.TrimSpace(opts.Addr), "/")
	if addr != "" && opts.Secret != "" {
		b.url = addr + "/emit"
		b.queue = make(chan types.PushEvent, opts.Buffer)
	}
	return b
}

// Enabled reports whether events are delivered at all
func (b *Bridge) Enabled() bool {
	return b.queue != nil
}

// Emit queues an event. It never blocks: when disabled the event is ignored,
// when the buffer is full it is dropped.
func (b *Bridge) Emit(event string, courseID, roomID, refID *int64, payload any) {
	if !b.Enabled() {
		return
	}

	ev := types.PushEvent{Event: event, CourseID: courseID, RoomID: roomID, RefID: refID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			b.logger.Warn().Err(err).Str("event", event).Msg("dropping unencodable push payload")
			return
		}
		ev.Payload = raw
	}

	select {
	case b.queue <- ev:
	default:
		metrics.Get().RecordPushDropped()
		b.logger.Warn().Str("event", event).Msg("push buffer full, dropping event")
	}
}

// Run delivers queued events until ctx is cancelled. Events still buffered
// at shutdown are discarded.
func (b *Bridge) Run(ctx context.Context) {
	if !b.Enabled() {
		b.logger.Info().Msg("push bridge disabled")
		<-ctx.Done()
		return
	}

	b.logger.Info().Str("url", b.url).Msg("push bridge started")
	for {
		select {
		case <-ctx.Done():
			b.logger.Info().Int("pending", len(b.queue)).Msg("push bridge stopped")
			return
		case ev := <-b.queue:
			if err := b.send(ctx, ev); err != nil {
				metrics.Get().RecordPushFailed()
				b.logger.Warn().Err(err).Str("event", ev.Event).Msg("push failed")
				continue
			}
			metrics.Get().RecordPushSent()
		}
	}
}

func (b *Bridge) send(ctx context.Context, ev types.PushEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal push event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, b.secret)
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", b.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s returned status %d", b.url, resp.StatusCode)
	}
	return nil
}
