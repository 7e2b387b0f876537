package changefeed

import (
	"context"
	"encoding/json"

	"github.com/dennisdiepolder/officehours/backend/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultRedisChannel carries change notifications between instances
const DefaultRedisChannel = "officehours:changes"

// notice is the cross-instance wake-up. Payloads stay in the log.
type notice struct {
	ID       int64         `json:"id"`
	Channel  types.Channel `json:"channel"`
	RefID    *int64        `json:"ref_id"`
	CourseID *int64        `json:"course_id"`
}

// RedisRelay fans appended events out to every backend instance sharing a
// Redis server, so streams held by one instance wake on writes made by another.
type RedisRelay struct {
	client  redis.UniversalClient
	channel string
	broker  *Broker
	logger  zerolog.Logger
}

func NewRedisRelay(client redis.UniversalClient, channel string, broker *Broker, logger zerolog.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		broker:  broker,
		logger:  logger.With().Str("component", "changefeed_relay").Logger(),
	}
}

// Publish sends a notice; failures only delay remote subscribers until their
// next wake-up, so they are logged and dropped.
func (r *RedisRelay) Publish(ctx context.Context, ev types.ChangeEvent) {
	raw, err := json.Marshal(notice{ID: ev.ID, Channel: ev.Channel, RefID: ev.RefID, CourseID: ev.CourseID})
	if err != nil {
		return
	}
	if err := r.client.Publish(ctx, r.channel, raw).Err(); err != nil {
		r.logger.Warn().Err(err).Int64("event_id", ev.ID).Msg("relay publish failed")
	}
}

// Run delivers remote notices to the local broker until ctx is cancelled
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	r.logger.Info().Str("channel", r.channel).Msg("change relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var n notice
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				r.logger.Debug().Err(err).Msg("ignoring malformed relay notice")
				continue
			}
			r.broker.Publish(types.ChangeEvent{ID: n.ID, Channel: n.Channel, RefID: n.RefID, CourseID: n.CourseID})
		}
	}
}
