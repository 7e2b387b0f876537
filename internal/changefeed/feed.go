// Package changefeed is the durable, ordered notification path. Mutations
// append events; readers poll by cursor or hold a stream that wakes on
// publish instead of polling.
package changefeed

import (
	"context"
	"encoding/json"

	"github.com/dennisdiepolder/officehours/backend/internal/metrics"
	"github.com/dennisdiepolder/officehours/backend/internal/types"
	"github.com/rs/zerolog"
)

// Publisher forwards appended events to other backend instances
type Publisher interface {
	Publish(ctx context.Context, ev types.ChangeEvent)
}

// Feed ties the log to the local broker and an optional cross-instance publisher
type Feed struct {
	log       Log
	broker    *Broker
	publisher Publisher
	logger    zerolog.Logger
}

// NewFeed creates a feed over log. publisher may be nil.
func NewFeed(log Log, broker *Broker, publisher Publisher, logger zerolog.Logger) *Feed {
	return &Feed{
		log:       log,
		broker:    broker,
		publisher: publisher,
		logger:    logger.With().Str("component", "changefeed").Logger(),
	}
}

// Broker returns the local broker
func (f *Feed) Broker() *Broker { return f.broker }

// Append records an event. Failures are logged and swallowed: the feed is a
// notification path, the queue state is the source of truth. The stored
// event is returned with ok=false on failure.
func (f *Feed) Append(ctx context.Context, channel types.Channel, refID, courseID *int64, payload any) (types.ChangeEvent, bool) {
	ev := types.ChangeEvent{Channel: channel, RefID: refID, CourseID: courseID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			f.logger.Warn().Err(err).Str("channel", string(channel)).Msg("dropping unencodable payload")
		} else {
			ev.Payload = raw
		}
	}

	stored, err := f.log.Append(ctx, ev)
	if err != nil {
		metrics.Get().RecordChangeAppendError()
		f.logger.Warn().Err(err).Str("channel", string(channel)).Msg("change append failed")
		return ev, false
	}
	metrics.Get().RecordChangeAppended()

	f.broker.Publish(stored)
	if f.publisher != nil {
		f.publisher.Publish(ctx, stored)
	}

	f.logger.Debug().
		Int64("event_id", stored.ID).
		Str("channel", string(stored.Channel)).
		Msg("change appended")
	return stored, true
}

// Poll returns events after sinceID, ascending. Unknown channels were already
// dropped by the caller; an empty channel list means all channels.
func (f *Feed) Poll(ctx context.Context, filter types.ChangeFilter, sinceID int64, limit int) ([]types.ChangeEvent, error) {
	if sinceID < 0 {
		sinceID = 0
	}
	return f.log.Since(ctx, filter, sinceID, limit)
}

// Subscribe returns a wake-up subscription for filter
func (f *Feed) Subscribe(filter types.ChangeFilter) *Subscription {
	return f.broker.Subscribe(filter)
}
