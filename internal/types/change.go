package types

import (
	"encoding/json"
	"strings"
	"time"
)

// Channel tags a change event
type Channel string

const (
	ChannelRooms    Channel = "rooms"
	ChannelProgress Channel = "progress"
	ChannelQueue    Channel = "queue"
	ChannelTAAccept Channel = "ta_accept"
)

// AllChannels is the channel whitelist
var AllChannels = []Channel{
	ChannelRooms,
	ChannelProgress,
	ChannelQueue,
	ChannelTAAccept,
}

// IsValid reports whether c is in the whitelist
func (c Channel) IsValid() bool {
	for _, known := range AllChannels {
		if c == known {
			return true
		}
	}
	return false
}

// ParseChannels splits a comma separated list and keeps only whitelisted,
// non-duplicate names. If nothing survives, defaults is returned.
func ParseChannels(raw string, defaults []Channel) []Channel {
	seen := make(map[Channel]bool)
	var out []Channel
	for _, part := range strings.Split(raw, ",") {
		c := Channel(strings.ToLower(strings.TrimSpace(part)))
		if !c.IsValid() || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	if len(out) == 0 {
		return append([]Channel(nil), defaults...)
	}
	return out
}

// ChangeEvent is one row of the change feed. IDs are globally monotonic.
type ChangeEvent struct {
	ID        int64           `json:"id"`
	Channel   Channel         `json:"channel"`
	RefID     *int64          `json:"ref_id"`
	CourseID  *int64          `json:"course_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"ts"`
}

// ChangeFilter restricts a poll or a subscription
type ChangeFilter struct {
	Channels []Channel
	CourseID *int64
	RefID    *int64
}

// Matches reports whether ev passes the filter. Events without a course
// are visible to every course filter.
func (f ChangeFilter) Matches(ev ChangeEvent) bool {
	if len(f.Channels) > 0 {
		ok := false
		for _, c := range f.Channels {
			if c == ev.Channel {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.CourseID != nil && ev.CourseID != nil && *ev.CourseID != *f.CourseID {
		return false
	}
	if f.RefID != nil && (ev.RefID == nil || *ev.RefID != *f.RefID) {
		return false
	}
	return true
}
