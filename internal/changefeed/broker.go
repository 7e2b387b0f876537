package changefeed

import (
	"sync"

	"github.com/dennisdiepolder/officehours/backend/internal/types"
)

// Subscription receives a wake-up whenever a matching event is published.
// Wake-ups coalesce: C has capacity one, and the subscriber re-reads the log
// from its cursor, so a missed signal never loses an event.
type Subscription struct {
	C      <-chan struct{}
	c      chan struct{}
	filter types.ChangeFilter
	broker *Broker
	once   sync.Once
}

// Close detaches the subscription from its broker
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.remove(s)
	})
}

// Broker keeps one subscriber list per channel
type Broker struct {
	subs map[types.Channel]map[*Subscription]struct{}
	mu   sync.RWMutex
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[types.Channel]map[*Subscription]struct{})}
}

// Subscribe registers interest in the filter's channels
func (b *Broker) Subscribe(filter types.ChangeFilter) *Subscription {
	c := make(chan struct{}, 1)
	s := &Subscription{C: c, c: c, filter: filter, broker: b}

	channels := filter.Channels
	if len(channels) == 0 {
		channels = types.AllChannels
	}

	b.mu.Lock()
	for _, ch := range channels {
		if b.subs[ch] == nil {
			b.subs[ch] = make(map[*Subscription]struct{})
		}
		b.subs[ch][s] = struct{}{}
	}
	b.mu.Unlock()
	return s
}

// Publish wakes every subscriber on ev's channel whose filter matches
func (b *Broker) Publish(ev types.ChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs[ev.Channel] {
		if !s.filter.Matches(ev) {
			continue
		}
		select {
		case s.c <- struct{}{}:
		default:
		}
	}
}

// Count returns the number of distinct live subscriptions
func (b *Broker) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[*Subscription]struct{})
	for _, set := range b.subs {
		for s := range set {
			seen[s] = struct{}{}
		}
	}
	return len(seen)
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch, set := range b.subs {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, ch)
		}
	}
}
