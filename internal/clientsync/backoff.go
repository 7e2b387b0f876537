package clientsync

import "time"

// Backoff yields reconnect delays: Initial, doubled after every failed
// attempt, capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	attempt int
}

func NewBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{Initial: initial, Max: max}
}

// Next returns the delay before the next attempt and counts the attempt
func (b *Backoff) Next() time.Duration {
	d := b.Initial
	for i := 0; i < b.attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	b.attempt++
	return d
}

// Reset starts over at Initial
func (b *Backoff) Reset() {
	b.attempt = 0
}
