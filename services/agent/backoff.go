package agent

import "time"

// Backoff tracks the heartbeat interval. It grows geometrically between
// quiet cycles and snaps back to the minimum on errors or wake-ups.
type Backoff struct {
	min    time.Duration
	max    time.Duration
	factor float64
	cur    time.Duration
}

// NewBackoff returns a Backoff starting at min.
func NewBackoff(min, max time.Duration, factor float64) *Backoff {
	if max < min {
		max = min
	}
	if factor < 1 {
		factor = 1
	}
	return &Backoff{min: min, max: max, factor: factor, cur: min}
}

// Current is the interval the next sleep uses.
func (b *Backoff) Current() time.Duration {
	return b.cur
}

// Advance grows the interval by the factor, capped at max.
func (b *Backoff) Advance() {
	next := time.Duration(float64(b.cur) * b.factor)
	if next > b.max || next < b.cur {
		next = b.max
	}
	b.cur = next
}

// Reset returns the interval to min.
func (b *Backoff) Reset() {
	b.cur = b.min
}
