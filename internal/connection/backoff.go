package connection

import (
	"math/rand/v2"
	"time"
)

// backoff produces capped exponential waits with jitter.
// Not safe for concurrent use.
type backoff struct {
	base time.Duration
	max  time.Duration
	cur  time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &backoff{base: base, max: max}
}

// Next returns the next wait: cur * (0.5 to 1.5), never above max.
func (b *backoff) Next() time.Duration {
	if b.cur == 0 {
		b.cur = b.base
	} else {
		b.cur *= 2
		if b.cur > b.max {
			b.cur = b.max
		}
	}

	wait := b.cur/2 + time.Duration(rand.Int64N(int64(b.cur)))
	if wait > b.max {
		wait = b.max
	}
	return wait
}

// Reset starts the sequence over from base.
func (b *backoff) Reset() {
	b.cur = 0
}
