package pipeline

import (
	"math/rand"
	"time"
)

// backoff computes retry delays: doubling from initial, capped at max, with
// jitter in the upper half so synchronized retries spread out.
type backoff struct {
	initial time.Duration
	max     time.Duration
}

// delay returns the wait before retry number attempt (1-based: the delay
// after the first failed attempt is delay(1)).
func (b backoff) delay(attempt int) time.Duration {
	d := b.initial
	for i := 1; i < attempt && d < b.max; i++ {
		d *= 2
	}
	if d > b.max {
		d = b.max
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
