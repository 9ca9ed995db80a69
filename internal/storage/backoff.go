package storage

import (
	"math/rand"
	"time"
)

// Backoff computes exponential retry delays with jitter. The queue and the
// crawler do not call it: a storage failure there is not retried after a
// delay; it only counts toward the crawler's consecutive-error threshold.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
}

// DefaultBackoff follows the retry pacing used for rate-limited fetches,
// generalized to storage-layer contention.
var DefaultBackoff = Backoff{
	Base:   100 * time.Millisecond,
	Max:    5 * time.Second,
	Factor: 2.0,
}

// Delay returns the delay to wait before retry attempt n (0-indexed),
// jittered by up to ±20% to avoid thundering-herd retries across workers.
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Base)
	for i := 0; i < attempt; i++ {
		d *= b.Factor
	}
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	jitter := d * 0.2 * (rand.Float64()*2 - 1)
	result := time.Duration(d + jitter)
	if result < 0 {
		result = 0
	}
	return result
}
