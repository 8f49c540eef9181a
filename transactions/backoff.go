package transactions

import (
	"context"
	"math/rand"
	"time"
)

// backoffSleeper produces exponential-backoff-with-jitter delays: the
// ceiling starts at initial and doubles per call up to max, and each delay
// is drawn uniformly below that ceiling. Used by the blocking-transaction
// poll (§4.4.6); the Driver's retry loop uses driverBackoff instead.
type backoffSleeper struct {
	initial time.Duration
	max     time.Duration
	attempt int
}

func newBackoffSleeper(initial, max time.Duration) *backoffSleeper {
	return &backoffSleeper{initial: initial, max: max}
}

// next returns the delay for the current attempt and advances the
// internal counter.
func (b *backoffSleeper) next() time.Duration {
	d := b.initial << uint(b.attempt)
	if d <= 0 || d > b.max {
		d = b.max
	}
	b.attempt++

	// full jitter: uniform in [0, d)
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
}

// sleepContext sleeps for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// driverBackoff computes the Driver's per-retry sleep: exponential with
// jitter, capped at expiration/100 (spec.md §4.5 step 4).
func driverBackoff(attempt int, expiration time.Duration) time.Duration {
	ceiling := expiration / 100
	if ceiling <= 0 {
		ceiling = time.Millisecond
	}
	base := time.Millisecond * time.Duration(1<<uint(attempt))
	if base > ceiling {
		base = ceiling
	}
	return time.Duration(rand.Int63n(int64(base) + 1))
}
