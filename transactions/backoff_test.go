package transactions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffSleeperNeverExceedsMax(t *testing.T) {
	b := newBackoffSleeper(10*time.Millisecond, 50*time.Millisecond)
	for i := 0; i < 20; i++ {
		d := b.next()
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 50*time.Millisecond)
	}
}

func TestDriverBackoffCapsAtExpirationOverOneHundred(t *testing.T) {
	expiration := 10 * time.Second
	ceiling := expiration / 100
	for attempt := 0; attempt < 10; attempt++ {
		d := driverBackoff(attempt, expiration)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, ceiling)
	}
}

func TestDriverBackoffHandlesNonPositiveExpiration(t *testing.T) {
	d := driverBackoff(0, 0)
	assert.GreaterOrEqual(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, time.Millisecond)
}

func TestSleepContextReturnsWhenDurationElapses(t *testing.T) {
	err := sleepContext(context.Background(), time.Millisecond)
	require.NoError(t, err)
}

func TestSleepContextReturnsImmediatelyForZeroDuration(t *testing.T) {
	start := time.Now()
	err := sleepContext(context.Background(), 0)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestSleepContextHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sleepContext(ctx, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}
