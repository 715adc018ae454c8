package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errBusy  = errors.New("resource busy")
	errFatal = errors.New("invalid credential")
)

func classify(err error) Class {
	switch {
	case errors.Is(err, errBusy):
		return Transient
	case errors.Is(err, errFatal):
		return Permanent
	}
	return Throttled
}

func fastPolicy(attempts int) Policy {
	return Policy{
		Name:        "test",
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Classify:    classify,
	}
}

func TestDoRetryableUsesFullBudget(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func(context.Context) error {
		calls++
		return errBusy
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)

	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, errBusy)
}

func TestDoPermanentAttemptsOnce(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func(context.Context) error {
		calls++
		return errFatal
	})

	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)

	var exhausted *ExhaustedError
	assert.False(t, errors.As(err, &exhausted))
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errBusy
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 10, BaseDelay: time.Hour, Classify: classify}

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := p.Do(ctx, func(context.Context) error {
		calls++
		return errBusy
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDelayGrowth(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, ThrottleFactor: 3}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1, Transient))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2, Transient))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3, Transient))
	assert.Equal(t, 600*time.Millisecond, p.Delay(2, Throttled))

	p.MaxDelay = 250 * time.Millisecond
	assert.Equal(t, 250*time.Millisecond, p.Delay(3, Transient))

	linear := Policy{BaseDelay: time.Second, Strategy: Linear}
	assert.Equal(t, time.Second, linear.Delay(1, Transient))
	assert.Equal(t, 2*time.Second, linear.Delay(2, Transient))
	assert.Equal(t, 3*time.Second, linear.Delay(3, Transient))
}

func TestJitterStaysWithinSpread(t *testing.T) {
	var last Class = Transient
	b := &classBackOff{policy: Policy{BaseDelay: 100 * time.Millisecond, Jitter: 0.5}.normalized(), last: &last}
	for i := 0; i < 50; i++ {
		b.Reset()
		d := b.NextBackOff()
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}
