package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Class tells the policy what to do with a failed attempt
type Class int

const (
	// Permanent errors are returned after the first attempt
	Permanent Class = iota
	// Transient errors are retried with the normal backoff
	Transient
	// Throttled errors are retried with the backoff scaled by ThrottleFactor
	Throttled
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Throttled:
		return "throttled"
	default:
		return "permanent"
	}
}

// Strategy selects how delays grow between attempts
type Strategy int

const (
	Exponential Strategy = iota
	Linear
)

// Classifier maps an error onto a Class
type Classifier func(error) Class

// AlwaysRetry classifies every error as transient
func AlwaysRetry(error) Class { return Transient }

// Policy is a bounded retry executor
type Policy struct {
	Name           string
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Jitter         float64 // 0..1, fraction of the delay randomized
	ThrottleFactor float64
	Strategy       Strategy
	Classify       Classifier
	Logger         zerolog.Logger
}

// ExhaustedError is returned when every attempt failed with a retryable error
type ExhaustedError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Name, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do runs fn until it succeeds, a permanent error occurs, the attempt budget
// is spent or ctx is done. A retryable failure is attempted exactly
// MaxAttempts times; a permanent one exactly once.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.normalized()

	var (
		attempts  int
		lastClass Class
	)
	b := &classBackOff{policy: p, last: &lastClass}

	op := func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastClass = p.Classify(err)
		if lastClass == Permanent {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		p.Logger.Warn().
			Str("op", p.Name).
			Int("attempt", attempts).
			Str("class", lastClass.String()).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying after failure")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(op, policy, notify)
	if err == nil {
		return nil
	}
	if lastClass == Permanent || ctx.Err() != nil {
		return err
	}
	return &ExhaustedError{Name: p.Name, Attempts: attempts, Err: err}
}

// Delay returns the wait before retry n (1-based) for class c, without jitter
func (p Policy) Delay(n int, c Class) time.Duration {
	p = p.normalized()
	if n < 1 {
		n = 1
	}
	var d float64
	switch p.Strategy {
	case Linear:
		d = float64(p.BaseDelay) * float64(n)
	default:
		d = float64(p.BaseDelay) * math.Pow(2, float64(n-1))
	}
	if c == Throttled {
		d *= p.ThrottleFactor
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	if p.ThrottleFactor < 1 {
		p.ThrottleFactor = 1
	}
	if p.Classify == nil {
		p.Classify = AlwaysRetry
	}
	if p.Name == "" {
		p.Name = "operation"
	}
	return p
}

// classBackOff yields the policy's delay for the next retry, taking the
// class of the most recent failure into account.
type classBackOff struct {
	policy Policy
	last   *Class
	n      int
}

func (b *classBackOff) Reset() { b.n = 0 }

func (b *classBackOff) NextBackOff() time.Duration {
	b.n++
	d := b.policy.Delay(b.n, *b.last)
	if b.policy.Jitter == 0 || d == 0 {
		return d
	}
	spread := float64(d) * b.policy.Jitter
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}
