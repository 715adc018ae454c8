package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrLockTimeout is returned when a lock could not be acquired within MaxWait
	ErrLockTimeout = errors.New("lock timeout")
	// ErrNotHolder is returned when releasing with a token that does not own the lock
	ErrNotHolder = errors.New("lock not held by token")
)

// Token identifies one acquisition of a named lock
type Token string

// Locker is a named mutual-exclusion primitive
type Locker interface {
	Acquire(ctx context.Context, name string) (Token, error)
	TryAcquire(ctx context.Context, name string) (Token, bool, error)
	Release(ctx context.Context, name string, token Token) error
}

// Backend stores lock entries. TryLock must set the entry only when it is
// absent or older than the backend's max hold time.
type Backend interface {
	TryLock(ctx context.Context, name string, token Token) (bool, error)
	Unlock(ctx context.Context, name string, token Token) error
}

// Options controls polling and bounds
type Options struct {
	PollMin time.Duration
	PollMax time.Duration
	MaxWait time.Duration
	MaxHold time.Duration
}

// DefaultOptions returns the bounds used when none are configured
func DefaultOptions() Options {
	return Options{
		PollMin: 50 * time.Millisecond,
		PollMax: 250 * time.Millisecond,
		MaxWait: 30 * time.Second,
		MaxHold: 3 * time.Minute,
	}
}

func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.PollMin <= 0 {
		o.PollMin = d.PollMin
	}
	if o.PollMax < o.PollMin {
		o.PollMax = o.PollMin
	}
	if o.MaxWait <= 0 {
		o.MaxWait = d.MaxWait
	}
	if o.MaxHold <= 0 {
		o.MaxHold = d.MaxHold
	}
	return o
}

// Manager implements Locker on top of a Backend with jittered polling
type Manager struct {
	backend Backend
	opts    Options
	logger  zerolog.Logger
}

// NewManager creates a lock manager
func NewManager(backend Backend, opts Options, logger zerolog.Logger) *Manager {
	return &Manager{
		backend: backend,
		opts:    opts.normalized(),
		logger:  logger,
	}
}

// Acquire blocks until name is free, MaxWait elapses or ctx is done
func (m *Manager) Acquire(ctx context.Context, name string) (Token, error) {
	token := newToken()
	deadline := time.Now().Add(m.opts.MaxWait)
	waited := 0

	for {
		ok, err := m.backend.TryLock(ctx, name, token)
		if err != nil {
			return "", fmt.Errorf("acquire %s: %w", name, err)
		}
		if ok {
			if waited > 0 {
				m.logger.Debug().Str("lock", name).Int("polls", waited).Msg("Lock acquired after waiting")
			}
			return token, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", fmt.Errorf("%w: %s after %s", ErrLockTimeout, name, m.opts.MaxWait)
		}
		wait := m.pollDelay()
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", fmt.Errorf("%w: %s: %v", ErrLockTimeout, name, ctx.Err())
		case <-timer.C:
		}
		waited++
	}
}

// TryAcquire makes a single attempt
func (m *Manager) TryAcquire(ctx context.Context, name string) (Token, bool, error) {
	token := newToken()
	ok, err := m.backend.TryLock(ctx, name, token)
	if err != nil {
		return "", false, fmt.Errorf("acquire %s: %w", name, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release clears name if token still owns it
func (m *Manager) Release(ctx context.Context, name string, token Token) error {
	if err := m.backend.Unlock(ctx, name, token); err != nil {
		if errors.Is(err, ErrNotHolder) {
			m.logger.Warn().Str("lock", name).Msg("Release skipped, lock was taken over")
		}
		return err
	}
	return nil
}

func (m *Manager) pollDelay() time.Duration {
	spread := m.opts.PollMax - m.opts.PollMin
	if spread <= 0 {
		return m.opts.PollMin
	}
	return m.opts.PollMin + time.Duration(rand.Int64N(int64(spread)))
}

// WithLock runs fn while holding name
func WithLock(ctx context.Context, l Locker, name string, fn func(ctx context.Context) error) error {
	token, err := l.Acquire(ctx, name)
	if err != nil {
		return err
	}
	defer func() {
		_ = l.Release(context.WithoutCancel(ctx), name, token)
	}()
	return fn(ctx)
}

func newToken() Token {
	return Token(uuid.NewString())
}
