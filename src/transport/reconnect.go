package transport

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ConnState is the connection state tracked by a Reconnector
type ConnState int

const (
	StateConnected ConnState = iota
	StateReconnecting
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "failed"
	}
}

// Stopper cancels a scheduled attempt. *time.Timer satisfies it.
type Stopper interface {
	Stop() bool
}

// ReconnectOptions configures a Reconnector
type ReconnectOptions struct {
	BaseDelay   time.Duration
	MaxAttempts int
	Connect     func(ctx context.Context) error
	OnFailed    func(reason string)
	AfterFunc   func(d time.Duration, f func()) Stopper
}

// Reconnector schedules reconnect attempts with exponential backoff.
// Every disconnect signal or failed attempt counts as a failure; once
// MaxAttempts attempts have been scheduled the next failure is terminal.
type Reconnector struct {
	opts   ReconnectOptions
	ctx    context.Context
	logger zerolog.Logger

	mu       sync.Mutex
	state    ConnState
	attempts int
	pending  Stopper
	reason   string
}

func NewReconnector(ctx context.Context, opts ReconnectOptions, logger zerolog.Logger) *Reconnector {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 5 * time.Second
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 5
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }
	}
	return &Reconnector{opts: opts, ctx: ctx, logger: logger, state: StateConnected}
}

// Delay is the wait before attempt n (1-based)
func (r *Reconnector) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return r.opts.BaseDelay << (n - 1)
}

// OnConnected resets the failure counter
func (r *Reconnector) OnConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopPending()
	if r.attempts > 0 {
		r.logger.Info().Int("attempts", r.attempts).Msg("Reconnected")
	}
	r.attempts = 0
	r.state = StateConnected
	r.reason = ""
}

// OnDisconnect records a disconnect signal and schedules the next attempt.
// It returns false when the reconnector has given up.
func (r *Reconnector) OnDisconnect(reason string) bool {
	r.mu.Lock()
	scheduled, gaveUp := r.failLocked(reason)
	r.mu.Unlock()
	if gaveUp && r.opts.OnFailed != nil {
		r.opts.OnFailed(reason)
	}
	return scheduled
}

// OnAuthFailure gives up immediately; credentials need operator action
func (r *Reconnector) OnAuthFailure(reason string) {
	r.mu.Lock()
	if r.state == StateFailed {
		r.mu.Unlock()
		return
	}
	r.stopPending()
	r.state = StateFailed
	r.reason = reason
	r.mu.Unlock()

	r.logger.Error().Str("reason", reason).Msg("Authentication failed; not reconnecting")
	if r.opts.OnFailed != nil {
		r.opts.OnFailed(reason)
	}
}

// Reset clears a terminal failure and starts a fresh attempt sequence
func (r *Reconnector) Reset(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopPending()
	r.attempts = 0
	r.state = StateReconnecting
	r.failLocked(reason)
}

// failLocked reports whether an attempt was scheduled and whether this
// failure was the terminal one
func (r *Reconnector) failLocked(reason string) (bool, bool) {
	if r.state == StateFailed {
		return false, false
	}
	r.reason = reason
	r.stopPending()

	if r.attempts >= r.opts.MaxAttempts {
		r.state = StateFailed
		r.logger.Error().
			Int("attempts", r.attempts).
			Str("reason", reason).
			Msg("Reconnect attempts exhausted")
		return false, true
	}

	r.attempts++
	r.state = StateReconnecting
	delay := r.Delay(r.attempts)
	r.logger.Warn().
		Int("attempt", r.attempts).
		Int("max_attempts", r.opts.MaxAttempts).
		Dur("delay", delay).
		Str("reason", reason).
		Msg("Scheduling reconnect")
	r.pending = r.opts.AfterFunc(delay, r.attempt)
	return true, false
}

func (r *Reconnector) attempt() {
	r.mu.Lock()
	if r.state != StateReconnecting || r.ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	r.pending = nil
	r.mu.Unlock()

	if err := r.opts.Connect(r.ctx); err != nil {
		r.OnDisconnect(err.Error())
		return
	}
	r.OnConnected()
}

func (r *Reconnector) stopPending() {
	if r.pending != nil {
		r.pending.Stop()
		r.pending = nil
	}
}

// Stop cancels any scheduled attempt
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopPending()
}

func (r *Reconnector) State() ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Reason is the last failure reason
func (r *Reconnector) Reason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}
