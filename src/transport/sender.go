package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"leadbot/src/retry"
)

// sendClass retries everything except a rejection or a cancelled caller
func sendClass(err error) retry.Class {
	if errors.Is(err, ErrSendRejected) || errors.Is(err, context.Canceled) {
		return retry.Permanent
	}
	return retry.Transient
}

// Sender delivers replies with a linear retry
type Sender struct {
	transport Transport
	policy    retry.Policy
	logger    zerolog.Logger
}

func NewSender(t Transport, attempts int, step time.Duration, logger zerolog.Logger) *Sender {
	return &Sender{
		transport: t,
		policy: retry.Policy{
			Name:        "send-message",
			MaxAttempts: attempts,
			BaseDelay:   step,
			Strategy:    retry.Linear,
			Classify:    sendClass,
			Logger:      logger,
		},
		logger: logger,
	}
}

// Send delivers text to a counterpart; blank text is a no-op
func (s *Sender) Send(ctx context.Context, to, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		return s.transport.Send(ctx, to, text)
	})
	if err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	s.logger.Debug().Str("to", to).Int("length", len(text)).Msg("Reply delivered")
	return nil
}
