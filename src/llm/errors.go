package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"leadbot/src/retry"
)

// Kind is the classified failure mode of a provider call
type Kind int

const (
	KindOther Kind = iota
	KindRateLimited
	KindServerError
	KindContextTooLong
	KindInvalidCredential
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindServerError:
		return "server_error"
	case KindContextTooLong:
		return "context_too_long"
	case KindInvalidCredential:
		return "invalid_credential"
	default:
		return "other"
	}
}

var (
	ErrRateLimited       = errors.New("provider rate limited")
	ErrServerError       = errors.New("provider server error")
	ErrContextTooLong    = errors.New("provider context too long")
	ErrInvalidCredential = errors.New("provider rejected credentials")
	ErrEmptyResponse     = errors.New("provider returned an empty response")
)

// ProviderError carries the classified failure of one provider call
type ProviderError struct {
	Kind Kind
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("llm %s: %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is lets errors.Is match the sentinel of the error's kind
func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrServerError:
		return e.Kind == KindServerError
	case ErrContextTooLong:
		return e.Kind == KindContextTooLong
	case ErrInvalidCredential:
		return e.Kind == KindInvalidCredential
	}
	return false
}

var statusPattern = regexp.MustCompile(`status(?: code)?[:= ]+(\d{3})`)

// Classify determines the Kind of err. Errors that are already a
// ProviderError keep their kind; others are inspected for status codes and
// provider messages.
func Classify(err error) Kind {
	if err == nil {
		return KindOther
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindServerError
	}

	msg := strings.ToLower(err.Error())
	if m := statusPattern.FindStringSubmatch(msg); m != nil {
		code, _ := strconv.Atoi(m[1])
		switch {
		case code == 429:
			return KindRateLimited
		case code == 401 || code == 403:
			return KindInvalidCredential
		case code == 413:
			return KindContextTooLong
		case code >= 500:
			return KindServerError
		}
	}

	switch {
	case containsAny(msg, "rate limit", "rate_limit", "too many requests", "quota"):
		return KindRateLimited
	case containsAny(msg, "context_length_exceeded", "maximum context length", "context length", "too many tokens", "prompt is too long"):
		return KindContextTooLong
	case containsAny(msg, "invalid api key", "incorrect api key", "invalid_api_key", "unauthorized", "authentication"):
		return KindInvalidCredential
	case containsAny(msg, "overloaded", "server error", "bad gateway", "service unavailable", "timeout", "connection reset", "eof"):
		return KindServerError
	}
	return KindOther
}

// Wrap classifies err into a ProviderError; nil stays nil
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Kind: Classify(err), Err: err}
}

// RetryClass maps provider failures onto retry behaviour: rate limits wait
// longer, server errors retry normally, everything else fails fast.
func RetryClass(err error) retry.Class {
	if errors.Is(err, context.Canceled) {
		return retry.Permanent
	}
	switch Classify(err) {
	case KindRateLimited:
		return retry.Throttled
	case KindServerError:
		return retry.Transient
	default:
		return retry.Permanent
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
