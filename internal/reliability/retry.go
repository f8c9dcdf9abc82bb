package reliability

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/brandon/mailsync/internal/email"
)

// RetryConfig holds configuration for retry operations
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryConfig returns the defaults used for SMTP delivery.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// ReconnectConfig returns the backoff used between push reconnects.
func ReconnectConfig() RetryConfig {
	return RetryConfig{
		InitialDelay:  2 * time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.BackoffFactor <= 1.0 {
		c.BackoffFactor = 2.0
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	return c
}

// RetryWithBackoff runs fn until it succeeds, returns a non-retryable
// error, runs out of attempts, or ctx is done. onRetry, when non-nil, is
// called before each wait.
func RetryWithBackoff(ctx context.Context, config RetryConfig, fn func(attempt int) error, onRetry func(attempt int, err error, delay time.Duration)) error {
	config = config.normalized()

	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == config.MaxAttempts-1 || !ShouldRetry(err) {
			break
		}
		if ctx.Err() != nil {
			return lastErr
		}

		delay := config.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return lastErr
		}
	}

	return lastErr
}

// Delay returns the wait before retry number attempt (0-based).
func (c RetryConfig) Delay(attempt int) time.Duration {
	c = c.normalized()

	var delay float64
	e := float64(attempt) * math.Log(c.BackoffFactor)
	maxE := math.Log(float64(c.MaxDelay) / float64(c.InitialDelay))
	if math.IsNaN(e) || math.IsInf(e, 0) || e > maxE {
		delay = float64(c.MaxDelay)
	} else {
		delay = math.Min(float64(c.InitialDelay)*math.Exp(e), float64(c.MaxDelay))
	}

	if c.Jitter {
		delay += secureRandFloat64() * delay * 0.25
		if delay > float64(c.MaxDelay) {
			delay = float64(c.MaxDelay)
		}
	}

	if math.IsNaN(delay) || delay < 0 {
		delay = float64(c.MaxDelay)
	}
	return time.Duration(math.Round(delay))
}

// Backoff tracks consecutive failures for a long-running reconnect loop.
type Backoff struct {
	Config   RetryConfig
	failures int
}

// Next returns the delay for the next reconnect and records a failure.
func (b *Backoff) Next() time.Duration {
	d := b.Config.Delay(b.failures)
	b.failures++
	return d
}

// Reset clears the failure count after a healthy session.
func (b *Backoff) Reset() {
	b.failures = 0
}

func secureRandFloat64() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(b[:])>>11) / float64(1<<53)
}

// ErrorCategory represents different types of errors for handling strategies
type ErrorCategory int

const (
	ErrorTemporary ErrorCategory = iota
	ErrorPermanent
	ErrorAuthentication
	ErrorNetwork
	ErrorTimeout
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrorPermanent:
		return "permanent"
	case ErrorAuthentication:
		return "authentication"
	case ErrorNetwork:
		return "network"
	case ErrorTimeout:
		return "timeout"
	default:
		return "temporary"
	}
}

// CategorizeError classifies err, preferring the session error taxonomy and
// falling back to message patterns for errors from other layers.
func CategorizeError(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorTemporary
	case errors.Is(err, email.ErrAuthenticationFailed), errors.Is(err, email.ErrTokenExpired):
		return ErrorAuthentication
	case errors.Is(err, email.ErrTLSValidation):
		return ErrorPermanent
	case errors.Is(err, email.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorTimeout
	case errors.Is(err, email.ErrConnectionFailed):
		return ErrorNetwork
	case errors.Is(err, email.ErrProtocolParse):
		return ErrorTemporary
	case errors.Is(err, context.Canceled):
		return ErrorPermanent
	}

	errStr := strings.ToLower(err.Error())
	for _, p := range []string{"authentication failed", "invalid credentials", "535 ", "534 "} {
		if strings.Contains(errStr, p) {
			return ErrorAuthentication
		}
	}
	for _, p := range []string{"connection refused", "connection reset", "broken pipe", "no such host", "network unreachable"} {
		if strings.Contains(errStr, p) {
			return ErrorNetwork
		}
	}
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
		return ErrorTimeout
	}
	for _, p := range []string{"mailbox does not exist", "no such mailbox", "permission denied", "quota exceeded", "550 ", "553 ", "554 "} {
		if strings.Contains(errStr, p) {
			return ErrorPermanent
		}
	}
	return ErrorTemporary
}

// ShouldRetry determines if an error should be retried based on its category
func ShouldRetry(err error) bool {
	switch CategorizeError(err) {
	case ErrorTemporary, ErrorNetwork, ErrorTimeout:
		return true
	default:
		return false
	}
}
