package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/email"
)

func fastConfig(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), fastConfig(5), func(int) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("send: %w", email.ErrConnectionFailed)
		}
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryDoesNotRetryAuthentication(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), fastConfig(5), func(int) error {
		calls++
		return fmt.Errorf("smtp auth: %w", email.ErrAuthenticationFailed)
	}, nil)
	require.ErrorIs(t, err, email.ErrAuthenticationFailed)
	assert.Equal(t, 1, calls)
}

func TestRetryReturnsLastErrorAfterAttempts(t *testing.T) {
	var retries []int
	boom := errors.New("451 temporary local problem")
	err := RetryWithBackoff(context.Background(), fastConfig(3), func(int) error {
		return boom
	}, func(attempt int, _ error, _ time.Duration) {
		retries = append(retries, attempt)
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []int{0, 1}, retries)
}

func TestDelayIsCapped(t *testing.T) {
	cfg := ReconnectConfig()
	assert.GreaterOrEqual(t, cfg.Delay(0), 2*time.Second)
	assert.LessOrEqual(t, cfg.Delay(0), 2500*time.Millisecond)
	assert.Equal(t, 60*time.Second, cfg.Delay(20))

	b := &Backoff{Config: RetryConfig{InitialDelay: time.Second, MaxDelay: 4 * time.Second, BackoffFactor: 2}}
	assert.Equal(t, time.Second, b.Next())
	assert.Equal(t, 2*time.Second, b.Next())
	assert.Equal(t, 4*time.Second, b.Next())
	assert.Equal(t, 4*time.Second, b.Next())
	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}

func TestCategorizeError(t *testing.T) {
	assert.Equal(t, ErrorAuthentication, CategorizeError(fmt.Errorf("x: %w", email.ErrTokenExpired)))
	assert.Equal(t, ErrorPermanent, CategorizeError(fmt.Errorf("x: %w", email.ErrTLSValidation)))
	assert.Equal(t, ErrorTimeout, CategorizeError(fmt.Errorf("x: %w", email.ErrTimeout)))
	assert.Equal(t, ErrorNetwork, CategorizeError(errors.New("dial tcp: connection refused")))
	assert.Equal(t, ErrorPermanent, CategorizeError(errors.New("550 mailbox unavailable")))
	assert.True(t, ShouldRetry(fmt.Errorf("x: %w", email.ErrProtocolParse)))
}
