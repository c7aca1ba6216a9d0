package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchangeError_WrapsSentinel(t *testing.T) {
	err := NewExchangeError("binance", "get_order", KindUnknown, false, ErrOrderNotFound)

	assert.ErrorIs(t, err, ErrOrderNotFound)

	var ee *ExchangeError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "binance", ee.Exchange)
	assert.Equal(t, KindUnknown, ee.Kind)
}

func TestIsRetryable(t *testing.T) {
	retryable := NewExchangeError("binance", "fetch", KindRateLimit, true, ErrRateLimitExceeded)
	assert.True(t, IsRetryable(retryable))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", retryable)))

	fatal := NewExchangeError("binance", "place_order", KindAuth, false, ErrAuthenticationFailed)
	assert.False(t, IsRetryable(fatal))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestStateError_UnwrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := &StateError{StrategyID: "s1", Message: "save failed", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "s1")
	assert.Contains(t, err.Error(), "disk full")

	bare := &StateError{StrategyID: "s1", Message: "no snapshot"}
	assert.Contains(t, bare.Error(), "no snapshot")
}

func TestStrategyError_UnwrapsCause(t *testing.T) {
	cause := errors.New("division by zero")
	err := &StrategyError{StrategyID: "s1", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "s1")
}
