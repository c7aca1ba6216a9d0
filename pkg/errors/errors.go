// Package apperrors defines the error taxonomy of the trading core.
package apperrors

import (
	"errors"
	"fmt"
)

// Standardized exchange errors
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrOrderRejected        = errors.New("order rejected")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrNetwork              = errors.New("network error")
	ErrInvalidSymbol        = errors.New("invalid symbol")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrOrderNotFound        = errors.New("order not found")
	ErrDuplicateOrder       = errors.New("duplicate order")
	ErrNotConnected         = errors.New("exchange not connected")
)

// ExchangeErrorKind classifies connector failures.
type ExchangeErrorKind string

const (
	KindAuth      ExchangeErrorKind = "auth"
	KindRateLimit ExchangeErrorKind = "rate_limit"
	KindNetwork   ExchangeErrorKind = "network"
	KindBadSymbol ExchangeErrorKind = "bad_symbol"
	KindUnknown   ExchangeErrorKind = "unknown"
)

// ExchangeError is a typed connector failure. Retryable errors may be retried
// with backoff; others surface as events.
type ExchangeError struct {
	Kind      ExchangeErrorKind
	Exchange  string
	Op        string
	Retryable bool
	Err       error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange %s: %s: %s: %v", e.Exchange, e.Op, e.Kind, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// NewExchangeError builds a typed connector failure.
func NewExchangeError(exchange, op string, kind ExchangeErrorKind, retryable bool, err error) *ExchangeError {
	return &ExchangeError{Kind: kind, Exchange: exchange, Op: op, Retryable: retryable, Err: err}
}

// IsRetryable reports whether err is a retryable exchange error.
func IsRetryable(err error) bool {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.Retryable
	}
	return false
}

// ConfigError is fatal at startup.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Message)
}

// StateError marks recovery or consistency failures.
type StateError struct {
	StrategyID string
	Message    string
	Err        error
}

func (e *StateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("state error: strategy %s: %s: %v", e.StrategyID, e.Message, e.Err)
	}
	return fmt.Sprintf("state error: strategy %s: %s", e.StrategyID, e.Message)
}

func (e *StateError) Unwrap() error { return e.Err }

// ErrRecoveryInProgress rejects concurrent recovery for the same strategy.
var ErrRecoveryInProgress = errors.New("recovery already in progress")

// StrategyError marks an analyzer failure. It pauses the strategy, never the
// engine.
type StrategyError struct {
	StrategyID string
	Err        error
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("strategy %s: %v", e.StrategyID, e.Err)
}

func (e *StrategyError) Unwrap() error { return e.Err }

// InvariantViolation is a logic bug. It triggers an emergency stop.
type InvariantViolation struct {
	Message string
}

func (e *InvariantViolation) Error() string {
	return "invariant violation: " + e.Message
}
