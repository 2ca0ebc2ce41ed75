package whatsapp

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mau.fi/whatsmeow"
)

// RetryConfig holds retry settings for single gateway calls
type RetryConfig struct {
	MaxRetries    int
	RetryBackoff  time.Duration
	RateLimitWait time.Duration
}

// DefaultRetryConfig returns the settings used for outgoing messages
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    2,
		RetryBackoff:  500 * time.Millisecond,
		RateLimitWait: 5 * time.Second,
	}
}

// RetryWithBackoff executes fn, retrying transient errors with exponential backoff
func RetryWithBackoff(ctx context.Context, fn func() error, config RetryConfig) error {
	var lastErr error
	backoff := config.RetryBackoff

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := backoff
			if isRateLimitError(lastErr) {
				wait = config.RateLimitWait
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientError(err) {
			return err
		}
	}

	return lastErr
}

// isRateLimitError checks if error is WhatsApp rate limiting (429)
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") || strings.Contains(errStr, "rate-overlimit") || strings.Contains(errStr, "throttle")
}

// isTransientError reports whether repeating the same call may succeed
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, whatsmeow.ErrIQTimedOut) || isRateLimitError(err) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	// usync lookups fail intermittently right after a reconnect
	return strings.Contains(errStr, "usync") || strings.Contains(errStr, "timed out")
}
