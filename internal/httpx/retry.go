package httpx

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lowkeylabs/crossyield/internal/errs"
)

// RetryConfig configures retry behavior for upstream requests
type RetryConfig struct {
	MaxAttempts int           // Total attempts including the first
	BaseBackoff time.Duration // Backoff before the first retry
	MaxBackoff  time.Duration // Backoff ceiling
	OnRetry     func(attempt int, err error)
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseBackoff: 250 * time.Millisecond,
		MaxBackoff:  4 * time.Second,
	}
}

// IsRetryable checks if an error is worth retrying
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Typed errors carry their own retriability.
	if errs.KindOf(err) != "" {
		return errs.IsRetriable(err)
	}

	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "rate limit") {
		return true
	}

	return false
}

// fullJitterBackoff picks a uniform random delay in [0, min(max, base*2^attempt)].
// Spreading retries over the whole window keeps clients from stampeding an
// upstream that just recovered.
func fullJitterBackoff(base, max time.Duration, attempt int) time.Duration {
	ceil := base << uint(attempt)
	if ceil <= 0 || ceil > max {
		ceil = max
	}
	return time.Duration(rand.Int63n(int64(ceil) + 1))
}

// RetryableOperation represents an operation that can be retried
type RetryableOperation func() error

// WithRetry executes an operation with full-jitter exponential backoff
func WithRetry(ctx context.Context, config RetryConfig, operation RetryableOperation) error {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	var lastErr error

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		// Check context cancellation
		select {
		case <-ctx.Done():
			return errs.Cancelled(ctx.Err())
		default:
		}

		err := operation()
		if err == nil {
			if attempt > 0 {
				log.Info().
					Int("attempt", attempt+1).
					Msg("Operation succeeded after retry")
			}
			return nil
		}

		lastErr = err

		if !IsRetryable(err) {
			log.Debug().
				Err(err).
				Msg("Error is not retryable, aborting")
			return err
		}

		// Don't sleep after last attempt
		if attempt == config.MaxAttempts-1 {
			break
		}

		backoff := fullJitterBackoff(config.BaseBackoff, config.MaxBackoff, attempt)

		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", config.MaxAttempts).
			Dur("backoff", backoff).
			Msg("Operation failed, retrying with backoff")

		if config.OnRetry != nil {
			config.OnRetry(attempt+1, err)
		}

		select {
		case <-ctx.Done():
			return errs.Cancelled(ctx.Err())
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxAttempts, lastErr)
}
