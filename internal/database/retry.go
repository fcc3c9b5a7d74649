package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrLocked is the retryable error category for SQLite lock contention.
// The retry wrapper below is the only place that inspects it; callers
// see it only after all retries are exhausted.
var ErrLocked = errors.New("database locked")

// IsLockError reports whether an error is SQLite lock contention.
// Covers both drivers in use (modernc in production, mattn in tests).
func IsLockError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLocked) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// RetryConfig tunes the lock-timeout retry wrapper
type RetryConfig struct {
	MaxAttempts    int           // Total attempts (default 3)
	BaseDelay      time.Duration // First backoff delay (default 1s)
	AttemptTimeout time.Duration // Per-attempt deadline (default 30s)
	WarnAfter      time.Duration // Warn when a single wait exceeds this (default 5s)
}

// DefaultRetryConfig returns the standard lock-retry policy
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		AttemptTimeout: 30 * time.Second,
		WarnAfter:      5 * time.Second,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.WarnAfter <= 0 {
		c.WarnAfter = d.WarnAfter
	}
	return c
}

// WithRetry runs op, retrying on lock contention with exponential
// backoff (base delay, factor 2). Non-lock errors fail immediately.
// Each attempt runs under its own deadline; a WARN is logged when a
// single lock wait exceeds the warn threshold, and an ERROR on final
// failure.
func WithRetry(ctx context.Context, log zerolog.Logger, cfg RetryConfig, name string, op func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()

	var lastErr error
	delay := cfg.BaseDelay
	waitStart := time.Now()

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
		err := op(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		if !IsLockError(err) {
			return err
		}
		lastErr = err

		waited := time.Since(waitStart)
		if waited > cfg.WarnAfter {
			log.Warn().
				Str("op", name).
				Int("attempt", attempt).
				Dur("waited", waited).
				Msg("SQLite lock wait exceeded threshold")
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s cancelled during lock retry: %w", name, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}

	log.Error().
		Str("op", name).
		Int("attempts", cfg.MaxAttempts).
		Err(lastErr).
		Msg("SQLite operation failed after all lock retries")

	return fmt.Errorf("%s failed after %d attempts: %w: %w", name, cfg.MaxAttempts, ErrLocked, lastErr)
}
