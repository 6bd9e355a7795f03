package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/psantana5/ml-orchestrator/pkg/models"
)

// Config holds retry configuration
type Config struct {
	MaxRetries     int           // Maximum number of retry attempts
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
	Multiplier     float64       // Backoff multiplier (exponential)
}

// DefaultConfig is used for collaborator bootstrap (store, queue, buckets)
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// CheckpointConfig is short enough that a worker never stalls long on a
// failing store; the next checkpoint writes the latest snapshot anyway.
func CheckpointConfig() Config {
	return Config{
		MaxRetries:     2,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     1 * time.Second,
		Multiplier:     2.0,
	}
}

// Do executes fn with exponential backoff retries. Errors for which
// IsRetryable is false are returned immediately.
func Do(ctx context.Context, config Config, fn func() error) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err

		if attempt == config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * config.Multiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return fmt.Errorf("%w: %w", models.ErrTransientInfra, lastErr)
}

// IsRetryable reports whether err looks like a transient infrastructure failure.
// Argument and lookup errors are never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, models.ErrInvalidArgument) || errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrUnsupported) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, models.ErrTransientInfra) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, retryable := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"database is locked",
		"too many connections",
		"503",
		"502",
		"504",
		"eof",
		"broken pipe",
	} {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}
	return false
}
