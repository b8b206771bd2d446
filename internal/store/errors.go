package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by every Store implementation. Services translate
// these into the user-visible error shapes.
var (
	// ErrNotFound means the entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict means a unique constraint or state precondition failed.
	ErrConflict = errors.New("conflict")

	// ErrPoolExhausted means no connection was available; callers fail fast.
	ErrPoolExhausted = errors.New("connection pool exhausted")
)

// RetryConfig bounds the transient-error retry loop.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetry is the retry policy applied to transient database errors.
var DefaultRetry = RetryConfig{
	MaxAttempts: 3,
	BaseDelay:   50 * time.Millisecond,
	MaxDelay:    2 * time.Second,
}

// WithRetry runs op, retrying on transient errors with exponential backoff.
// Terminal errors and context cancellation surface immediately.
func WithRetry(ctx context.Context, cfg RetryConfig, transient func(error) bool, op func() error) error {
	delay := cfg.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil || !transient(err) || attempt >= cfg.MaxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}
