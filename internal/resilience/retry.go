// Package resilience provides the retry primitive used for outbound model
// calls.
//
// The hosted analysis backend signals rate-limiting through error messages
// rather than typed responses, so the policy decides retryability with a
// caller-supplied predicate and waits with exponentially doubling delays
// between attempts.
package resilience

import (
	"context"
	"log/slog"
	"time"
)

// Backoff retries an operation with exponentially doubling waits between
// attempts. The zero value retries 3 times starting at 1 second.
type Backoff struct {
	// Initial is the wait before the first retry. Default: 1s.
	Initial time.Duration

	// Retries is the maximum number of retries after the initial attempt.
	// Default: 3.
	Retries int

	// Retryable decides whether an error is worth another attempt. A nil
	// predicate retries every error.
	Retryable func(error) bool

	// Sleep overrides the wait implementation. Tests inject a recorder here;
	// the default honors context cancellation.
	Sleep func(ctx context.Context, d time.Duration)

	// Log receives a warning per retry. Nil disables logging.
	Log *slog.Logger

	// OnRetry is called once per retry with the error that triggered it,
	// before the wait. Nil disables the callback.
	OnRetry func(err error)
}

// Do runs fn until it succeeds, the retry budget is exhausted, or a
// non-retryable error occurs. The last error from fn is returned; if the
// context is cancelled while waiting, the context error is returned instead.
func (b Backoff) Do(ctx context.Context, fn func() error) error {
	initial := b.Initial
	if initial <= 0 {
		initial = time.Second
	}
	retries := b.Retries
	if retries <= 0 {
		retries = 3
	}
	sleep := b.Sleep
	if sleep == nil {
		sleep = defaultSleep
	}

	delay := initial
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= retries {
			return err
		}
		if b.Retryable != nil && !b.Retryable(err) {
			return err
		}

		if b.Log != nil {
			b.Log.Warn("backend busy, retrying",
				"delay", delay,
				"attempts_left", retries-attempt,
				"error", err)
		}
		if b.OnRetry != nil {
			b.OnRetry(err)
		}

		sleep(ctx, delay)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay *= 2
	}
}

func defaultSleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
