// Package poller drives providers that expose only a submit-then-poll
// contract: it queries job status at a bounded interval, normalizes progress
// into the canonical shape, and reports a terminal result.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"printforge/internal/apperrors"
	"printforge/internal/provider"
)

// ErrTimeout marks a poll session that hit its wall-clock or attempt cap
// without a terminal state. The executor treats it as retryable, distinct
// from a provider-reported failure.
var ErrTimeout = errors.New("polling timed out")

// StatusFunc fetches one status observation for a provider job id.
type StatusFunc func(ctx context.Context, providerJobID string) (provider.StatusPage, error)

// ProgressFunc receives normalized progress. Invoked at most once per tick
// and only when the value changed since the last tick.
type ProgressFunc func(percent int, statusText string)

// Options bounds a poll session. Zero values use defaults.
type Options struct {
	Interval    time.Duration // default: 2s, overridden per tick by provider hints
	MinInterval time.Duration // default: 200ms, lower clamp for hints
	MaxInterval time.Duration // default: 30s, upper clamp for hints
	MaxWait     time.Duration // default: 15m wall clock
	MaxAttempts int           // default: 0 (no attempt cap, wall clock only)
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.MinInterval <= 0 {
		o.MinInterval = 200 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 30 * time.Second
	}
	if o.MaxWait <= 0 {
		o.MaxWait = 15 * time.Minute
	}
	return o
}

// Poll queries status until a terminal state, the context is cancelled, or a
// bound is exceeded. Delivered percent never decreases within a session;
// unknown provider states keep the previous percent with updated text.
//
// Cancelling the context stops future ticks only. The remote job keeps
// running; its result is still persisted and deliverable to a later
// subscriber.
func Poll(ctx context.Context, providerJobID string, status StatusFunc, onProgress ProgressFunc, opts Options) (*provider.Result, error) {
	opts = opts.withDefaults()
	logger := slog.With("component", "poller", "providerJobId", providerJobID)

	deadline := time.Now().Add(opts.MaxWait)
	lastPercent := 0
	lastText := ""
	delivered := false

	for attempt := 1; ; attempt++ {
		if opts.MaxAttempts > 0 && attempt > opts.MaxAttempts {
			return nil, apperrors.Transient("progress poll",
				fmt.Errorf("%w after %d attempts", ErrTimeout, opts.MaxAttempts))
		}

		page, err := status(ctx, providerJobID)
		wait := opts.Interval
		switch {
		case err != nil && !apperrors.Retryable(err):
			return nil, err
		case err != nil:
			// A failed observation is not a failed job; the next tick
			// may succeed. The caps bound how long we keep trying.
			logger.Debug("Status check failed", "attempt", attempt, "error", err)
		default:
			percent := page.Progress.Percent
			if percent < 0 || percent < lastPercent {
				percent = lastPercent
			}
			text := page.Progress.StatusText

			changed := percent != lastPercent || text != lastText || !delivered
			if onProgress != nil && changed {
				onProgress(percent, text)
				delivered = true
			}
			lastPercent, lastText = percent, text

			if page.Done {
				if page.Err != nil {
					return nil, page.Err
				}
				return page.Result, nil
			}

			if page.RetryAfter > 0 {
				wait = min(max(page.RetryAfter, opts.MinInterval), opts.MaxInterval)
			}
		}

		if time.Now().Add(wait).After(deadline) {
			return nil, apperrors.Transient("progress poll",
				fmt.Errorf("%w after %s", ErrTimeout, opts.MaxWait))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}
