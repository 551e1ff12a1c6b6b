package sync

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/wesm/issue-sync/internal/api"
)

// ErrRetriesExhausted marks a transient failure that outlived the retry budget
var ErrRetriesExhausted = errors.New("retries exhausted")

// withRetry runs fn, retrying transient fetch failures with exponential backoff.
// Any other error is returned immediately.
func (s *Syncer) withRetry(ctx context.Context, report *Report, op string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var transient *api.TransientFetchError
		if !errors.As(err, &transient) {
			return err
		}
		if attempt >= s.opts.MaxRetries {
			return fmt.Errorf("%s: %w after %d retries: %w", op, ErrRetriesExhausted, attempt, err)
		}

		wait := backoff(attempt, s.opts.BaseDelay, s.opts.MaxDelay, transient.RetryAfter)
		report.Retries++
		s.log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_retries", s.opts.MaxRetries).
			Dur("wait", wait).
			Msg("transient failure, backing off")

		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// backoff returns base*2^attempt, raised to retryAfter and capped at max
func backoff(attempt int, base, max, retryAfter time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt && (max <= 0 || d < max); i++ {
		d *= 2
	}
	if retryAfter > d {
		d = retryAfter
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}

// jitter spreads d by up to 15% either way
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.85 + 0.3*rand.Float64()))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
