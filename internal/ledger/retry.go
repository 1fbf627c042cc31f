package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RetryPolicy governs retries of read-only ledger calls. Submissions are
// never retried.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

func retryRead[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := p.InitialBackoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}

	var (
		lastErr error
		tried   int
	)
	for i := 1; i <= attempts; i++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		tried = i
		if ctx.Err() != nil || !isRetryable(err) || i == attempts {
			break
		}

		sleep := backoff
		if p.MaxBackoff > 0 && sleep > p.MaxBackoff {
			sleep = p.MaxBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
		if p.BackoffMultiplier > 1 {
			backoff *= time.Duration(p.BackoffMultiplier)
		}
	}
	return zero, fmt.Errorf("after %d attempt(s): %w", tried, lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "execution reverted") || strings.Contains(msg, "invalid") {
		return false
	}
	return true
}
