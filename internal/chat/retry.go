package chat

import (
	"context"
	"log/slog"
	"time"

	"orcascore/engine/internal/llm"
	"orcascore/engine/internal/logging"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

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

// RetryPolicy retries failed provider requests with exponential backoff.
// Retry n (0-based) waits BaseDelay*2^n. Client errors other than 429 are
// returned immediately.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Sleep      Sleeper
	Logger     *slog.Logger
	// OnRetry is called before each backoff wait.
	OnRetry func(attempt int, wait time.Duration, err error)
	// Stop, when it reports true, ends Do after the current attempt with
	// no further retries.
	Stop func() bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: DefaultMaxRetries, BaseDelay: DefaultBaseDelay}
}

// Delay returns the wait before retry attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	return base * time.Duration(1<<uint(attempt))
}

// Do calls fn until it succeeds, fails with a non-retryable error, the
// retries are used up or Stop reports true. It returns the number of
// requests made.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) (llm.Response, error)) (llm.Response, int, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	logger := p.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	attempts := 0
	for {
		attempts++
		resp, err := fn(ctx)
		if err == nil {
			return resp, attempts, nil
		}
		if p.stopped() {
			logger.Debug("chat.request_retry_stopped", "attempts", attempts, "error", err.Error())
			return llm.Response{}, attempts, err
		}
		retry := attempts - 1
		if !llm.Retryable(err) || retry >= maxRetries {
			if retry > 0 {
				logger.Warn("chat.request_retries_exhausted", "attempts", attempts, "error", err.Error())
			}
			return llm.Response{}, attempts, err
		}
		wait := p.Delay(retry)
		logger.Warn("chat.request_retry", "retry_attempt", retry+1, "retry_max", maxRetries, "retry_in_ms", wait.Milliseconds(), "error", err.Error())
		if p.OnRetry != nil {
			p.OnRetry(retry+1, wait, err)
		}
		if err := sleep(ctx, wait); err != nil {
			return llm.Response{}, attempts, err
		}
		if p.stopped() {
			return llm.Response{}, attempts, err
		}
	}
}

func (p RetryPolicy) stopped() bool {
	return p.Stop != nil && p.Stop()
}
