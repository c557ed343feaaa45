package remedy

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryConfig is a pure, parameterized retry policy for the unreliable
// external boundaries (clone, push, inference). It is independent of any
// transport so it can be tested with injected fakes.
type RetryConfig struct {
	// Attempts is the total number of tries, including the first one.
	Attempts int `yaml:"attempts" default:"3"`

	Backoff time.Duration `yaml:"backoff" default:"1000"`

	BackoffIncrement time.Duration `yaml:"backoffIncrement" default:"500"`
	MaxBackoff       time.Duration `yaml:"maxBackoff" default:"10000"`

	// MaxJitter is the upper bound of the random duration added to each
	// backoff to avoid synchronized retries across execution units.
	MaxJitter time.Duration `yaml:"maxJitter" default:"250"`
}

// DefaultRetryConfig returns the retry policy used when no engine config is
// available, e.g. inside a sandbox worker.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:         3,
		Backoff:          time.Second,
		BackoffIncrement: 500 * time.Millisecond,
		MaxBackoff:       10 * time.Second,
		MaxJitter:        250 * time.Millisecond,
	}
}

// retryWithBackoff runs fn up to cfg.Attempts times, sleeping between tries.
// It gives up early when retryable reports the error as permanent or when
// the context is done. The backoff grows by BackoffIncrement per failed
// attempt, capped at MaxBackoff, with up to MaxJitter of random jitter.
func retryWithBackoff[T any](ctx context.Context, cfg RetryConfig, op string, log *logrus.Entry, retryable func(error) bool, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := cfg.Backoff
	for attempt := 1; attempt <= attempts; attempt++ {
		result, lastErr = fn()
		if lastErr == nil {
			return result, nil
		}
		if !retryable(lastErr) {
			return result, lastErr
		}
		if attempt == attempts {
			break
		}

		sleep := backoff
		if cfg.MaxJitter > 0 {
			sleep += time.Duration(rand.Int63n(int64(cfg.MaxJitter)))
		}
		if log != nil {
			log.Warnf("%s failed (attempt %d/%d), retrying in %s - %v", op, attempt, attempts, sleep, lastErr)
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(sleep):
		}

		backoff += cfg.BackoffIncrement
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return result, fmt.Errorf("%s failed after %d attempts - %w", op, attempts, lastErr)
}
