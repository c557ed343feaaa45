package remedy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var testRetryConfig = RetryConfig{
	Attempts:         3,
	Backoff:          time.Millisecond,
	BackoffIncrement: time.Millisecond,
	MaxBackoff:       5 * time.Millisecond,
}

func TestRetrySucceedsEventually(t *testing.T) {
	calls := 0
	result, err := retryWithBackoff(context.Background(), testRetryConfig, "op", nil, isTransient, func() (string, error) {
		calls++
		if calls < 3 {
			return "", &InferenceError{Transient: true, Err: fmt.Errorf("flaky")}
		}
		return "ok", nil
	})

	assert.Nil(t, err, "Retry returned an error despite eventual success")
	assert.Equal(t, "ok", result, "Wrong result")
	assert.Equal(t, 3, calls, "Wrong number of attempts")
}

func TestRetryGivesUpAfterAttempts(t *testing.T) {
	calls := 0
	_, err := retryWithBackoff(context.Background(), testRetryConfig, "op", nil, isTransient, func() (string, error) {
		calls++
		return "", &RepoAccessError{URL: "u", Transient: true, Err: fmt.Errorf("network")}
	})

	assert.NotNil(t, err, "Retry succeeded despite persistent failure")
	assert.Equal(t, 3, calls, "Wrong number of attempts")
	var repoErr *RepoAccessError
	assert.ErrorAs(t, err, &repoErr, "Final error does not wrap the last failure")
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := retryWithBackoff(context.Background(), testRetryConfig, "op", nil, isTransient, func() (string, error) {
		calls++
		return "", &RepoAccessError{URL: "u", Transient: false, Err: fmt.Errorf("repository not found")}
	})

	assert.NotNil(t, err, "Permanent failure not reported")
	assert.Equal(t, 1, calls, "Permanent failure was retried")
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := testRetryConfig
	cfg.Backoff = time.Minute

	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := retryWithBackoff(ctx, cfg, "op", nil, isTransient, func() (string, error) {
			calls++
			return "", &InferenceError{Transient: true, Err: fmt.Errorf("flaky")}
		})
		done <- err
	}()

	// Cancel while the retry sleeps through its first backoff.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled, "Cancellation not propagated")
		assert.Equal(t, 1, calls, "Retry kept going after cancellation")
	case <-time.After(2 * time.Second):
		t.Fatal("Retry did not return after cancellation")
	}
}

func TestRetryZeroAttemptsStillTriesOnce(t *testing.T) {
	calls := 0
	_, err := retryWithBackoff(context.Background(), RetryConfig{}, "op", nil, isTransient, func() (struct{}, error) {
		calls++
		return struct{}{}, nil
	})

	assert.Nil(t, err, "Single attempt failed")
	assert.Equal(t, 1, calls, "Wrong number of attempts for the zero config")
}

func TestIsTransient(t *testing.T) {
	values := []struct {
		err       error
		transient bool
	}{
		{&RepoAccessError{Transient: true}, true},
		{&RepoAccessError{Transient: false}, false},
		{&GitOperationError{Op: "push", Transient: true}, true},
		{&GitOperationError{Op: "push", Transient: false}, false},
		{&InferenceError{Transient: true}, true},
		{&InferenceError{Transient: false}, false},
		{fmt.Errorf("wrapped: %w", &InferenceError{Transient: true}), true},
		{fmt.Errorf("plain"), false},
		{context.Canceled, false},
	}

	for i, v := range values {
		assert.Equalf(t, v.transient, isTransient(v.err), "Wrong transience verdict in test %d", i)
	}
}
