package streamclient

import (
	"context"
	"time"
)

// Reconnect policy.
const (
	MaxAttempts          = 5
	InitialRetryInterval = 4 * time.Second
	BackoffRate          = 2
	MaxRetryInterval     = 16 * time.Second
)

// Backoff returns the delay before retry number attempt (1-based):
// min(InitialRetryInterval * BackoffRate^(attempt-1), MaxRetryInterval).
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := InitialRetryInterval
	for i := 1; i < attempt; i++ {
		delay *= BackoffRate
		if delay >= MaxRetryInterval {
			return MaxRetryInterval
		}
	}
	return min(delay, MaxRetryInterval)
}

// RetryState tracks Retriable failures for one submission.
type RetryState struct {
	Attempts     int
	LastInterval time.Duration
}

// Next records a Retriable failure and returns the delay before the next
// attempt. ok is false once the failure count exceeds MaxAttempts.
func (s *RetryState) Next() (delay time.Duration, ok bool) {
	s.Attempts++
	if s.Attempts > MaxAttempts {
		return 0, false
	}
	s.LastInterval = Backoff(s.Attempts)
	return s.LastInterval, true
}

// Reset clears the state after a success or for a new submission.
func (s *RetryState) Reset() {
	*s = RetryState{}
}

// Sleeper suspends for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
