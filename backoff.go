package mailrelay

import (
	"context"
	"fmt"
	"math"
	"time"
)

// BackoffStrategy computes the wait between attempt n and attempt n+1 (n starts at 1).
type BackoffStrategy interface {
	Delay(attempt int) time.Duration
}

// FixedBackoffStrategy waits the same delay after every failed attempt.
type FixedBackoffStrategy struct {
	delay time.Duration
}

// NewFixedBackoffStrategy creates a fixed backoff.
func NewFixedBackoffStrategy(delay time.Duration) *FixedBackoffStrategy {
	if delay < 0 {
		delay = 0
	}
	return &FixedBackoffStrategy{delay: delay}
}

// Delay implements BackoffStrategy.
func (s *FixedBackoffStrategy) Delay(_ int) time.Duration {
	return s.delay
}

// ExponentialBackoffStrategy waits base * multiplier^(attempt-1), capped at maxDelay when set.
type ExponentialBackoffStrategy struct {
	base       time.Duration
	multiplier float64
	maxDelay   time.Duration
}

// NewExponentialBackoffStrategy creates an exponential backoff. A multiplier below 1 is
// treated as 1; a zero maxDelay means uncapped.
func NewExponentialBackoffStrategy(base time.Duration, multiplier float64, maxDelay time.Duration) *ExponentialBackoffStrategy {
	if multiplier < 1 {
		multiplier = 1
	}
	return &ExponentialBackoffStrategy{
		base:       base,
		multiplier: multiplier,
		maxDelay:   maxDelay,
	}
}

// Delay implements BackoffStrategy.
func (s *ExponentialBackoffStrategy) Delay(attempt int) time.Duration {
	if s.base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	d := time.Duration(math.MaxInt64)
	if delay := float64(s.base) * math.Pow(s.multiplier, float64(attempt-1)); delay < math.MaxInt64 {
		d = time.Duration(delay)
	}

	if s.maxDelay > 0 && d > s.maxDelay {
		return s.maxDelay
	}
	return d
}

// DefaultBackoffStrategy is 1s doubling per attempt, capped at 30s.
func DefaultBackoffStrategy() BackoffStrategy {
	return NewExponentialBackoffStrategy(time.Second, 2, 30*time.Second)
}

// RetryPolicy bounds the attempts for one message.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     BackoffStrategy
}

// BatchRetryPolicy is used on the batch path: one retry after a short pause.
func BatchRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 2,
		Backoff:     NewFixedBackoffStrategy(500 * time.Millisecond),
	}
}

// TopicRetryPolicy is used on the single-message path: five attempts, 1s doubling.
func TopicRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Backoff:     NewExponentialBackoffStrategy(time.Second, 2, 0),
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Backoff == nil {
		p.Backoff = DefaultBackoffStrategy()
	}
	return p
}

// sleepWithContext waits for d or until ctx is done.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	}
}
