package mailrelay

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	defaultPoolCoreSize        = 20
	defaultPoolMaxSize         = 50
	defaultPoolQueueCapacity   = 70
	defaultPoolKeepAlive       = 60 * time.Second
	defaultDeadLetterTimeout   = 15 * time.Second
	defaultAttemptTimeout      = time.Minute
	defaultSuccessSubject      = "[TablePick] Your reservation is confirmed"
	defaultOutcomeRetention    = 30 * 24 * time.Hour
	defaultDeadLetterRetention = 90 * 24 * time.Hour
)

//
// Carrier Options
//

type CarrierOption func(*Carrier)

func WithLogger(logger *zap.Logger) CarrierOption {
	return func(c *Carrier) {
		c.logger = logger
	}
}

func WithMetrics(metrics MetricsCollector) CarrierOption {
	return func(c *Carrier) {
		c.metrics = metrics
	}
}

func WithOutcomeSink(sink OutcomeSink) CarrierOption {
	return func(c *Carrier) {
		c.outcomes = sink
	}
}

func WithDeadLetterSink(sink DeadLetterSink) CarrierOption {
	return func(c *Carrier) {
		c.deadLetters = sink
	}
}

func WithDecoder(decoder EventDecoder) CarrierOption {
	return func(c *Carrier) {
		c.decoder = decoder
	}
}

func WithWorkerPool(pool *WorkerPool) CarrierOption {
	return func(c *Carrier) {
		c.pool = pool
	}
}

//
// WorkerPool Options
//

type WorkerPoolOption func(*workerPoolOptions)

type workerPoolOptions struct {
	name          string
	coreSize      int
	maxSize       int
	queueCapacity int
	keepAlive     time.Duration
	policy        SaturationPolicy
	logger        *zap.Logger
	metrics       MetricsCollector
}

func (o *workerPoolOptions) normalize() {
	if o.coreSize < 1 {
		o.coreSize = 1
	}
	if o.maxSize < o.coreSize {
		o.maxSize = o.coreSize
	}
	if o.queueCapacity < 0 {
		o.queueCapacity = 0
	}
	if o.keepAlive <= 0 {
		o.keepAlive = defaultPoolKeepAlive
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.metrics == nil {
		o.metrics = NewNopMetricsCollector()
	}
}

func WithPoolName(name string) WorkerPoolOption {
	return func(o *workerPoolOptions) {
		o.name = name
	}
}

func WithPoolCoreSize(size int) WorkerPoolOption {
	return func(o *workerPoolOptions) {
		o.coreSize = size
	}
}

func WithPoolMaxSize(size int) WorkerPoolOption {
	return func(o *workerPoolOptions) {
		o.maxSize = size
	}
}

func WithPoolQueueCapacity(capacity int) WorkerPoolOption {
	return func(o *workerPoolOptions) {
		o.queueCapacity = capacity
	}
}

func WithPoolKeepAlive(keepAlive time.Duration) WorkerPoolOption {
	return func(o *workerPoolOptions) {
		o.keepAlive = keepAlive
	}
}

func WithPoolSaturationPolicy(policy SaturationPolicy) WorkerPoolOption {
	return func(o *workerPoolOptions) {
		o.policy = policy
	}
}

func WithPoolLogger(logger *zap.Logger) WorkerPoolOption {
	return func(o *workerPoolOptions) {
		o.logger = logger
	}
}

func WithPoolMetrics(metrics MetricsCollector) WorkerPoolOption {
	return func(o *workerPoolOptions) {
		o.metrics = metrics
	}
}

//
// RetryExecutor Options
//

// CriticalAlertFunc is invoked when a message could be neither delivered nor dead-lettered.
type CriticalAlertFunc func(msg RawMessage, err error)

type RetryExecutorOption func(*retryExecutorOptions)

type retryExecutorOptions struct {
	policy            RetryPolicy
	successSubject    string
	deadLetterTimeout time.Duration
	attemptTimeout    time.Duration
	alert             CriticalAlertFunc
	sleep             func(ctx context.Context, d time.Duration) error
	now               func() time.Time
}

func WithRetryPolicy(policy RetryPolicy) RetryExecutorOption {
	return func(o *retryExecutorOptions) {
		o.policy = policy
	}
}

func WithMaxAttempts(attempts int) RetryExecutorOption {
	return func(o *retryExecutorOptions) {
		o.policy.MaxAttempts = attempts
	}
}

func WithBackoffStrategy(strategy BackoffStrategy) RetryExecutorOption {
	return func(o *retryExecutorOptions) {
		o.policy.Backoff = strategy
	}
}

func WithSuccessSubject(subject string) RetryExecutorOption {
	return func(o *retryExecutorOptions) {
		o.successSubject = subject
	}
}

func WithDeadLetterTimeout(timeout time.Duration) RetryExecutorOption {
	return func(o *retryExecutorOptions) {
		o.deadLetterTimeout = timeout
	}
}

// WithAttemptTimeout bounds each Deliver call. An attempt that runs out of time fails like
// any other attempt. Zero or less disables the bound.
func WithAttemptTimeout(timeout time.Duration) RetryExecutorOption {
	return func(o *retryExecutorOptions) {
		o.attemptTimeout = timeout
	}
}

func WithCriticalAlert(alert CriticalAlertFunc) RetryExecutorOption {
	return func(o *retryExecutorOptions) {
		o.alert = alert
	}
}

//
// CleanupService Options
//

type CleanupServiceOption func(*cleanupServiceOptions)

type cleanupServiceOptions struct {
	outcomeRetention    time.Duration
	deadLetterRetention time.Duration
}

func WithCleanupOutcomeRetention(retention time.Duration) CleanupServiceOption {
	return func(o *cleanupServiceOptions) {
		o.outcomeRetention = retention
	}
}

func WithCleanupDeadLetterRetention(retention time.Duration) CleanupServiceOption {
	return func(o *cleanupServiceOptions) {
		o.deadLetterRetention = retention
	}
}
