package mailrelay

import (
	"errors"

	"go.uber.org/zap"

	"github.com/overtonx/mailrelay/storage"
)

var errNoDeliveryClient = errors.New("delivery client is required")

// Carrier holds the shared dependencies of the relay pipeline.
// It acts as a dependency injection container for executors and coordinators.
type Carrier struct {
	delivery    DeliveryClient
	decoder     EventDecoder
	outcomes    OutcomeSink
	deadLetters DeadLetterSink
	pool        *WorkerPool
	metrics     MetricsCollector
	logger      *zap.Logger
}

// NewCarrier creates a new Carrier with the given options.
// Without WithWorkerPool a pool with default sizing is created and shared by every
// coordinator built from this carrier.
func NewCarrier(delivery DeliveryClient, opts ...CarrierOption) (*Carrier, error) {
	if delivery == nil {
		return nil, errNoDeliveryClient
	}

	c := &Carrier{
		delivery: delivery,
		logger:   zap.NewNop(),
		metrics:  NewNopMetricsCollector(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.decoder == nil {
		c.decoder = NewJSONCodec()
	}
	if c.outcomes == nil {
		c.outcomes = NopOutcomeSink{}
	}
	if c.pool == nil {
		c.pool = NewWorkerPool(WithPoolLogger(c.logger), WithPoolMetrics(c.metrics))
	}

	return c, nil
}

// Pool returns the shared worker pool.
func (c *Carrier) Pool() *WorkerPool {
	return c.pool
}

// NewRetryExecutor builds an executor wired to the carrier's collaborators.
func (c *Carrier) NewRetryExecutor(opts ...RetryExecutorOption) *RetryExecutor {
	return NewRetryExecutor(c.decoder, c.delivery, c.outcomes, c.deadLetters, c.logger, c.metrics, opts...)
}

// NewBatchCoordinator builds a coordinator on the shared pool.
func (c *Carrier) NewBatchCoordinator(opts ...RetryExecutorOption) *BatchCoordinator {
	return NewBatchCoordinator(c.NewRetryExecutor(opts...), c.pool, c.logger, c.metrics)
}

// NewCleanupService builds a retention job that uses the carrier's logger and metrics.
func (c *Carrier) NewCleanupService(store storage.Store, opts ...CleanupServiceOption) *CleanupService {
	return NewCleanupService(store, c.logger, c.metrics, opts...)
}
