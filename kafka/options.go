package kafka

import (
	"time"

	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/overtonx/mailrelay"
)

const (
	defaultBatchSize         = 50
	defaultBatchWait         = 500 * time.Millisecond
	defaultPollTimeout       = 100 * time.Millisecond
	defaultDeadLetterSuffix  = ".dlt"
	defaultFlushTimeout      = 15 * time.Second
	defaultFailureMessageMax = 1024
)

//
// BatchConsumer Options
//

type BatchConsumerOption func(*BatchConsumer)

func WithConsumerName(name string) BatchConsumerOption {
	return func(c *BatchConsumer) {
		c.name = name
	}
}

func WithBatchSize(size int) BatchConsumerOption {
	return func(c *BatchConsumer) {
		c.batchSize = size
	}
}

func WithBatchWait(wait time.Duration) BatchConsumerOption {
	return func(c *BatchConsumer) {
		c.batchWait = wait
	}
}

func WithPollTimeout(timeout time.Duration) BatchConsumerOption {
	return func(c *BatchConsumer) {
		c.pollTimeout = timeout
	}
}

// WithRewindBackoff sets the wait before an unresolved batch is polled again. The attempt
// passed to the strategy counts consecutive unresolved batches and resets on the next
// batch that is handled without ErrBatchUnresolved.
func WithRewindBackoff(strategy mailrelay.BackoffStrategy) BatchConsumerOption {
	return func(c *BatchConsumer) {
		c.rewindBackoff = strategy
	}
}

func WithConsumerLogger(logger *zap.Logger) BatchConsumerOption {
	return func(c *BatchConsumer) {
		c.logger = logger
	}
}

func WithConsumerMetrics(metrics mailrelay.MetricsCollector) BatchConsumerOption {
	return func(c *BatchConsumer) {
		c.metrics = metrics
	}
}

//
// DeadLetterPublisher Options
//

type DeadLetterPublisherOption func(*DeadLetterPublisher)

// WithDeadLetterTopic sends every dead letter to topic instead of "<source topic>.dlt".
func WithDeadLetterTopic(topic string) DeadLetterPublisherOption {
	return func(p *DeadLetterPublisher) {
		p.topic = topic
	}
}

func WithDeadLetterSuffix(suffix string) DeadLetterPublisherOption {
	return func(p *DeadLetterPublisher) {
		p.suffix = suffix
	}
}

func WithFlushTimeout(timeout time.Duration) DeadLetterPublisherOption {
	return func(p *DeadLetterPublisher) {
		p.flushTimeout = timeout
	}
}

func WithPropagator(propagator propagation.TextMapPropagator) DeadLetterPublisherOption {
	return func(p *DeadLetterPublisher) {
		p.propagator = propagator
	}
}

func WithPublisherLogger(logger *zap.Logger) DeadLetterPublisherOption {
	return func(p *DeadLetterPublisher) {
		p.logger = logger
	}
}
