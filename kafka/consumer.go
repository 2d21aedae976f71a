package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ckafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/overtonx/mailrelay"
)

// Consumer is the subset of *kafka.Consumer used by BatchConsumer.
type Consumer interface {
	SubscribeTopics(topics []string, rebalanceCb ckafka.RebalanceCb) error
	Poll(timeoutMs int) ckafka.Event
	CommitOffsets(offsets []ckafka.TopicPartition) ([]ckafka.TopicPartition, error)
	Seek(partition ckafka.TopicPartition, ignoredTimeoutMs int) error
	Close() error
}

// BatchHandler processes one batch and acknowledges it through commit when done.
type BatchHandler interface {
	HandleBatch(ctx context.Context, msgs []mailrelay.RawMessage, commit mailrelay.CommitHandle) error
}

// BatchHandlerFunc adapts a function to BatchHandler.
type BatchHandlerFunc func(ctx context.Context, msgs []mailrelay.RawMessage, commit mailrelay.CommitHandle) error

func (f BatchHandlerFunc) HandleBatch(ctx context.Context, msgs []mailrelay.RawMessage, commit mailrelay.CommitHandle) error {
	return f(ctx, msgs, commit)
}

// NewConfluentConsumer creates a consumer with auto commit disabled. props override the
// defaults.
func NewConfluentConsumer(brokers, groupID string, props ckafka.ConfigMap) (*ckafka.Consumer, error) {
	config := ckafka.ConfigMap{
		"bootstrap.servers":    brokers,
		"group.id":             groupID,
		"enable.auto.commit":   false,
		"auto.offset.reset":    "earliest",
		"enable.partition.eof": false,
	}
	for k, v := range props {
		config[k] = v
	}

	consumer, err := ckafka.NewConsumer(&config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	return consumer, nil
}

// BatchConsumer polls a topic, groups messages into batches and hands each batch to a
// BatchHandler. Offsets are committed only through the batch's commit handle.
type BatchConsumer struct {
	name        string
	consumer    Consumer
	handler     BatchHandler
	topics      []string
	batchSize   int
	batchWait   time.Duration
	pollTimeout time.Duration
	logger      *zap.Logger
	metrics     mailrelay.MetricsCollector

	// rewindBackoff spaces out redeliveries of a batch that keeps coming back unresolved.
	rewindBackoff mailrelay.BackoffStrategy
	unresolved    int

	mu       sync.Mutex
	running  bool
	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// NewBatchConsumer creates a BatchConsumer for topics.
func NewBatchConsumer(consumer Consumer, handler BatchHandler, topics []string, opts ...BatchConsumerOption) *BatchConsumer {
	c := &BatchConsumer{
		name:        "batch-consumer",
		consumer:    consumer,
		handler:     handler,
		topics:      topics,
		batchSize:   defaultBatchSize,
		batchWait:   defaultBatchWait,
		pollTimeout: defaultPollTimeout,
		logger:      zap.NewNop(),
		metrics:     mailrelay.NewNopMetricsCollector(),

		rewindBackoff: mailrelay.DefaultBackoffStrategy(),

		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.batchSize < 1 {
		c.batchSize = 1
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.metrics == nil {
		c.metrics = mailrelay.NewNopMetricsCollector()
	}
	if c.rewindBackoff == nil {
		c.rewindBackoff = mailrelay.DefaultBackoffStrategy()
	}
	return c
}

// Name implements mailrelay.Worker.
func (c *BatchConsumer) Name() string {
	return c.name
}

// Start implements mailrelay.Worker.
func (c *BatchConsumer) Start(ctx context.Context) {
	if err := c.Run(ctx); err != nil {
		c.logger.Error("Consumer stopped with error", zap.String("name", c.name), zap.Error(err))
	}
}

// Stop makes Run return after the batch in progress and waits for it.
func (c *BatchConsumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if running {
		<-c.done
	}
}

// Run consumes until ctx is cancelled, Stop is called or the client reports a fatal error.
// Messages of an unfinished batch are not committed and are redelivered on restart.
func (c *BatchConsumer) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("consumer already running")
	}
	c.running = true
	c.mu.Unlock()
	defer close(c.done)

	if err := c.consumer.SubscribeTopics(c.topics, nil); err != nil {
		return fmt.Errorf("subscribe to %v: %w", c.topics, err)
	}
	c.logger.Info("Consumer started",
		zap.String("name", c.name),
		zap.Strings("topics", c.topics),
		zap.Int("batch_size", c.batchSize),
		zap.Duration("batch_wait", c.batchWait),
	)
	defer c.logger.Info("Consumer finished", zap.String("name", c.name))

	pollMs := int(c.pollTimeout / time.Millisecond)
	batch := make([]mailrelay.RawMessage, 0, c.batchSize)
	var deadline time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stopChan:
			return nil
		default:
		}

		if len(batch) > 0 && (len(batch) >= c.batchSize || !time.Now().Before(deadline)) {
			c.dispatch(ctx, batch)
			batch = make([]mailrelay.RawMessage, 0, c.batchSize)
			continue
		}

		switch ev := c.consumer.Poll(pollMs).(type) {
		case nil:
		case *ckafka.Message:
			if ev.TopicPartition.Error != nil {
				c.logger.Warn("Consume error", zap.String("name", c.name), zap.Error(ev.TopicPartition.Error))
				continue
			}
			if len(batch) == 0 {
				deadline = time.Now().Add(c.batchWait)
			}
			batch = append(batch, toRawMessage(ev, len(batch)))
		case ckafka.Error:
			if ev.IsFatal() {
				return fmt.Errorf("fatal consumer error: %w", ev)
			}
			c.logger.Warn("Kafka error", zap.String("name", c.name), zap.Error(ev))
		default:
			c.logger.Debug("Ignored kafka event", zap.String("name", c.name), zap.String("event", ev.String()))
		}
	}
}

func (c *BatchConsumer) dispatch(ctx context.Context, batch []mailrelay.RawMessage) {
	tags := map[string]string{"consumer": c.name}
	c.metrics.IncrementCounter("consumer.batches", tags)

	err := c.handler.HandleBatch(ctx, batch, c.commitHandle(batch))
	if err == nil {
		c.unresolved = 0
		return
	}
	if errors.Is(err, mailrelay.ErrBatchUnresolved) && ctx.Err() == nil {
		c.unresolved++
		delay := c.rewindBackoff.Delay(c.unresolved)
		c.metrics.IncrementCounter("consumer.batch_rewound", tags)
		c.logger.Warn("Batch unresolved, rewinding for redelivery",
			zap.String("name", c.name),
			zap.Int("consecutive", c.unresolved),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		c.rewind(batch)
		c.pause(ctx, delay)
		return
	}
	c.unresolved = 0
	c.metrics.IncrementCounter("consumer.batch_failed", tags)
	c.logger.Error("Batch handler failed", zap.String("name", c.name), zap.Error(err))
}

// pause waits for d unless ctx is cancelled or Stop is called first.
func (c *BatchConsumer) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-c.stopChan:
	}
}

// commitHandle commits offset+1 of the highest offset per topic/partition of batch.
func (c *BatchConsumer) commitHandle(batch []mailrelay.RawMessage) mailrelay.CommitHandle {
	offsets := make([]ckafka.TopicPartition, 0, 1)
	for _, p := range positions(batch, func(current, candidate int64) bool { return candidate > current }) {
		p.Offset++
		offsets = append(offsets, p)
	}

	return mailrelay.CommitFunc(func(context.Context) error {
		if len(offsets) == 0 {
			return nil
		}
		if _, err := c.consumer.CommitOffsets(offsets); err != nil {
			return fmt.Errorf("commit offsets: %w", err)
		}
		c.logger.Debug("Offsets committed", zap.String("name", c.name), zap.Int("partitions", len(offsets)))
		return nil
	})
}

// rewind seeks every partition of batch back to its first message.
func (c *BatchConsumer) rewind(batch []mailrelay.RawMessage) {
	for _, p := range positions(batch, func(current, candidate int64) bool { return candidate < current }) {
		if err := c.consumer.Seek(p, 0); err != nil {
			c.logger.Error("Failed to rewind partition",
				zap.String("name", c.name),
				zap.String("topic", *p.Topic),
				zap.Int32("partition", p.Partition),
				zap.Error(err),
			)
		}
	}
}

// positions picks one offset per topic/partition, ordered by first appearance in batch.
func positions(batch []mailrelay.RawMessage, better func(current, candidate int64) bool) []ckafka.TopicPartition {
	type key struct {
		topic     string
		partition int32
	}
	index := make(map[key]int)
	var out []ckafka.TopicPartition
	for _, msg := range batch {
		k := key{msg.Topic, msg.Partition}
		if i, ok := index[k]; ok {
			if better(int64(out[i].Offset), msg.Offset) {
				out[i].Offset = ckafka.Offset(msg.Offset)
			}
			continue
		}
		topic := msg.Topic
		index[k] = len(out)
		out = append(out, ckafka.TopicPartition{Topic: &topic, Partition: msg.Partition, Offset: ckafka.Offset(msg.Offset)})
	}
	return out
}
