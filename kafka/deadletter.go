package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	ckafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/overtonx/mailrelay"
)

// Producer is the subset of *kafka.Producer used by DeadLetterPublisher.
type Producer interface {
	Produce(msg *ckafka.Message, deliveryChan chan ckafka.Event) error
	Events() chan ckafka.Event
	Flush(timeoutMs int) int
	Close()
}

// NewConfluentProducer creates an idempotent producer. props override the defaults.
func NewConfluentProducer(brokers string, props ckafka.ConfigMap) (*ckafka.Producer, error) {
	config := ckafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"acks":               "all",
		"retries":            3,
		"linger.ms":          10,
		"enable.idempotence": true,
	}
	for k, v := range props {
		config[k] = v
	}

	producer, err := ckafka.NewProducer(&config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return producer, nil
}

// DeadLetterPublisher republishes exhausted messages to the escalation topic and waits for
// the broker to confirm each write.
type DeadLetterPublisher struct {
	producer     Producer
	logger       *zap.Logger
	topic        string
	suffix       string
	flushTimeout time.Duration
	propagator   propagation.TextMapPropagator
}

// NewDeadLetterPublisher creates a publisher on producer. Without WithDeadLetterTopic the
// destination is the source topic plus ".dlt".
func NewDeadLetterPublisher(producer Producer, opts ...DeadLetterPublisherOption) *DeadLetterPublisher {
	p := &DeadLetterPublisher{
		producer:     producer,
		logger:       zap.NewNop(),
		suffix:       defaultDeadLetterSuffix,
		flushTimeout: defaultFlushTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.propagator == nil {
		p.propagator = otel.GetTextMapPropagator()
	}

	go p.handleEvents()

	return p
}

// TopicFor returns the dead-letter topic for a source topic.
func (p *DeadLetterPublisher) TopicFor(source string) string {
	if p.topic != "" {
		return p.topic
	}
	return source + p.suffix
}

// Publish implements mailrelay.DeadLetterSink. The payload and key are written unchanged.
func (p *DeadLetterPublisher) Publish(ctx context.Context, msg mailrelay.RawMessage, cause error) error {
	topic := p.TopicFor(msg.Topic)

	overrides := provenanceHeaders(msg, cause)
	p.propagator.Inject(ctx, propagation.MapCarrier(overrides))

	message := &ckafka.Message{
		TopicPartition: ckafka.TopicPartition{Topic: &topic, Partition: ckafka.PartitionAny},
		Key:            msg.Key,
		Value:          msg.Payload,
		Headers:        outgoingHeaders(msg, overrides),
		Timestamp:      time.Now(),
	}

	deliveryChan := make(chan ckafka.Event, 1)
	if err := p.producer.Produce(message, deliveryChan); err != nil {
		return &mailrelay.PublishError{Topic: topic, Err: err}
	}

	select {
	case ev := <-deliveryChan:
		report, ok := ev.(*ckafka.Message)
		if !ok {
			return &mailrelay.PublishError{Topic: topic, Err: fmt.Errorf("unexpected delivery event %v", ev)}
		}
		if report.TopicPartition.Error != nil {
			return &mailrelay.PublishError{Topic: topic, Err: report.TopicPartition.Error}
		}
		p.logger.Debug("Dead letter published",
			zap.String("topic", topic),
			zap.Int32("partition", report.TopicPartition.Partition),
			zap.Int64("offset", int64(report.TopicPartition.Offset)),
			zap.String("original_topic", msg.Topic),
			zap.Int64("original_offset", msg.Offset),
		)
		return nil
	case <-ctx.Done():
		return &mailrelay.PublishError{Topic: topic, Err: fmt.Errorf("waiting for delivery report: %w", ctx.Err())}
	}
}

// Close flushes pending messages and closes the producer.
func (p *DeadLetterPublisher) Close() error {
	p.logger.Info("Closing dead-letter producer")
	remaining := p.producer.Flush(int(p.flushTimeout / time.Millisecond))
	p.producer.Close()
	if remaining > 0 {
		return fmt.Errorf("%d dead letters still in flight after flush", remaining)
	}
	return nil
}

// handleEvents logs client-level errors. Delivery reports go to per-message channels.
func (p *DeadLetterPublisher) handleEvents() {
	for e := range p.producer.Events() {
		if ev, ok := e.(ckafka.Error); ok {
			p.logger.Error("Kafka producer error", zap.Error(ev), zap.Bool("fatal", ev.IsFatal()))
		}
	}
}

func provenanceHeaders(msg mailrelay.RawMessage, cause error) map[string]string {
	headers := map[string]string{
		HeaderOriginalTopic:     msg.Topic,
		HeaderOriginalPartition: strconv.FormatInt(int64(msg.Partition), 10),
		HeaderOriginalOffset:    strconv.FormatInt(msg.Offset, 10),
	}
	if cause == nil {
		return headers
	}

	headers[HeaderFailureType] = mailrelay.ClassifyFailure(cause)
	failure := cause
	var exhausted *mailrelay.ExhaustedError
	if errors.As(cause, &exhausted) {
		headers[HeaderAttempts] = strconv.Itoa(exhausted.Attempts)
		if exhausted.Err != nil {
			failure = exhausted.Err
		}
	}
	headers[HeaderFailureMessage] = truncate(strings.ToValidUTF8(failure.Error(), "\uFFFD"), defaultFailureMessageMax)
	return headers
}

// truncate shortens s to at most max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
