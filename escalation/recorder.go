// Package escalation consumes the dead-letter topic and keeps a durable history of every
// message the relay gave up on.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/mailrelay"
	"github.com/overtonx/mailrelay/kafka"
	"github.com/overtonx/mailrelay/storage"
)

// Recorder stores dead-lettered messages. It implements kafka.BatchHandler.
type Recorder struct {
	store   storage.Store
	decoder mailrelay.EventDecoder
	logger  *zap.Logger
	metrics mailrelay.MetricsCollector
	now     func() time.Time
}

type Option func(*Recorder)

func WithDecoder(decoder mailrelay.EventDecoder) Option {
	return func(r *Recorder) {
		r.decoder = decoder
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Recorder) {
		r.logger = logger
	}
}

func WithMetrics(metrics mailrelay.MetricsCollector) Option {
	return func(r *Recorder) {
		r.metrics = metrics
	}
}

// NewRecorder creates a Recorder writing to store.
func NewRecorder(store storage.Store, opts ...Option) *Recorder {
	r := &Recorder{
		store:   store,
		decoder: mailrelay.NewJSONCodec(),
		logger:  zap.NewNop(),
		metrics: mailrelay.NewNopMetricsCollector(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ kafka.BatchHandler = (*Recorder)(nil)

// HandleBatch stores the whole batch atomically and then acknowledges it. When the store
// rejects the content of a record, the records are stored one by one and the rejected
// ones are logged and skipped. Any other store failure leaves the batch unacknowledged.
func (r *Recorder) HandleBatch(ctx context.Context, msgs []mailrelay.RawMessage, commit mailrelay.CommitHandle) error {
	records := make([]storage.DeadLetterRecord, 0, len(msgs))
	for _, msg := range msgs {
		record := r.record(msg)
		r.logger.Error("Reservation mail dead-lettered", recordFields(record)...)
		records = append(records, record)
	}

	err := r.store.SaveDeadLetters(ctx, records)
	if errors.Is(err, storage.ErrInvalidRecord) {
		r.logger.Warn("Dead-letter batch rejected, storing records one by one", zap.Int("count", len(records)), zap.Error(err))
		err = r.saveEach(ctx, records)
	}
	if err != nil {
		r.metrics.IncrementCounter("escalation.store_failed", nil)
		r.logger.Error("Failed to store dead letters", zap.Int("count", len(records)), zap.Error(err))
		return fmt.Errorf("store %d dead letters: %w", len(records), errors.Join(mailrelay.ErrBatchUnresolved, err))
	}
	r.metrics.IncrementCounter("escalation.recorded", nil)

	if err := commit.Acknowledge(ctx); err != nil {
		return fmt.Errorf("acknowledge dead letters: %w", errors.Join(mailrelay.ErrCommitFailed, err))
	}
	return nil
}

func (r *Recorder) saveEach(ctx context.Context, records []storage.DeadLetterRecord) error {
	for _, record := range records {
		err := r.store.SaveDeadLetters(ctx, []storage.DeadLetterRecord{record})
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrInvalidRecord) {
			return err
		}
		r.metrics.IncrementCounter("escalation.skipped", nil)
		r.logger.Error("Dead letter rejected by store, skipped",
			append(recordFields(record), zap.Binary("payload", record.Payload), zap.Error(err))...)
	}
	return nil
}

func recordFields(record storage.DeadLetterRecord) []zap.Field {
	return []zap.Field{
		zap.Int64("reservation_id", record.ReservationID),
		zap.String("email", record.Email),
		zap.String("original_topic", record.OriginalTopic),
		zap.Int32("original_partition", record.OriginalPartition),
		zap.Int64("original_offset", record.OriginalOffset),
		zap.String("failure_type", record.FailureType),
		zap.String("failure_message", record.FailureMessage),
		zap.Int("attempts", record.Attempts),
	}
}

// record builds the history row. An undecodable payload is kept with its raw bytes only.
func (r *Recorder) record(msg mailrelay.RawMessage) storage.DeadLetterRecord {
	record := storage.DeadLetterRecord{
		OriginalTopic:     headerOr(msg.Headers, kafka.HeaderOriginalTopic, msg.Topic),
		OriginalPartition: headerInt32(msg.Headers, kafka.HeaderOriginalPartition, msg.Partition),
		OriginalOffset:    headerInt(msg.Headers, kafka.HeaderOriginalOffset, msg.Offset),
		FailureType:       headerOr(msg.Headers, kafka.HeaderFailureType, "unknown"),
		FailureMessage:    strings.ToValidUTF8(msg.Headers[kafka.HeaderFailureMessage], "\uFFFD"),
		Attempts:          int(headerInt(msg.Headers, kafka.HeaderAttempts, 0)),
		Payload:           msg.Payload,
		CreatedAt:         r.now().UTC(),
	}

	event, err := r.decoder.Decode(msg.Payload)
	if err != nil {
		r.logger.Debug("Dead letter payload not decodable", zap.Int64("offset", msg.Offset), zap.Error(err))
		return record
	}
	record.ReservationID = event.ReservationID
	record.Email = event.Email
	record.RestaurantName = event.RestaurantName
	record.PartySize = event.PartySize
	if !event.ConfirmedAt.IsZero() {
		confirmedAt := event.ConfirmedAt
		record.ConfirmedAt = &confirmedAt
	}
	return record
}

func headerOr(headers map[string]string, key, fallback string) string {
	if v, ok := headers[key]; ok && v != "" {
		return v
	}
	return fallback
}

func headerInt(headers map[string]string, key string, fallback int64) int64 {
	v, ok := headers[key]
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func headerInt32(headers map[string]string, key string, fallback int32) int32 {
	v, ok := headers[key]
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return fallback
	}
	return int32(n)
}
