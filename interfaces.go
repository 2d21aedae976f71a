package mailrelay

import (
	"context"
	"time"
)

// DeliveryClient performs the notification for one event. It must not retry.
type DeliveryClient interface {
	Deliver(ctx context.Context, event ConfirmedEvent) error
}

// DeliveryFunc adapts a function to DeliveryClient.
type DeliveryFunc func(ctx context.Context, event ConfirmedEvent) error

// Deliver implements DeliveryClient.
func (f DeliveryFunc) Deliver(ctx context.Context, event ConfirmedEvent) error {
	return f(ctx, event)
}

// OutcomeSink persists outcome records. Failures are logged by the caller and never
// change the message's state transition.
type OutcomeSink interface {
	Record(ctx context.Context, record OutcomeRecord) error
}

// DeadLetterSink republishes an unprocessable message, unchanged, to the escalation channel.
// cause is carried as metadata only; the payload is never rewritten.
type DeadLetterSink interface {
	Publish(ctx context.Context, msg RawMessage, cause error) error
}

// EventDecoder turns a raw payload into a ConfirmedEvent.
type EventDecoder interface {
	Decode(payload []byte) (ConfirmedEvent, error)
}

// CommitHandle advances the broker position for one batch.
type CommitHandle interface {
	Acknowledge(ctx context.Context) error
}

// CommitFunc adapts a function to CommitHandle.
type CommitFunc func(ctx context.Context) error

// Acknowledge implements CommitHandle.
func (f CommitFunc) Acknowledge(ctx context.Context) error {
	return f(ctx)
}

// MetricsCollector receives counters, durations and gauges. Implementations must be
// safe for concurrent use.
type MetricsCollector interface {
	IncrementCounter(name string, tags map[string]string)
	RecordDuration(name string, duration time.Duration, tags map[string]string)
	RecordGauge(name string, value float64, tags map[string]string)
}

// Worker is a long-running component managed by a Dispatcher.
type Worker interface {
	Start(ctx context.Context)
	Stop()
	Name() string
}
