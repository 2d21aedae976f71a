package mailrelay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultFailureSubject = "[TablePick] Reservation mail delivery failed"

var errNoDeadLetterSink = errors.New("no dead-letter sink configured")

// RetryExecutor drives one message through decode, delivery, bounded retries and
// dead-letter escalation. It holds no per-message state, so one executor serves every
// worker concurrently.
type RetryExecutor struct {
	decoder     EventDecoder
	delivery    DeliveryClient
	outcomes    OutcomeSink
	deadLetters DeadLetterSink
	logger      *zap.Logger
	metrics     MetricsCollector
	tracer      trace.Tracer

	policy            RetryPolicy
	successSubject    string
	deadLetterTimeout time.Duration
	attemptTimeout    time.Duration
	alert             CriticalAlertFunc
	sleep             func(ctx context.Context, d time.Duration) error
	now               func() time.Time
}

// NewRetryExecutor creates an executor. A nil decoder falls back to JSONCodec and a nil
// outcome sink discards records; a nil dead-letter sink makes every escalation fail loudly.
func NewRetryExecutor(
	decoder EventDecoder,
	delivery DeliveryClient,
	outcomes OutcomeSink,
	deadLetters DeadLetterSink,
	logger *zap.Logger,
	metrics MetricsCollector,
	opts ...RetryExecutorOption,
) *RetryExecutor {
	options := &retryExecutorOptions{
		policy:            BatchRetryPolicy(),
		successSubject:    defaultSuccessSubject,
		deadLetterTimeout: defaultDeadLetterTimeout,
		attemptTimeout:    defaultAttemptTimeout,
		sleep:             sleepWithContext,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(options)
	}

	if decoder == nil {
		decoder = NewJSONCodec()
	}
	if outcomes == nil {
		outcomes = NopOutcomeSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}

	return &RetryExecutor{
		decoder:           decoder,
		delivery:          delivery,
		outcomes:          outcomes,
		deadLetters:       deadLetters,
		logger:            logger,
		metrics:           metrics,
		tracer:            otel.Tracer("mailrelay"),
		policy:            options.policy.normalize(),
		successSubject:    options.successSubject,
		deadLetterTimeout: options.deadLetterTimeout,
		attemptTimeout:    options.attemptTimeout,
		alert:             options.alert,
		sleep:             options.sleep,
		now:               options.now,
	}
}

// Policy returns the normalized retry policy.
func (e *RetryExecutor) Policy() RetryPolicy {
	return e.policy
}

// Execute runs msg to a terminal phase. Cancelling ctx only interrupts backoff waits:
// an attempt in flight, outcome writes and the dead-letter publish always complete.
func (e *RetryExecutor) Execute(ctx context.Context, msg RawMessage) Result {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Headers))
	ctx, span := e.tracer.Start(ctx, "mailrelay.process_message", trace.WithAttributes(
		attribute.String("messaging.destination.name", msg.Topic),
		attribute.Int64("messaging.kafka.partition", int64(msg.Partition)),
		attribute.Int64("messaging.kafka.offset", msg.Offset),
	))
	defer span.End()

	result := e.run(ctx, msg)

	span.SetAttributes(
		attribute.String("mailrelay.phase", result.Phase.String()),
		attribute.Int("mailrelay.attempts", result.Attempts),
	)
	if result.Phase != PhaseSucceeded && result.Err != nil {
		span.SetStatus(codes.Error, result.Err.Error())
	}
	return result
}

func (e *RetryExecutor) run(ctx context.Context, msg RawMessage) Result {
	workCtx := context.WithoutCancel(ctx)
	fields := messageFields(msg)
	tags := map[string]string{"topic": msg.Topic}

	state := AttemptState{MaxAttempts: e.policy.MaxAttempts, Phase: PhaseReceived}
	var event *ConfirmedEvent
	var lastErr error

	for {
		state.Attempt++
		state.Phase = PhaseAttempting
		e.metrics.IncrementCounter(metricAttempts, tags)
		e.logger.Debug("Delivery attempt", append(fields, zap.Int("attempt", state.Attempt))...)

		lastErr = e.attempt(workCtx, msg, &event)
		if lastErr == nil {
			state.Phase = PhaseSucceeded
			e.recordOutcome(workCtx, msg, e.outcomeRecord(event, OutcomeSuccess, e.successSubject, ""))
			e.metrics.IncrementCounter(metricDelivered, tags)
			e.logger.Info("Reservation mail delivered", append(fields, zap.Int("attempt", state.Attempt))...)
			return Result{Phase: state.Phase, Attempts: state.Attempt}
		}

		e.metrics.IncrementCounter(metricAttemptFailed, map[string]string{"topic": msg.Topic, "failure_type": ClassifyFailure(lastErr)})
		e.logger.Warn("Delivery attempt failed", append(fields,
			zap.Int("attempt", state.Attempt),
			zap.Int("max_attempts", state.MaxAttempts),
			zap.Error(lastErr),
		)...)

		if state.Attempt >= state.MaxAttempts {
			break
		}

		state.Phase = PhaseWaitingBackoff
		if err := e.sleep(ctx, e.policy.Backoff.Delay(state.Attempt)); err != nil {
			state.Phase = PhaseAbandoned
			e.metrics.IncrementCounter(metricAbandoned, tags)
			e.logger.Warn("Retry interrupted before next attempt, message left for redelivery", append(fields,
				zap.Int("attempts", state.Attempt),
				zap.Error(lastErr),
			)...)
			return Result{Phase: state.Phase, Attempts: state.Attempt, Err: lastErr}
		}
	}

	state.Phase = PhaseExhausted
	e.logger.Error("Retries exhausted, escalating to dead-letter topic", append(fields,
		zap.Int("attempts", state.Attempt),
		zap.String("failure_type", ClassifyFailure(lastErr)),
		zap.Error(lastErr),
	)...)
	e.recordOutcome(workCtx, msg, e.outcomeRecord(event, OutcomeFailure, defaultFailureSubject, lastErr.Error()))

	state.Phase = PhaseDeadLettering
	if err := e.publishDeadLetter(workCtx, msg, &ExhaustedError{Attempts: state.Attempt, Err: lastErr}); err != nil {
		state.Phase = PhaseDeadLetterPublishFailed
		e.metrics.IncrementCounter(metricDeadLetterPublishFail, tags)
		e.logger.Error("Dead-letter publish failed, message may be lost", append(fields,
			zap.Bool("critical", true),
			zap.Int("attempts", state.Attempt),
			zap.ByteString("payload", msg.Payload),
			zap.NamedError("cause", lastErr),
			zap.Error(err),
		)...)
		if e.alert != nil {
			e.alert(msg, err)
		}
		return Result{Phase: state.Phase, Attempts: state.Attempt, Err: errors.Join(lastErr, err)}
	}

	state.Phase = PhaseDeadLettered
	e.metrics.IncrementCounter(metricDeadLettered, tags)
	e.logger.Info("Message dead-lettered", append(fields, zap.Int("attempts", state.Attempt))...)
	return Result{Phase: state.Phase, Attempts: state.Attempt, Err: lastErr}
}

// attempt decodes the payload once and delivers it. A panicking collaborator counts as
// a failed attempt.
func (e *RetryExecutor) attempt(ctx context.Context, msg RawMessage, event **ConfirmedEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery panicked: %v", r)
		}
	}()

	if *event == nil {
		decoded, decodeErr := e.decoder.Decode(msg.Payload)
		if decodeErr != nil {
			return decodeErr
		}
		*event = &decoded
	}

	if e.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.attemptTimeout)
		defer cancel()
	}
	return e.delivery.Deliver(ctx, **event)
}

func (e *RetryExecutor) publishDeadLetter(ctx context.Context, msg RawMessage, cause error) error {
	if e.deadLetters == nil {
		return &PublishError{Err: errNoDeadLetterSink}
	}
	if e.deadLetterTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.deadLetterTimeout)
		defer cancel()
	}
	return e.deadLetters.Publish(ctx, msg, cause)
}

func (e *RetryExecutor) outcomeRecord(event *ConfirmedEvent, status OutcomeStatus, subject, errorMessage string) OutcomeRecord {
	record := OutcomeRecord{
		MessageID:    uuid.NewString(),
		Subject:      subject,
		Status:       status,
		ErrorMessage: errorMessage,
		CompletedAt:  e.now().UTC(),
	}
	if event != nil {
		record.ReservationID = event.ReservationID
		record.Email = event.Email
	}
	return record
}

func (e *RetryExecutor) recordOutcome(ctx context.Context, msg RawMessage, record OutcomeRecord) {
	if err := e.outcomes.Record(ctx, record); err != nil {
		persistErr := &PersistError{Err: err}
		e.metrics.IncrementCounter(metricOutcomePersistFailed, map[string]string{"status": string(record.Status)})
		e.logger.Error("Failed to persist outcome record", append(messageFields(msg),
			zap.String("status", string(record.Status)),
			zap.Error(persistErr),
		)...)
	}
}

func messageFields(msg RawMessage) []zap.Field {
	return []zap.Field{
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	}
}
