package mailrelay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BatchCoordinator fans a batch out to the worker pool, waits for every message to reach a
// terminal phase and only then acknowledges the batch, exactly once.
type BatchCoordinator struct {
	executor *RetryExecutor
	pool     *WorkerPool
	logger   *zap.Logger
	metrics  MetricsCollector
}

// NewBatchCoordinator creates a coordinator. A nil pool runs every message on the caller
// goroutine.
func NewBatchCoordinator(executor *RetryExecutor, pool *WorkerPool, logger *zap.Logger, metrics MetricsCollector) *BatchCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	return &BatchCoordinator{
		executor: executor,
		pool:     pool,
		logger:   logger,
		metrics:  metrics,
	}
}

type batchUnit struct {
	msg    RawMessage
	task   *Task
	result Result
}

// ProcessBatch drives every message of msgs to completion and acknowledges commit once all
// of them are terminal. Otherwise the batch is left unacknowledged and ErrBatchUnresolved
// is returned so the broker redelivers it.
func (c *BatchCoordinator) ProcessBatch(ctx context.Context, msgs []RawMessage, commit CommitHandle) (BatchResult, error) {
	start := time.Now()
	result := BatchResult{BatchID: uuid.NewString(), Size: len(msgs)}
	logger := c.logger.With(zap.String("batch_id", result.BatchID))

	defer func() {
		c.metrics.RecordDuration(metricBatchDuration, time.Since(start), nil)
	}()
	c.metrics.RecordGauge(metricBatchSize, float64(len(msgs)), nil)

	logger.Info("Processing batch", zap.Int("size", len(msgs)))

	units := make([]*batchUnit, len(msgs))
	for i, msg := range msgs {
		unit := &batchUnit{msg: msg, result: Result{Phase: PhaseReceived}}
		units[i] = unit
		unit.task = c.submit(ctx, logger, unit)
	}

	tasks := make([]*Task, len(units))
	for i, unit := range units {
		tasks[i] = unit.task
	}
	WaitAll(tasks...)

	for _, unit := range units {
		if err := unit.task.Err(); err != nil {
			unit.result = Result{Phase: PhaseReceived, Err: err}
		}
		switch unit.result.Phase {
		case PhaseSucceeded:
			result.Delivered++
		case PhaseDeadLettered:
			result.DeadLettered++
		case PhaseDeadLetterPublishFailed:
			result.PublishFailed++
		default:
			result.Unresolved++
			logger.Warn("Message left unresolved", append(messageFields(unit.msg),
				zap.Stringer("phase", unit.result.Phase),
				zap.Int("attempts", unit.result.Attempts),
				zap.Error(unit.result.Err),
			)...)
		}
	}

	if result.Unresolved > 0 {
		c.metrics.IncrementCounter(metricBatchUnresolved, nil)
		logger.Warn("Batch not acknowledged, it will be redelivered",
			zap.Int("size", result.Size),
			zap.Int("unresolved", result.Unresolved),
		)
		return result, fmt.Errorf("batch %s: %d of %d messages: %w", result.BatchID, result.Unresolved, result.Size, ErrBatchUnresolved)
	}

	if err := commit.Acknowledge(context.WithoutCancel(ctx)); err != nil {
		c.metrics.IncrementCounter(metricCommitFailed, nil)
		logger.Error("Failed to acknowledge batch", zap.Error(err))
		return result, fmt.Errorf("batch %s: %w", result.BatchID, errors.Join(ErrCommitFailed, err))
	}
	result.Committed = true
	c.metrics.IncrementCounter(metricBatchCommitted, nil)

	logger.Info("Batch acknowledged",
		zap.Int("size", result.Size),
		zap.Int("delivered", result.Delivered),
		zap.Int("dead_lettered", result.DeadLettered),
		zap.Int("publish_failed", result.PublishFailed),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// submit hands one message to the pool. When the pool refuses the task it is run inline,
// so a message is never dropped.
func (c *BatchCoordinator) submit(ctx context.Context, logger *zap.Logger, unit *batchUnit) *Task {
	fn := func() {
		unit.result = c.executor.Execute(ctx, unit.msg)
	}
	if c.pool == nil {
		return runInline(fn)
	}

	task, err := c.pool.Submit(ctx, fn)
	if err == nil {
		return task
	}
	if errors.Is(err, ErrSaturated) {
		logger.Debug("Worker pool saturated, running message on the consumer goroutine", messageFields(unit.msg)...)
		return runInline(fn)
	}

	// Pool closed or submission cancelled: the message stays unresolved.
	failed := newTask(func() {
		unit.result = Result{Phase: PhaseReceived, Err: fmt.Errorf("submit message: %w", err)}
	})
	failed.run()
	return failed
}

func runInline(fn func()) *Task {
	task := newTask(fn)
	task.run()
	return task
}

// HandleBatch adapts ProcessBatch to kafka.BatchHandler.
func (c *BatchCoordinator) HandleBatch(ctx context.Context, msgs []RawMessage, commit CommitHandle) error {
	_, err := c.ProcessBatch(ctx, msgs, commit)
	return err
}

// ProcessMessage runs one message synchronously, for consumers that commit per message.
func (c *BatchCoordinator) ProcessMessage(ctx context.Context, msg RawMessage) Result {
	return c.executor.Execute(ctx, msg)
}

// HandleMessages is the per-message counterpart of HandleBatch: messages run one after the
// other on the caller goroutine and commit is acknowledged once all of them are terminal.
// Paired with a consumer batch size of 1 every message is committed on its own.
func (c *BatchCoordinator) HandleMessages(ctx context.Context, msgs []RawMessage, commit CommitHandle) error {
	for _, msg := range msgs {
		result := c.ProcessMessage(ctx, msg)
		if result.Phase.Terminal() {
			continue
		}
		c.metrics.IncrementCounter(metricBatchUnresolved, nil)
		c.logger.Warn("Message left unresolved, it will be redelivered", append(messageFields(msg),
			zap.Stringer("phase", result.Phase),
			zap.Int("attempts", result.Attempts),
			zap.Error(result.Err),
		)...)
		return fmt.Errorf("message %s/%d/%d: %w", msg.Topic, msg.Partition, msg.Offset, ErrBatchUnresolved)
	}

	if err := commit.Acknowledge(context.WithoutCancel(ctx)); err != nil {
		c.metrics.IncrementCounter(metricCommitFailed, nil)
		c.logger.Error("Failed to acknowledge message", zap.Int("size", len(msgs)), zap.Error(err))
		return errors.Join(ErrCommitFailed, err)
	}
	c.metrics.IncrementCounter(metricBatchCommitted, nil)
	return nil
}
