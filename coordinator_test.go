package mailrelay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type coordinatorFixture struct {
	delivery    *mockDeliveryClient
	outcomes    *recordingOutcomeSink
	deadLetters *mockDeadLetterSink
	sleeper     *recordingSleeper
	pool        *WorkerPool
	coordinator *BatchCoordinator
}

func newCoordinatorFixture(t *testing.T, poolOpts ...WorkerPoolOption) *coordinatorFixture {
	t.Helper()
	f := &coordinatorFixture{
		delivery:    new(mockDeliveryClient),
		outcomes:    &recordingOutcomeSink{},
		deadLetters: new(mockDeadLetterSink),
		sleeper:     &recordingSleeper{},
		pool:        NewWorkerPool(append([]WorkerPoolOption{WithPoolCoreSize(4), WithPoolMaxSize(4)}, poolOpts...)...),
	}
	executor := NewRetryExecutor(nil, f.delivery, f.outcomes, f.deadLetters, zap.NewNop(), nil, withSleep(f.sleeper.sleep))
	f.coordinator = NewBatchCoordinator(executor, f.pool, zap.NewNop(), nil)
	t.Cleanup(func() {
		_ = f.pool.Shutdown(context.Background())
	})
	return f
}

func TestBatchCoordinator_MixedBatch(t *testing.T) {
	f := newCoordinatorFixture(t)
	msgs := []RawMessage{confirmedMessage(1), confirmedMessage(2), confirmedMessage(3)}
	for i := range msgs {
		msgs[i].Position = i
	}

	f.delivery.On("Deliver", mock.Anything, reservation(1)).Return(nil).Once()
	f.delivery.On("Deliver", mock.Anything, reservation(2)).Return(errors.New("421 try again later")).Once()
	f.delivery.On("Deliver", mock.Anything, reservation(2)).Return(nil).Once()
	f.delivery.On("Deliver", mock.Anything, reservation(3)).Return(errors.New("invalid recipient")).Times(2)
	f.deadLetters.On("Publish", mock.Anything, msgs[2], mock.Anything).Return(nil).Once()

	var acknowledged int
	commit := CommitFunc(func(context.Context) error {
		acknowledged++
		// Every message must be settled before the batch is acknowledged.
		assert.Len(t, f.outcomes.byStatus(OutcomeSuccess), 2)
		assert.Len(t, f.outcomes.byStatus(OutcomeFailure), 1)
		f.deadLetters.AssertNumberOfCalls(t, "Publish", 1)
		return nil
	})

	result, err := f.coordinator.ProcessBatch(context.Background(), msgs, commit)
	require.NoError(t, err)

	assert.Equal(t, 1, acknowledged)
	assert.NotEmpty(t, result.BatchID)
	assert.Equal(t, 3, result.Size)
	assert.Equal(t, 2, result.Delivered)
	assert.Equal(t, 1, result.DeadLettered)
	assert.Zero(t, result.Unresolved)
	assert.True(t, result.Committed)

	failures := f.outcomes.byStatus(OutcomeFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, int64(3), failures[0].ReservationID)

	successes := f.outcomes.byStatus(OutcomeSuccess)
	require.Len(t, successes, 2)
	assert.ElementsMatch(t, []int64{1, 2}, []int64{successes[0].ReservationID, successes[1].ReservationID})

	// One pause before the second attempt of message 2 and one before that of message 3.
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}, f.sleeper.recorded())
	f.delivery.AssertNumberOfCalls(t, "Deliver", 5)
	f.delivery.AssertExpectations(t)
	f.deadLetters.AssertExpectations(t)
}

func TestBatchCoordinator_CommitsWhenDeadLetterPublishFails(t *testing.T) {
	f := newCoordinatorFixture(t)
	msg := confirmedMessage(1)
	f.delivery.On("Deliver", mock.Anything, mock.Anything).Return(errors.New("down"))
	f.deadLetters.On("Publish", mock.Anything, msg, mock.Anything).Return(&PublishError{Err: errors.New("broker down")}).Once()

	commit := &countingCommit{}
	result, err := f.coordinator.ProcessBatch(context.Background(), []RawMessage{msg}, commit)

	require.NoError(t, err)
	assert.Equal(t, 1, commit.count())
	assert.Equal(t, 1, result.PublishFailed)
	assert.True(t, result.Committed)
}

func TestBatchCoordinator_UnresolvedBatchIsNotAcknowledged(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.sleeper.err = context.Canceled
	f.delivery.On("Deliver", mock.Anything, reservation(1)).Return(nil).Once()
	f.delivery.On("Deliver", mock.Anything, reservation(2)).Return(errors.New("timeout")).Once()

	commit := &countingCommit{}
	result, err := f.coordinator.ProcessBatch(context.Background(), []RawMessage{confirmedMessage(1), confirmedMessage(2)}, commit)

	assert.ErrorIs(t, err, ErrBatchUnresolved)
	assert.Zero(t, commit.count())
	assert.Equal(t, 1, result.Delivered)
	assert.Equal(t, 1, result.Unresolved)
	assert.False(t, result.Committed)
}

func TestBatchCoordinator_EmptyBatchIsAcknowledged(t *testing.T) {
	f := newCoordinatorFixture(t)
	commit := &countingCommit{}

	result, err := f.coordinator.ProcessBatch(context.Background(), nil, commit)

	require.NoError(t, err)
	assert.Equal(t, 1, commit.count())
	assert.True(t, result.Committed)
	f.delivery.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything)
}

func TestBatchCoordinator_CommitFailure(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.delivery.On("Deliver", mock.Anything, mock.Anything).Return(nil)
	commitErr := errors.New("coordinator not available")

	commit := &countingCommit{err: commitErr}
	result, err := f.coordinator.ProcessBatch(context.Background(), []RawMessage{confirmedMessage(1)}, commit)

	assert.ErrorIs(t, err, ErrCommitFailed)
	assert.ErrorIs(t, err, commitErr)
	assert.Equal(t, 1, commit.count())
	assert.False(t, result.Committed)
}

func TestBatchCoordinator_SaturatedPoolRunsInline(t *testing.T) {
	f := newCoordinatorFixture(t,
		WithPoolCoreSize(1),
		WithPoolMaxSize(1),
		WithPoolQueueCapacity(0),
		WithPoolSaturationPolicy(RejectWhenSaturated),
	)
	f.delivery.On("Deliver", mock.Anything, mock.Anything).Return(nil)

	msgs := make([]RawMessage, 0, 10)
	for i := int64(1); i <= 10; i++ {
		msgs = append(msgs, confirmedMessage(i))
	}

	commit := &countingCommit{}
	result, err := f.coordinator.ProcessBatch(context.Background(), msgs, commit)

	require.NoError(t, err)
	assert.Equal(t, 10, result.Delivered)
	assert.Equal(t, 1, commit.count())
	f.delivery.AssertNumberOfCalls(t, "Deliver", 10)
}

type panickingOutcomeSink struct{}

func (panickingOutcomeSink) Record(context.Context, OutcomeRecord) error {
	panic("outcome sink exploded")
}

func TestBatchCoordinator_PanicLeavesBatchUnresolved(t *testing.T) {
	delivery := new(mockDeliveryClient)
	delivery.On("Deliver", mock.Anything, mock.Anything).Return(nil)
	pool := NewWorkerPool(WithPoolCoreSize(2))
	defer func() { _ = pool.Shutdown(context.Background()) }()

	executor := NewRetryExecutor(nil, delivery, panickingOutcomeSink{}, nil, nil, nil)
	coordinator := NewBatchCoordinator(executor, pool, nil, nil)

	commit := &countingCommit{}
	result, err := coordinator.ProcessBatch(context.Background(), []RawMessage{confirmedMessage(1)}, commit)

	assert.ErrorIs(t, err, ErrBatchUnresolved)
	assert.Equal(t, 1, result.Unresolved)
	assert.Zero(t, commit.count())
}

func TestBatchCoordinator_ClosedPool(t *testing.T) {
	f := newCoordinatorFixture(t)
	require.NoError(t, f.pool.Shutdown(context.Background()))

	commit := &countingCommit{}
	_, err := f.coordinator.ProcessBatch(context.Background(), []RawMessage{confirmedMessage(1)}, commit)

	assert.ErrorIs(t, err, ErrBatchUnresolved)
	assert.Zero(t, commit.count())
}

func TestBatchCoordinator_HandleBatchAndProcessMessage(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.delivery.On("Deliver", mock.Anything, mock.Anything).Return(nil)

	commit := &countingCommit{}
	require.NoError(t, f.coordinator.HandleBatch(context.Background(), []RawMessage{confirmedMessage(1)}, commit))
	assert.Equal(t, 1, commit.count())

	result := f.coordinator.ProcessMessage(context.Background(), confirmedMessage(2))
	assert.Equal(t, PhaseSucceeded, result.Phase)
}

func TestBatchCoordinator_HandleMessagesWithTopicPolicy(t *testing.T) {
	delivery := new(mockDeliveryClient)
	deadLetters := new(mockDeadLetterSink)
	sleeper := &recordingSleeper{}
	executor := NewRetryExecutor(nil, delivery, &recordingOutcomeSink{}, deadLetters, nil, nil,
		WithRetryPolicy(TopicRetryPolicy()), withSleep(sleeper.sleep))
	coordinator := NewBatchCoordinator(executor, nil, nil, nil)

	msg := confirmedMessage(9)
	delivery.On("Deliver", mock.Anything, reservation(9)).Return(errors.New("connection reset"))
	deadLetters.On("Publish", mock.Anything, msg, mock.Anything).Return(nil).Once()

	commit := &countingCommit{}
	require.NoError(t, coordinator.HandleMessages(context.Background(), []RawMessage{msg}, commit))

	assert.Equal(t, 1, commit.count())
	delivery.AssertNumberOfCalls(t, "Deliver", 5)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, sleeper.recorded())
	deadLetters.AssertExpectations(t)
}

func TestBatchCoordinator_HandleMessagesLeavesUnresolvedMessage(t *testing.T) {
	delivery := new(mockDeliveryClient)
	sleeper := &recordingSleeper{err: context.Canceled}
	executor := NewRetryExecutor(nil, delivery, nil, new(mockDeadLetterSink), nil, nil,
		WithRetryPolicy(TopicRetryPolicy()), withSleep(sleeper.sleep))
	coordinator := NewBatchCoordinator(executor, nil, nil, nil)

	delivery.On("Deliver", mock.Anything, reservation(1)).Return(errors.New("timeout")).Once()

	commit := &countingCommit{}
	err := coordinator.HandleMessages(context.Background(), []RawMessage{confirmedMessage(1)}, commit)

	assert.ErrorIs(t, err, ErrBatchUnresolved)
	assert.Zero(t, commit.count())
}

func TestBatchCoordinator_HandleMessagesCommitFailure(t *testing.T) {
	delivery := new(mockDeliveryClient)
	delivery.On("Deliver", mock.Anything, mock.Anything).Return(nil)
	coordinator := NewBatchCoordinator(NewRetryExecutor(nil, delivery, nil, nil, nil, nil), nil, nil, nil)

	commit := &countingCommit{err: errors.New("rebalance in progress")}
	err := coordinator.HandleMessages(context.Background(), []RawMessage{confirmedMessage(1)}, commit)

	assert.ErrorIs(t, err, ErrCommitFailed)
	assert.Equal(t, 1, commit.count())
}
