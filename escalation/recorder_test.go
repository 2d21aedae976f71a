package escalation

import (
	"context"
	"errors"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/overtonx/mailrelay"
	"github.com/overtonx/mailrelay/kafka"
	"github.com/overtonx/mailrelay/storage"
)

func deadLetter(offset int64, payload string, headers map[string]string) mailrelay.RawMessage {
	return mailrelay.RawMessage{
		Topic:     "reservation.confirmed.dlt",
		Partition: 0,
		Offset:    offset,
		Payload:   []byte(payload),
		Headers:   headers,
	}
}

func TestRecorder_HandleBatch(t *testing.T) {
	store := new(storage.MockStore)
	core, logs := observer.New(zapcore.ErrorLevel)
	recorder := NewRecorder(store, WithLogger(zap.New(core)))
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	recorder.now = func() time.Time { return now }

	msgs := []mailrelay.RawMessage{
		deadLetter(0,
			`{"reservationId":42,"email":"guest@example.com","restaurantName":"Bistro","confirmedAt":"2024-05-01T18:30:00","partySize":4}`,
			map[string]string{
				kafka.HeaderOriginalTopic:     "reservation.confirmed",
				kafka.HeaderOriginalPartition: "3",
				kafka.HeaderOriginalOffset:    "120",
				kafka.HeaderFailureType:       mailrelay.FailureTypeDelivery,
				kafka.HeaderFailureMessage:    "mailbox full",
				kafka.HeaderAttempts:          "2",
			}),
		deadLetter(1, "garbage", map[string]string{
			kafka.HeaderFailureType: mailrelay.FailureTypeDecode,
		}),
	}

	var saved []storage.DeadLetterRecord
	store.On("SaveDeadLetters", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { saved = args.Get(1).([]storage.DeadLetterRecord) }).
		Return(nil).Once()

	acked := 0
	err := recorder.HandleBatch(context.Background(), msgs, mailrelay.CommitFunc(func(context.Context) error {
		acked++
		return nil
	}))

	require.NoError(t, err)
	assert.Equal(t, 1, acked)
	require.Len(t, saved, 2)

	first := saved[0]
	assert.Equal(t, int64(42), first.ReservationID)
	assert.Equal(t, "guest@example.com", first.Email)
	assert.Equal(t, "Bistro", first.RestaurantName)
	require.NotNil(t, first.ConfirmedAt)
	assert.Equal(t, time.Date(2024, 5, 1, 18, 30, 0, 0, time.UTC), *first.ConfirmedAt)
	assert.Equal(t, 4, first.PartySize)
	assert.Equal(t, "reservation.confirmed", first.OriginalTopic)
	assert.Equal(t, int32(3), first.OriginalPartition)
	assert.Equal(t, int64(120), first.OriginalOffset)
	assert.Equal(t, "mailbox full", first.FailureMessage)
	assert.Equal(t, 2, first.Attempts)
	assert.Equal(t, now, first.CreatedAt)

	second := saved[1]
	assert.Zero(t, second.ReservationID)
	assert.Equal(t, []byte("garbage"), second.Payload)
	assert.Equal(t, mailrelay.FailureTypeDecode, second.FailureType)
	assert.Equal(t, "reservation.confirmed.dlt", second.OriginalTopic)
	assert.Equal(t, int64(1), second.OriginalOffset)

	assert.Equal(t, 2, logs.FilterMessage("Reservation mail dead-lettered").Len())
	store.AssertExpectations(t)
}

func TestRecorder_StoreFailureLeavesBatchUnacknowledged(t *testing.T) {
	store := new(storage.MockStore)
	recorder := NewRecorder(store)
	storeErr := errors.New("deadlock")
	store.On("SaveDeadLetters", mock.Anything, mock.Anything).Return(storeErr).Once()

	acked := false
	err := recorder.HandleBatch(context.Background(), []mailrelay.RawMessage{deadLetter(0, "{}", nil)},
		mailrelay.CommitFunc(func(context.Context) error {
			acked = true
			return nil
		}))

	assert.ErrorIs(t, err, mailrelay.ErrBatchUnresolved)
	assert.ErrorIs(t, err, storeErr)
	assert.False(t, acked)
}

func TestRecorder_CommitFailure(t *testing.T) {
	store := new(storage.MockStore)
	recorder := NewRecorder(store, WithMetrics(mailrelay.NewNopMetricsCollector()))
	store.On("SaveDeadLetters", mock.Anything, mock.Anything).Return(nil).Once()

	err := recorder.HandleBatch(context.Background(), []mailrelay.RawMessage{deadLetter(0, "{}", nil)},
		mailrelay.CommitFunc(func(context.Context) error { return errors.New("rebalance") }))

	assert.ErrorIs(t, err, mailrelay.ErrCommitFailed)
}

func offsets(n int, first int64) interface{} {
	return mock.MatchedBy(func(records []storage.DeadLetterRecord) bool {
		return len(records) == n && records[0].OriginalOffset == first
	})
}

func TestRecorder_SkipsRecordsTheStoreRejects(t *testing.T) {
	store := new(storage.MockStore)
	core, logs := observer.New(zapcore.ErrorLevel)
	recorder := NewRecorder(store, WithLogger(zap.New(core)))
	rejected := errors.Join(storage.ErrInvalidRecord, errors.New("Data too long for column 'payload'"))

	store.On("SaveDeadLetters", mock.Anything, offsets(2, 0)).Return(rejected).Once()
	store.On("SaveDeadLetters", mock.Anything, offsets(1, 0)).Return(nil).Once()
	store.On("SaveDeadLetters", mock.Anything, offsets(1, 1)).Return(rejected).Once()

	commit := 0
	err := recorder.HandleBatch(context.Background(),
		[]mailrelay.RawMessage{deadLetter(0, "{}", nil), deadLetter(1, "{}", nil)},
		mailrelay.CommitFunc(func(context.Context) error {
			commit++
			return nil
		}))

	require.NoError(t, err)
	assert.Equal(t, 1, commit)
	skipped := logs.FilterMessage("Dead letter rejected by store, skipped").All()
	require.Len(t, skipped, 1)
	assert.Equal(t, int64(1), skipped[0].ContextMap()["original_offset"])
	store.AssertExpectations(t)
}

func TestRecorder_ConnectionFailureDuringRecordFallback(t *testing.T) {
	store := new(storage.MockStore)
	recorder := NewRecorder(store)
	connErr := errors.New("invalid connection")

	store.On("SaveDeadLetters", mock.Anything, offsets(2, 0)).Return(storage.ErrInvalidRecord).Once()
	store.On("SaveDeadLetters", mock.Anything, offsets(1, 0)).Return(connErr).Once()

	err := recorder.HandleBatch(context.Background(),
		[]mailrelay.RawMessage{deadLetter(0, "{}", nil), deadLetter(1, "{}", nil)},
		mailrelay.CommitFunc(func(context.Context) error {
			t.Fatal("batch must not be acknowledged")
			return nil
		}))

	assert.ErrorIs(t, err, mailrelay.ErrBatchUnresolved)
	assert.ErrorIs(t, err, connErr)
	store.AssertExpectations(t)
}

func TestRecorder_SanitizesHeaders(t *testing.T) {
	store := new(storage.MockStore)
	recorder := NewRecorder(store)

	var saved []storage.DeadLetterRecord
	store.On("SaveDeadLetters", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { saved = args.Get(1).([]storage.DeadLetterRecord) }).
		Return(nil).Once()

	msg := deadLetter(5, "{}", map[string]string{
		kafka.HeaderOriginalPartition: "4294967297",
	})
	msg.Partition = 2
	msg.Headers[kafka.HeaderFailureMessage] = "mailbox " + string([]byte{0xed, 0x9a}) + " full"

	require.NoError(t, recorder.HandleBatch(context.Background(), []mailrelay.RawMessage{msg},
		mailrelay.CommitFunc(func(context.Context) error { return nil })))

	require.Len(t, saved, 1)
	assert.Equal(t, int32(2), saved[0].OriginalPartition)
	assert.True(t, utf8.ValidString(saved[0].FailureMessage))
	assert.Equal(t, "mailbox \uFFFD full", saved[0].FailureMessage)
}

func TestHeaderInt(t *testing.T) {
	headers := map[string]string{"a": "12", "b": "x"}
	assert.Equal(t, int64(12), headerInt(headers, "a", 0))
	assert.Equal(t, int64(7), headerInt(headers, "b", 7))
	assert.Equal(t, int64(5), headerInt(headers, "c", 5))
}
