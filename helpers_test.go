package mailrelay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

type mockDeliveryClient struct {
	mock.Mock
}

func (m *mockDeliveryClient) Deliver(ctx context.Context, event ConfirmedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

type mockDeadLetterSink struct {
	mock.Mock
}

func (m *mockDeadLetterSink) Publish(ctx context.Context, msg RawMessage, cause error) error {
	args := m.Called(ctx, msg, cause)
	return args.Error(0)
}

type recordingOutcomeSink struct {
	mu      sync.Mutex
	records []OutcomeRecord
	err     error
}

func (s *recordingOutcomeSink) Record(_ context.Context, record OutcomeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return s.err
}

func (s *recordingOutcomeSink) byStatus(status OutcomeStatus) []OutcomeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OutcomeRecord
	for _, r := range s.records {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
	err    error
}

func (s *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return s.err
}

func (s *recordingSleeper) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func withSleep(sleep func(ctx context.Context, d time.Duration) error) RetryExecutorOption {
	return func(o *retryExecutorOptions) {
		o.sleep = sleep
	}
}

func confirmedPayload(reservationID int64) []byte {
	return []byte(fmt.Sprintf(
		`{"reservationId":%d,"email":"guest%d@example.com","restaurantName":"Bistro","confirmedAt":"2024-05-01T18:30:00","partySize":2}`,
		reservationID, reservationID,
	))
}

func confirmedMessage(reservationID int64) RawMessage {
	return RawMessage{
		Topic:     "reservation.confirmed",
		Partition: 0,
		Offset:    reservationID,
		Key:       []byte(fmt.Sprint(reservationID)),
		Payload:   confirmedPayload(reservationID),
		Headers:   map[string]string{},
	}
}

func reservation(id int64) interface{} {
	return mock.MatchedBy(func(e ConfirmedEvent) bool { return e.ReservationID == id })
}

type countingCommit struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingCommit) Acknowledge(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

func (c *countingCommit) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
