package storage

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of the Store interface for testing.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) SaveOutcome(ctx context.Context, record *OutcomeRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockStore) SaveDeadLetters(ctx context.Context, records []DeadLetterRecord) error {
	args := m.Called(ctx, records)
	return args.Error(0)
}

func (m *MockStore) DeleteOutcomes(ctx context.Context, retention time.Duration) (int64, error) {
	args := m.Called(ctx, retention)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) DeleteDeadLetters(ctx context.Context, retention time.Duration) (int64, error) {
	args := m.Called(ctx, retention)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) EnsureTables(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
