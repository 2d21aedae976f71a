package mailrelay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/overtonx/mailrelay/storage"
)

func TestCleanupService_Cleanup_HappyPath(t *testing.T) {
	mockStore := new(storage.MockStore)
	outcomeRetention := 24 * time.Hour
	deadLetterRetention := 7 * 24 * time.Hour

	service := NewCleanupService(mockStore, zap.NewNop(), nil,
		WithCleanupOutcomeRetention(outcomeRetention),
		WithCleanupDeadLetterRetention(deadLetterRetention),
	)

	mockStore.On("DeleteOutcomes", mock.Anything, outcomeRetention).Return(int64(10), nil).Once()
	mockStore.On("DeleteDeadLetters", mock.Anything, deadLetterRetention).Return(int64(5), nil).Once()

	assert.NoError(t, service.Cleanup(context.Background()))
	mockStore.AssertExpectations(t)
}

func TestCleanupService_Cleanup_Defaults(t *testing.T) {
	mockStore := new(storage.MockStore)
	service := NewCleanupService(mockStore, nil, nil)

	mockStore.On("DeleteOutcomes", mock.Anything, 30*24*time.Hour).Return(int64(0), nil).Once()
	mockStore.On("DeleteDeadLetters", mock.Anything, 90*24*time.Hour).Return(int64(0), nil).Once()

	assert.NoError(t, service.Cleanup(context.Background()))
	mockStore.AssertExpectations(t)
}

func TestCleanupService_Cleanup_StoreFails(t *testing.T) {
	mockStore := new(storage.MockStore)
	storeErr := errors.New("db error")
	service := NewCleanupService(mockStore, zap.NewNop(), nil)

	mockStore.On("DeleteOutcomes", mock.Anything, mock.Anything).Return(int64(0), storeErr).Once()
	mockStore.On("DeleteDeadLetters", mock.Anything, mock.Anything).Return(int64(0), storeErr).Once()

	// Errors are logged, the worker keeps running.
	assert.NoError(t, service.Cleanup(context.Background()))
	mockStore.AssertExpectations(t)
}

func TestCleanupService_Cleanup_DisabledRetention(t *testing.T) {
	mockStore := new(storage.MockStore)
	service := NewCleanupService(mockStore, zap.NewNop(), nil, WithCleanupDeadLetterRetention(0))

	mockStore.On("DeleteOutcomes", mock.Anything, mock.Anything).Return(int64(1), nil).Once()

	assert.NoError(t, service.Cleanup(context.Background()))
	mockStore.AssertNotCalled(t, "DeleteDeadLetters", mock.Anything, mock.Anything)
}
