package mailrelay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/mailrelay/storage"
)

// CleanupService removes outcome logs and dead-letter history past their retention.
type CleanupService struct {
	store               storage.Store
	logger              *zap.Logger
	metrics             MetricsCollector
	outcomeRetention    time.Duration
	deadLetterRetention time.Duration
}

// NewCleanupService creates a CleanupService. Retention defaults to 30 days for outcomes
// and 90 days for dead letters.
func NewCleanupService(store storage.Store, logger *zap.Logger, metrics MetricsCollector, opts ...CleanupServiceOption) *CleanupService {
	options := &cleanupServiceOptions{
		outcomeRetention:    defaultOutcomeRetention,
		deadLetterRetention: defaultDeadLetterRetention,
	}
	for _, opt := range opts {
		opt(options)
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CleanupService{
		store:               store,
		logger:              logger,
		metrics:             metrics,
		outcomeRetention:    options.outcomeRetention,
		deadLetterRetention: options.deadLetterRetention,
	}
}

// Cleanup is the work function of the cleanup worker. Failures are logged and counted
// but never returned, so one bad run does not stop the worker.
func (s *CleanupService) Cleanup(ctx context.Context) error {
	start := time.Now()
	defer func() {
		s.metrics.RecordDuration("cleanup.duration", time.Since(start), nil)
	}()

	s.logger.Debug("Starting cleanup",
		zap.Duration("outcome_retention", s.outcomeRetention),
		zap.Duration("dead_letter_retention", s.deadLetterRetention),
	)

	if s.outcomeRetention > 0 {
		deleted, err := s.store.DeleteOutcomes(ctx, s.outcomeRetention)
		if err != nil {
			s.logger.Error("Failed to clean up outcome records", zap.Error(err))
			s.metrics.IncrementCounter("cleanup.outcomes.failed", nil)
		} else if deleted > 0 {
			s.logger.Info("Cleaned up outcome records", zap.Int64("count", deleted))
			s.metrics.RecordGauge("cleanup.outcomes.deleted", float64(deleted), nil)
		}
	}

	if s.deadLetterRetention > 0 {
		deleted, err := s.store.DeleteDeadLetters(ctx, s.deadLetterRetention)
		if err != nil {
			s.logger.Error("Failed to clean up dead-letter records", zap.Error(err))
			s.metrics.IncrementCounter("cleanup.dead_letters.failed", nil)
		} else if deleted > 0 {
			s.logger.Info("Cleaned up dead-letter records", zap.Int64("count", deleted))
			s.metrics.RecordGauge("cleanup.dead_letters.deleted", float64(deleted), nil)
		}
	}

	s.metrics.IncrementCounter("cleanup.executed", nil)
	return nil
}
