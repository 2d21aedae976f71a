package mailrelay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// JobFunc is the periodic work of a BaseWorker.
type JobFunc func(ctx context.Context) error

// BaseWorker runs a job at a fixed interval until its context is cancelled or Stop is
// called. A run in progress is always allowed to finish.
type BaseWorker struct {
	name       string
	interval   time.Duration
	logger     *zap.Logger
	job        JobFunc
	runOnStart bool

	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopOnce sync.Once
	stopChan chan struct{}
	started  bool
}

// BaseWorkerOption configures a BaseWorker.
type BaseWorkerOption func(*BaseWorker)

// WithRunOnStart runs the job once immediately instead of waiting for the first tick.
func WithRunOnStart() BaseWorkerOption {
	return func(w *BaseWorker) {
		w.runOnStart = true
	}
}

// NewBaseWorker creates a periodic worker.
func NewBaseWorker(name string, interval time.Duration, logger *zap.Logger, job JobFunc, opts ...BaseWorkerOption) *BaseWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &BaseWorker{
		name:     name,
		interval: interval,
		logger:   logger,
		job:      job,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start blocks until ctx is cancelled or Stop is called.
func (w *BaseWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		w.logger.Warn("Worker already started", zap.String("name", w.name))
		return
	}
	w.started = true
	// Registered under mu so that a Stop observing started also waits for this loop.
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	w.logger.Info("Worker starting", zap.String("name", w.name), zap.Duration("interval", w.interval))
	defer w.logger.Info("Worker finished", zap.String("name", w.name))

	if w.runOnStart && !w.stopped() {
		w.run(ctx)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			// Stop may have raced with the tick.
			if w.stopped() {
				return
			}
			w.run(ctx)
		}
	}
}

func (w *BaseWorker) stopped() bool {
	select {
	case <-w.stopChan:
		return true
	default:
		return false
	}
}

func (w *BaseWorker) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	if err := w.safeRun(ctx); err != nil {
		w.logger.Error("Worker job failed", zap.String("name", w.name), zap.Error(err))
	}
}

func (w *BaseWorker) safeRun(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return w.job(ctx)
}

// Stop signals the loop to exit and waits for Start to return, letting a running job
// complete.
// It is safe to call Stop multiple times.
func (w *BaseWorker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.RLock()
		defer w.mu.RUnlock()
		close(w.stopChan)
		if !w.started {
			return
		}
		w.wg.Wait()
	})
}

// Name returns the name of the worker.
func (w *BaseWorker) Name() string {
	return w.name
}
