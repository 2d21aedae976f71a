package mailrelay

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Dispatcher runs a set of workers and stops them together. If one worker returns on its
// own, the others are stopped as well.
type Dispatcher struct {
	logger *zap.Logger
	wg     sync.WaitGroup

	mu       sync.RWMutex
	workers  []Worker
	stopOnce sync.Once
	stopChan chan struct{}
	started  bool
}

// NewDispatcher creates a dispatcher for workers.
func NewDispatcher(logger *zap.Logger, workers ...Worker) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		logger:   logger,
		workers:  workers,
		stopChan: make(chan struct{}),
	}
}

// Start runs every worker and blocks until ctx is cancelled, Stop is called or a worker
// exits, then waits for all of them to return.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		d.logger.Warn("Dispatcher already started")
		return
	}
	d.started = true
	d.mu.Unlock()

	d.logger.Info("Starting dispatcher", zap.Int("worker_count", len(d.workers)))

	exited := make(chan string, len(d.workers))
	for _, w := range d.workers {
		d.wg.Add(1)
		go func(worker Worker) {
			defer d.wg.Done()
			worker.Start(ctx)
			exited <- worker.Name()
		}(w)
	}

	select {
	case <-ctx.Done():
		d.logger.Info("Context cancelled, stopping dispatcher")
	case <-d.stopChan:
		d.logger.Info("Stop signal received, stopping dispatcher")
	case name := <-exited:
		d.logger.Warn("Worker exited, stopping dispatcher", zap.String("worker_name", name))
	}
	d.stopWorkers()

	d.wg.Wait()
	d.logger.Info("Dispatcher shutdown complete")

	d.mu.Lock()
	d.started = false
	d.mu.Unlock()
}

// Stop signals Start to shut everything down. It is safe to call Stop multiple times.
func (d *Dispatcher) Stop() {
	d.mu.RLock()
	started := d.started
	d.mu.RUnlock()
	if !started {
		d.logger.Warn("Attempted to stop a dispatcher that was not started")
		return
	}
	d.stopWorkers()
}

func (d *Dispatcher) stopWorkers() {
	d.stopOnce.Do(func() {
		close(d.stopChan)
		for _, worker := range d.workers {
			worker.Stop()
		}
	})
}

// IsStarted reports whether Start is running.
func (d *Dispatcher) IsStarted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.started
}
