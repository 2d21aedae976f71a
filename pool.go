package mailrelay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// SaturationPolicy decides what Submit does when the pool is full.
type SaturationPolicy int

const (
	// BlockWhenSaturated makes Submit wait for queue space.
	BlockWhenSaturated SaturationPolicy = iota
	// RejectWhenSaturated makes Submit fail fast with ErrSaturated.
	RejectWhenSaturated
)

// Task is the future of a submitted unit of work.
type Task struct {
	fn   func()
	done chan struct{}
	err  error
}

func newTask(fn func()) *Task {
	return &Task{fn: fn, done: make(chan struct{})}
}

// Done is closed once the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task has finished.
func (t *Task) Wait() {
	<-t.done
}

// Err returns the recovered panic of the task, if any. Valid after Done is closed.
func (t *Task) Err() error {
	<-t.done
	return t.err
}

func (t *Task) run() {
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			t.err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	t.fn()
}

// WaitAll blocks until every task has finished.
func WaitAll(tasks ...*Task) {
	for _, t := range tasks {
		if t != nil {
			t.Wait()
		}
	}
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Workers int
	Busy    int
	Queued  int
}

// WorkerPool runs tasks on a bounded set of reusable goroutines. Up to coreSize workers
// live for the pool's lifetime; workers above that are started only when the queue is full
// and exit after keepAlive of idleness.
type WorkerPool struct {
	name      string
	coreSize  int
	maxSize   int
	keepAlive time.Duration
	policy    SaturationPolicy
	logger    *zap.Logger
	metrics   MetricsCollector

	tasks chan *Task

	// intakeMu is held for reading while submitting and for writing while closing the queue.
	intakeMu sync.RWMutex
	mu       sync.Mutex
	workers  int
	closed   bool
	busy     atomic.Int32
	wg       sync.WaitGroup
}

// NewWorkerPool creates a pool. No goroutine is started until the first submission.
func NewWorkerPool(opts ...WorkerPoolOption) *WorkerPool {
	options := &workerPoolOptions{
		name:          "mailrelay",
		coreSize:      defaultPoolCoreSize,
		maxSize:       defaultPoolMaxSize,
		queueCapacity: defaultPoolQueueCapacity,
		keepAlive:     defaultPoolKeepAlive,
		policy:        BlockWhenSaturated,
		logger:        zap.NewNop(),
		metrics:       NewNopMetricsCollector(),
	}
	for _, opt := range opts {
		opt(options)
	}
	options.normalize()

	return &WorkerPool{
		name:      options.name,
		coreSize:  options.coreSize,
		maxSize:   options.maxSize,
		keepAlive: options.keepAlive,
		policy:    options.policy,
		logger:    options.logger,
		metrics:   options.metrics,
		tasks:     make(chan *Task, options.queueCapacity),
	}
}

// Submit schedules fn. When the pool is saturated it blocks until a queue slot frees or
// ctx is done, or returns ErrSaturated under RejectWhenSaturated.
func (p *WorkerPool) Submit(ctx context.Context, fn func()) (*Task, error) {
	task := newTask(fn)

	p.intakeMu.RLock()
	defer p.intakeMu.RUnlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.workers < p.coreSize {
		p.startWorkerLocked(task, true)
		p.mu.Unlock()
		return task, nil
	}
	p.mu.Unlock()

	select {
	case p.tasks <- task:
		return task, nil
	default:
	}

	p.mu.Lock()
	if p.workers < p.maxSize {
		p.startWorkerLocked(task, false)
		p.mu.Unlock()
		return task, nil
	}
	p.mu.Unlock()

	p.metrics.IncrementCounter("pool.saturated", map[string]string{"pool": p.name})
	if p.policy == RejectWhenSaturated {
		return nil, ErrSaturated
	}

	p.logger.Debug("Worker pool saturated, waiting for a free slot", zap.String("pool", p.name))
	select {
	case p.tasks <- task:
		return task, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *WorkerPool) startWorkerLocked(first *Task, core bool) {
	p.workers++
	p.wg.Add(1)
	go p.worker(first, core)
}

func (p *WorkerPool) worker(first *Task, core bool) {
	defer func() {
		p.mu.Lock()
		p.workers--
		p.mu.Unlock()
		p.wg.Done()
	}()

	if first != nil {
		p.execute(first)
	}

	if core {
		for task := range p.tasks {
			p.execute(task)
		}
		return
	}

	idle := time.NewTimer(p.keepAlive)
	defer idle.Stop()
	for {
		select {
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.execute(task)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.keepAlive)
		case <-idle.C:
			return
		}
	}
}

func (p *WorkerPool) execute(task *Task) {
	p.busy.Add(1)
	defer p.busy.Add(-1)
	task.run()
	if task.err != nil {
		p.logger.Error("Task panicked", zap.String("pool", p.name), zap.Error(task.err))
		p.metrics.IncrementCounter("pool.task_panicked", map[string]string{"pool": p.name})
	}
}

// Stats returns the current pool occupancy.
func (p *WorkerPool) Stats() PoolStats {
	p.mu.Lock()
	workers := p.workers
	p.mu.Unlock()
	return PoolStats{
		Workers: workers,
		Busy:    int(p.busy.Load()),
		Queued:  len(p.tasks),
	}
}

// ReportStats records the pool occupancy as gauges. It is meant to run as a BaseWorker job.
func (p *WorkerPool) ReportStats(_ context.Context) error {
	stats := p.Stats()
	tags := map[string]string{"pool": p.name}
	p.metrics.RecordGauge("pool.workers", float64(stats.Workers), tags)
	p.metrics.RecordGauge("pool.busy", float64(stats.Busy), tags)
	p.metrics.RecordGauge("pool.queued", float64(stats.Queued), tags)
	return nil
}

// Shutdown stops intake and waits for queued and running tasks to finish.
// It is safe to call Shutdown multiple times.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.intakeMu.Lock()
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()
	p.intakeMu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		p.logger.Info("Worker pool drained", zap.String("pool", p.name))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool drain: %w", ctx.Err())
	}
}
