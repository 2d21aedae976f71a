package mailrelay

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestBaseWorker_StartAndStop(t *testing.T) {
	var runs atomic.Int32
	worker := NewBaseWorker("pool-stats", 10*time.Millisecond, zap.NewNop(), func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	done := make(chan struct{})
	go func() {
		worker.Start(context.Background())
		close(done)
	}()

	assert.Eventually(t, func() bool { return runs.Load() > 0 }, time.Second, 5*time.Millisecond)
	worker.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}

	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

func TestBaseWorker_ContextCancellation(t *testing.T) {
	var runs atomic.Int32
	worker := NewBaseWorker("cleanup", 10*time.Millisecond, nil, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	worker.Start(ctx)

	assert.Greater(t, runs.Load(), int32(0))
}

func TestBaseWorker_RunOnStart(t *testing.T) {
	ran := make(chan struct{}, 1)
	worker := NewBaseWorker("cleanup", time.Hour, zap.NewNop(), func(ctx context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}, WithRunOnStart())

	go worker.Start(context.Background())
	defer worker.Stop()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("job did not run on start")
	}
}

func TestBaseWorker_JobErrorsAndPanicsAreLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	var runs atomic.Int32
	worker := NewBaseWorker("flaky", 5*time.Millisecond, zap.New(core), func(ctx context.Context) error {
		if runs.Add(1)%2 == 0 {
			panic("boom")
		}
		return errors.New("store unavailable")
	})

	go worker.Start(context.Background())
	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	worker.Stop()

	assert.GreaterOrEqual(t, logs.FilterMessage("Worker job failed").Len(), 2)
}

func TestBaseWorker_StopIsIdempotent(t *testing.T) {
	worker := NewBaseWorker("idle", time.Hour, zap.NewNop(), func(ctx context.Context) error { return nil })
	go worker.Start(context.Background())

	assert.NotPanics(t, func() {
		worker.Stop()
		worker.Stop()
	})
	assert.Equal(t, "idle", worker.Name())
}

func TestBaseWorker_StopWaitsForRunningJob(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	worker := NewBaseWorker("cleanup", time.Hour, zap.NewNop(), func(ctx context.Context) error {
		close(entered)
		<-release
		finished.Store(true)
		return nil
	}, WithRunOnStart())

	go worker.Start(context.Background())
	<-entered

	stopped := make(chan struct{})
	go func() {
		worker.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while the job was still running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the job finished")
	}
	assert.True(t, finished.Load())
}

func TestBaseWorker_ConcurrentStartAndStop(t *testing.T) {
	for i := 0; i < 50; i++ {
		worker := NewBaseWorker("pool-stats", time.Millisecond, nil, func(context.Context) error { return nil })
		done := make(chan struct{})
		go func() {
			worker.Start(context.Background())
			close(done)
		}()
		worker.Stop()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Start did not return after Stop")
		}
	}
}
