package workers_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/workers"
	"go.uber.org/zap"
)

func newPool(t *testing.T, cfg workers.PoolConfig) *workers.Pool {
	t.Helper()
	p := workers.NewPool(zap.NewNop(), cfg)
	p.Start()
	t.Cleanup(func() { p.Stop() })
	return p
}

func TestSubmitWaitRunsTask(t *testing.T) {
	p := newPool(t, workers.DefaultPoolConfig("test"))

	var ran atomic.Int32
	err := p.SubmitWait(context.Background(), workers.TaskFunc(func(ctx context.Context) error {
		ran.Add(1)
		return nil
	}))
	if err != nil {
		t.Fatalf("SubmitWait failed: %v", err)
	}
	if ran.Load() != 1 {
		t.Errorf("Expected task to run once, got %d", ran.Load())
	}

	boom := errors.New("boom")
	if err := p.SubmitWait(context.Background(), workers.TaskFunc(func(ctx context.Context) error {
		return boom
	})); !errors.Is(err, boom) {
		t.Errorf("Expected task error, got %v", err)
	}
}

func TestPanicRecovered(t *testing.T) {
	p := newPool(t, workers.DefaultPoolConfig("panic"))

	err := p.SubmitWait(context.Background(), workers.TaskFunc(func(ctx context.Context) error {
		panic("bad task")
	}))
	var pe *workers.PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("Expected PanicError, got %v", err)
	}
	if got := p.Stats().PanicRecovered; got != 1 {
		t.Errorf("Expected 1 recovered panic, got %d", got)
	}
}

func TestTaskTimeout(t *testing.T) {
	cfg := workers.DefaultPoolConfig("timeout")
	cfg.TaskTimeout = 20 * time.Millisecond
	p := newPool(t, cfg)

	err := p.SubmitWait(context.Background(), workers.TaskFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for p.Stats().TasksTimeout != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected 1 timed out task, got %d", p.Stats().TasksTimeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestQueueFullAndStopped(t *testing.T) {
	cfg := workers.DefaultPoolConfig("full")
	cfg.NumWorkers = 1
	cfg.QueueSize = 1
	p := newPool(t, cfg)

	release := make(chan struct{})
	started := make(chan struct{})
	blocker := workers.TaskFunc(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	if err := p.Submit(blocker); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started

	noop := workers.TaskFunc(func(ctx context.Context) error { return nil })
	if err := p.Submit(noop); err != nil {
		t.Fatalf("Expected queued task, got %v", err)
	}
	if err := p.Submit(noop); !errors.Is(err, workers.ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
	close(release)

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := p.Submit(noop); !errors.Is(err, workers.ErrPoolStopped) {
		t.Errorf("Expected ErrPoolStopped, got %v", err)
	}
}
