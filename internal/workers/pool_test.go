package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestExecuteKeepsInputOrder(t *testing.T) {
	pool := NewPool(zap.NewNop(), &PoolConfig{Name: "test", NumWorkers: 3, PanicRecovery: true})

	tasks := make([]Task[int], 20)
	for i := range tasks {
		i := i
		tasks[i] = func(ctx context.Context) (int, error) {
			time.Sleep(time.Duration(20-i) * time.Millisecond / 4)
			return i * i, nil
		}
	}

	results, err := Execute(context.Background(), pool, tasks)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("task %d failed: %v", i, r.Err)
		}
		if r.Index != i || r.Value != i*i {
			t.Errorf("result %d: got index %d value %d", i, r.Index, r.Value)
		}
	}
}

func TestExecuteBoundsConcurrency(t *testing.T) {
	pool := NewPool(zap.NewNop(), &PoolConfig{Name: "bounded", NumWorkers: 2})

	var inFlight, peak int32
	tasks := make([]Task[struct{}], 10)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) (struct{}, error) {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return struct{}{}, nil
		}
	}

	if _, err := Execute(context.Background(), pool, tasks); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if peak > 2 {
		t.Errorf("expected at most 2 tasks in flight, saw %d", peak)
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	pool := NewPool(zap.NewNop(), &PoolConfig{Name: "panics", NumWorkers: 2, PanicRecovery: true})

	tasks := []Task[int]{
		func(ctx context.Context) (int, error) { return 1, nil },
		func(ctx context.Context) (int, error) { panic("boom") },
		func(ctx context.Context) (int, error) { return 3, nil },
	}

	results, err := Execute(context.Background(), pool, tasks)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	var pe *PanicError
	if !errors.As(results[1].Err, &pe) {
		t.Fatalf("expected PanicError, got %v", results[1].Err)
	}
	if pe.Recovered != "boom" {
		t.Errorf("unexpected recovered value %v", pe.Recovered)
	}
	if results[0].Value != 1 || results[2].Value != 3 {
		t.Errorf("healthy tasks affected by panic: %+v", results)
	}
	if got := pool.Stats().PanicRecovered; got != 1 {
		t.Errorf("expected 1 recovered panic, got %d", got)
	}
}

func TestExecuteTaskTimeout(t *testing.T) {
	pool := NewPool(zap.NewNop(), &PoolConfig{Name: "timeout", NumWorkers: 2, TaskTimeout: 10 * time.Millisecond})

	tasks := []Task[int]{
		func(ctx context.Context) (int, error) { return 1, nil },
		func(ctx context.Context) (int, error) {
			<-ctx.Done()
			time.Sleep(5 * time.Millisecond)
			return 0, ctx.Err()
		},
	}

	results, err := Execute(context.Background(), pool, tasks)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if results[0].Err != nil {
		t.Errorf("fast task failed: %v", results[0].Err)
	}
	if !results[1].TimedOut() {
		t.Errorf("expected slow task to time out, got %v", results[1].Err)
	}
}

func TestExecuteBatchDeadlineStopsDispatch(t *testing.T) {
	pool := NewPool(zap.NewNop(), &PoolConfig{Name: "deadline", NumWorkers: 1, BatchTimeout: 30 * time.Millisecond})

	tasks := make([]Task[int], 5)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) (int, error) {
			select {
			case <-time.After(200 * time.Millisecond):
				return 1, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
	}

	start := time.Now()
	results, err := Execute(context.Background(), pool, tasks)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("batch deadline not enforced, took %s", elapsed)
	}

	dispatched := 0
	for _, r := range results {
		if !r.TimedOut() {
			t.Errorf("task %d: expected timeout marker, got %v", r.Index, r.Err)
		}
		if r.Dispatched {
			dispatched++
		}
	}
	if dispatched != 1 {
		t.Errorf("expected exactly one dispatched task, got %d", dispatched)
	}
}

func TestExecuteStoppedPool(t *testing.T) {
	pool := NewPool(zap.NewNop(), nil)
	pool.Stop()

	_, err := Execute(context.Background(), pool, []Task[int]{})
	if !errors.Is(err, ErrPoolStopped) {
		t.Errorf("expected ErrPoolStopped, got %v", err)
	}
}
