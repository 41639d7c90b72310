// Package workers provides bounded parallel execution of independent tasks.
package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Task is a unit of work. It should honor ctx; a task that does not is
// abandoned when its timeout fires and its result is discarded.
type Task[T any] func(ctx context.Context) (T, error)

// Result is the outcome of one task, stored at the task's input index
type Result[T any] struct {
	Index      int
	Value      T
	Err        error
	Duration   time.Duration
	Dispatched bool
}

// TimedOut reports whether the task hit its own or the batch deadline
func (r Result[T]) TimedOut() bool {
	return errors.Is(r.Err, ErrTaskTimeout) || errors.Is(r.Err, ErrNotDispatched)
}

// PoolConfig configures the worker pool
type PoolConfig struct {
	Name          string        // Pool name for logging
	NumWorkers    int           // Maximum tasks in flight
	TaskTimeout   time.Duration // Per-task timeout, 0 disables
	BatchTimeout  time.Duration // Whole-batch deadline, 0 disables
	PanicRecovery bool          // Convert task panics into PanicError
}

// DefaultPoolConfig returns sensible defaults
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:          name,
		NumWorkers:    runtime.NumCPU(),
		PanicRecovery: true,
	}
}

// PoolMetrics tracks pool performance
type PoolMetrics struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksTimeout   int64
	PanicRecovered int64
	totalLatencyNs int64
	startTime      time.Time
}

// PoolStats contains pool statistics
type PoolStats struct {
	TasksSubmitted int64         `json:"tasks_submitted"`
	TasksCompleted int64         `json:"tasks_completed"`
	TasksFailed    int64         `json:"tasks_failed"`
	TasksTimeout   int64         `json:"tasks_timeout"`
	PanicRecovered int64         `json:"panic_recovered"`
	AvgLatency     time.Duration `json:"avg_latency"`
	Uptime         time.Duration `json:"uptime"`
}

// Pool bounds the number of concurrently running tasks with a weighted semaphore.
type Pool struct {
	logger  *zap.Logger
	config  *PoolConfig
	sem     *semaphore.Weighted
	running atomic.Bool
	metrics *PoolMetrics
}

// NewPool creates a new worker pool
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	if config.NumWorkers < 1 {
		config.NumWorkers = 1
	}

	p := &Pool{
		logger:  logger.With(zap.String("pool", config.Name)),
		config:  config,
		sem:     semaphore.NewWeighted(int64(config.NumWorkers)),
		metrics: &PoolMetrics{startTime: time.Now()},
	}
	p.running.Store(true)
	return p
}

// Size returns the maximum number of tasks in flight
func (p *Pool) Size() int { return p.config.NumWorkers }

// Execute runs every task with at most NumWorkers in flight and returns one
// result per task in input order. When the batch deadline passes, dispatching
// stops and every task not yet finished gets ErrTaskTimeout or
// ErrNotDispatched. Task failures never abort the batch; the returned error
// is non-nil only when the pool is stopped or ctx itself is cancelled.
func Execute[T any](ctx context.Context, p *Pool, tasks []Task[T]) ([]Result[T], error) {
	if !p.running.Load() {
		return nil, ErrPoolStopped
	}

	batchCtx := ctx
	if p.config.BatchTimeout > 0 {
		var cancel context.CancelFunc
		batchCtx, cancel = context.WithTimeout(ctx, p.config.BatchTimeout)
		defer cancel()
	}

	results := make([]Result[T], len(tasks))
	for i := range results {
		results[i] = Result[T]{Index: i, Err: ErrNotDispatched}
	}

	var wg sync.WaitGroup
	dispatched := 0
	for i, task := range tasks {
		if err := p.sem.Acquire(batchCtx, 1); err != nil {
			break
		}
		dispatched++
		atomic.AddInt64(&p.metrics.TasksSubmitted, 1)

		wg.Add(1)
		go func(i int, task Task[T]) {
			defer wg.Done()
			defer p.sem.Release(1)
			results[i] = executeTask(batchCtx, p, i, task)
		}(i, task)
	}
	wg.Wait()

	if skipped := len(tasks) - dispatched; skipped > 0 {
		atomic.AddInt64(&p.metrics.TasksTimeout, int64(skipped))
		p.logger.Warn("batch deadline reached before dispatch",
			zap.Int("dispatched", dispatched),
			zap.Int("skipped", skipped),
		)
	}

	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// executeTask executes a single task with timeout and panic recovery
func executeTask[T any](batchCtx context.Context, p *Pool, index int, task Task[T]) Result[T] {
	startTime := time.Now()

	ctx := batchCtx
	if p.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(batchCtx, p.config.TaskTimeout)
		defer cancel()
	}

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		var out outcome
		defer func() {
			if p.config.PanicRecovery {
				if r := recover(); r != nil {
					atomic.AddInt64(&p.metrics.PanicRecovered, 1)
					p.logger.Error("worker recovered from panic",
						zap.Int("task", index),
						zap.Any("panic", r),
					)
					out.err = &PanicError{Recovered: r, Stack: debug.Stack()}
				}
			}
			done <- out
		}()

		out.value, out.err = task(ctx)
	}()

	res := Result[T]{Index: index, Dispatched: true}
	select {
	case out := <-done:
		res.Value, res.Err = out.value, out.err
		res.Duration = time.Since(startTime)
		atomic.AddInt64(&p.metrics.totalLatencyNs, res.Duration.Nanoseconds())

		if out.err != nil && ctx.Err() != nil {
			// the task gave up because its deadline passed
			res.Err = fmt.Errorf("%w: %v", ErrTaskTimeout, out.err)
			atomic.AddInt64(&p.metrics.TasksTimeout, 1)
		} else if out.err != nil {
			atomic.AddInt64(&p.metrics.TasksFailed, 1)
			p.logger.Debug("task failed", zap.Int("task", index), zap.Error(out.err))
		} else {
			atomic.AddInt64(&p.metrics.TasksCompleted, 1)
		}

	case <-ctx.Done():
		res.Err = fmt.Errorf("%w: %v", ErrTaskTimeout, ctx.Err())
		res.Duration = time.Since(startTime)
		atomic.AddInt64(&p.metrics.TasksTimeout, 1)
		p.logger.Warn("task timed out",
			zap.Int("task", index),
			zap.Duration("elapsed", res.Duration),
		)
	}
	return res
}

// Stop refuses further batches
func (p *Pool) Stop() {
	if p.running.Swap(false) {
		p.logger.Info("worker pool stopped")
	}
}

// IsRunning returns whether the pool accepts batches
func (p *Pool) IsRunning() bool {
	return p.running.Load()
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	m := p.metrics
	stats := PoolStats{
		TasksSubmitted: atomic.LoadInt64(&m.TasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&m.TasksCompleted),
		TasksFailed:    atomic.LoadInt64(&m.TasksFailed),
		TasksTimeout:   atomic.LoadInt64(&m.TasksTimeout),
		PanicRecovered: atomic.LoadInt64(&m.PanicRecovered),
		Uptime:         time.Since(m.startTime),
	}
	if finished := stats.TasksCompleted + stats.TasksFailed; finished > 0 {
		stats.AvgLatency = time.Duration(atomic.LoadInt64(&m.totalLatencyNs) / finished)
	}
	return stats
}

// Errors
var (
	ErrPoolStopped   = &PoolError{Message: "pool is stopped"}
	ErrTaskTimeout   = &PoolError{Message: "task timed out"}
	ErrNotDispatched = &PoolError{Message: "batch deadline reached before dispatch"}
)

// PoolError represents a pool error
type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }

// PanicError represents a recovered panic
type PanicError struct {
	Recovered any
	Stack     []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.Recovered)
}
