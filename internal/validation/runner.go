// Package validation re-runs selected candidates over held-out ranges in
// parallel, isolating failures per candidate.
package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/wf-validator/internal/simulator"
	"github.com/atlas-desktop/wf-validator/internal/timeseries"
	"github.com/atlas-desktop/wf-validator/internal/workers"
	"github.com/atlas-desktop/wf-validator/pkg/types"
)

// Observer receives one call per finished candidate
type Observer interface {
	ObserveCandidate(role types.Role, outcome types.Outcome)
}

// Batch is one set of candidates run over the same range
type Batch struct {
	Series     *timeseries.Series
	Role       types.Role
	Range      types.Range
	WarmupBars int
	// Floor is the lowest bar warmup may reach, usually the history start
	Floor      int
	Candidates []types.Candidate
}

// BatchResult holds one outcome per candidate, in candidate order
type BatchResult struct {
	Role     types.Role
	Warmup   int
	Outcomes []types.Outcome
	byID     map[string]int
}

// Get returns the outcome of a trial
func (r *BatchResult) Get(trialID string) (types.Outcome, bool) {
	i, ok := r.byID[trialID]
	if !ok {
		return types.Outcome{}, false
	}
	return r.Outcomes[i], true
}

// Succeeded counts outcomes with metrics
func (r *BatchResult) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.OK() {
			n++
		}
	}
	return n
}

// Failed counts outcomes with a failure marker
func (r *BatchResult) Failed() int {
	return len(r.Outcomes) - r.Succeeded()
}

// Option configures a Runner
type Option func(*Runner)

// WithObserver reports every candidate outcome to o
func WithObserver(o Observer) Option {
	return func(r *Runner) { r.observer = o }
}

// Runner executes candidate batches on a bounded worker pool. It never
// retries a failed candidate.
type Runner struct {
	logger   *zap.Logger
	sim      simulator.Simulator
	pool     *workers.Pool
	observer Observer
}

// NewRunner creates a runner with a pool sized from cfg
func NewRunner(logger *zap.Logger, sim simulator.Simulator, cfg types.RunnerConfig, opts ...Option) *Runner {
	r := &Runner{
		logger: logger,
		sim:    sim,
		pool: workers.NewPool(logger, &workers.PoolConfig{
			Name:          "validation",
			NumWorkers:    cfg.Workers,
			TaskTimeout:   cfg.CandidateTimeout,
			BatchTimeout:  cfg.BatchTimeout,
			PanicRecovery: true,
		}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Pool returns the runner's worker pool
func (r *Runner) Pool() *workers.Pool { return r.pool }

// Simulator returns the simulator candidates run through
func (r *Runner) Simulator() simulator.Simulator { return r.sim }

// Validate runs every candidate of the batch once. Simulator errors, panics
// and timeouts become failure markers on the affected candidate only. The
// error is non-nil when the range is invalid or ctx was cancelled; in the
// latter case the partial result is still returned.
func (r *Runner) Validate(ctx context.Context, batch Batch) (*BatchResult, error) {
	sub, warm, err := batch.Series.WithWarmup(batch.Range, batch.WarmupBars, batch.Floor)
	if err != nil {
		return nil, fmt.Errorf("%s batch: %w", batch.Role, err)
	}

	tasks := make([]workers.Task[*types.TrialMetrics], len(batch.Candidates))
	for i, c := range batch.Candidates {
		params := c.Params
		tasks[i] = func(ctx context.Context) (*types.TrialMetrics, error) {
			m, err := r.sim.Simulate(ctx, sub, params, warm)
			if err == nil && m == nil {
				err = errors.New("simulator returned no metrics")
			}
			return m, err
		}
	}

	start := time.Now()
	results, execErr := workers.Execute(ctx, r.pool, tasks)
	if errors.Is(execErr, workers.ErrPoolStopped) {
		return nil, execErr
	}

	res := &BatchResult{
		Role:     batch.Role,
		Warmup:   warm,
		Outcomes: make([]types.Outcome, len(batch.Candidates)),
		byID:     make(map[string]int, len(batch.Candidates)),
	}
	for i, c := range batch.Candidates {
		out := toOutcome(c, batch.Role, results[i])
		res.Outcomes[i] = out
		res.byID[c.TrialID] = i
		if r.observer != nil {
			r.observer.ObserveCandidate(batch.Role, out)
		}
	}

	r.logger.Info("Batch validated",
		zap.String("role", string(batch.Role)),
		zap.Int("candidates", len(batch.Candidates)),
		zap.Int("succeeded", res.Succeeded()),
		zap.Int("failed", res.Failed()),
		zap.Int("start", batch.Range.Start),
		zap.Int("end", batch.Range.End),
		zap.Duration("elapsed", time.Since(start)),
	)

	return res, execErr
}

func toOutcome(c types.Candidate, role types.Role, res workers.Result[*types.TrialMetrics]) types.Outcome {
	out := types.Outcome{TrialID: c.TrialID, Role: role, Duration: res.Duration}

	var panicErr *workers.PanicError
	switch {
	case res.Err == nil:
		out.Metrics = res.Value
	case res.TimedOut():
		out.Failure = &types.Failure{Kind: types.FailureTimeout, Message: res.Err.Error()}
	case errors.As(res.Err, &panicErr):
		fault := &types.SimulationFault{TrialID: c.TrialID, Panic: panicErr.Recovered}
		out.Failure = &types.Failure{Kind: types.FailureSimulation, Message: fault.Error()}
	default:
		fault := &types.SimulationFault{TrialID: c.TrialID, Err: res.Err}
		out.Failure = &types.Failure{Kind: types.FailureSimulation, Message: fault.Error()}
	}
	return out
}
