package validation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/wf-validator/internal/simulator"
	"github.com/atlas-desktop/wf-validator/internal/timeseries"
	"github.com/atlas-desktop/wf-validator/pkg/types"
)

func testSeries() *timeseries.Series {
	return timeseries.Generate(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), time.Hour, 300, 7)
}

func candidates(n int) []types.Candidate {
	out := make([]types.Candidate, n)
	for i := range out {
		out[i] = types.Candidate{
			TrialID:    fmt.Sprintf("trial-%02d", i),
			Params:     types.ParameterSet{"n": i},
			Source:     types.SourceOptimizerRank,
			SourceRank: i + 1,
		}
	}
	return out
}

func TestBatchWithOneFaultAndOnePanic(t *testing.T) {
	sim := simulator.Func(func(ctx context.Context, s *timeseries.Series, ps types.ParameterSet, warmup int) (*types.TrialMetrics, error) {
		n, _ := ps.Int("n")
		if n == 3 {
			return nil, errors.New("induced fault")
		}
		return &types.TrialMetrics{Sharpe: float64(n), Bars: s.Len() - warmup, WarmupBars: warmup}, nil
	})
	runner := NewRunner(zap.NewNop(), sim, types.RunnerConfig{Workers: 4})

	res, err := runner.Validate(context.Background(), Batch{
		Series:     testSeries(),
		Role:       types.RoleOOS,
		Range:      types.Range{Start: 100, End: 149},
		WarmupBars: 20,
		Candidates: candidates(10),
	})
	require.NoError(t, err)

	assert.Equal(t, 9, res.Succeeded())
	assert.Equal(t, 1, res.Failed())

	bad, ok := res.Get("trial-03")
	require.True(t, ok)
	require.NotNil(t, bad.Failure)
	assert.Equal(t, types.FailureSimulation, bad.Failure.Kind)
	assert.Contains(t, bad.Failure.Message, "induced fault")

	good, _ := res.Get("trial-05")
	require.True(t, good.OK())
	assert.Equal(t, 5.0, good.Metrics.Sharpe)
	assert.Equal(t, 50, good.Metrics.Bars)
	assert.Equal(t, 20, good.Metrics.WarmupBars)

	for i, o := range res.Outcomes {
		assert.Equal(t, fmt.Sprintf("trial-%02d", i), o.TrialID)
		assert.Equal(t, types.RoleOOS, o.Role)
	}
}

func TestPanicIsolatedToCandidate(t *testing.T) {
	sim := simulator.Func(func(ctx context.Context, s *timeseries.Series, ps types.ParameterSet, warmup int) (*types.TrialMetrics, error) {
		if n, _ := ps.Int("n"); n == 0 {
			var m map[string]int
			m["boom"] = 1
		}
		return &types.TrialMetrics{}, nil
	})
	runner := NewRunner(zap.NewNop(), sim, types.RunnerConfig{Workers: 2})

	res, err := runner.Validate(context.Background(), Batch{
		Series:     testSeries(),
		Role:       types.RoleForward,
		Range:      types.Range{Start: 0, End: 99},
		Candidates: candidates(3),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Succeeded())
	assert.Contains(t, res.Outcomes[0].Failure.Message, "panic")
}

func TestBatchDeadlineMarksPendingTimedOut(t *testing.T) {
	sim := simulator.Func(func(ctx context.Context, s *timeseries.Series, ps types.ParameterSet, warmup int) (*types.TrialMetrics, error) {
		if n, _ := ps.Int("n"); n == 0 {
			return &types.TrialMetrics{Sharpe: 1}, nil
		}
		select {
		case <-time.After(time.Second):
			return &types.TrialMetrics{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	runner := NewRunner(zap.NewNop(), sim, types.RunnerConfig{Workers: 1, BatchTimeout: 50 * time.Millisecond})

	res, err := runner.Validate(context.Background(), Batch{
		Series:     testSeries(),
		Role:       types.RoleOOS,
		Range:      types.Range{Start: 0, End: 99},
		Candidates: candidates(4),
	})
	require.NoError(t, err)

	assert.True(t, res.Outcomes[0].OK(), "completed result retained")
	for _, o := range res.Outcomes[1:] {
		require.NotNil(t, o.Failure, o.TrialID)
		assert.Equal(t, types.FailureTimeout, o.Failure.Kind, o.TrialID)
	}
}

type recorder struct {
	mu   sync.Mutex
	seen []types.Outcome
}

func (r *recorder) ObserveCandidate(role types.Role, o types.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, o)
}

func TestObserverAndNilMetrics(t *testing.T) {
	sim := simulator.Func(func(ctx context.Context, s *timeseries.Series, ps types.ParameterSet, warmup int) (*types.TrialMetrics, error) {
		return nil, nil
	})
	rec := &recorder{}
	runner := NewRunner(zap.NewNop(), sim, types.RunnerConfig{Workers: 2}, WithObserver(rec))

	res, err := runner.Validate(context.Background(), Batch{
		Series:     testSeries(),
		Role:       types.RoleOOS,
		Range:      types.Range{Start: 10, End: 20},
		Candidates: candidates(2),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed())
	assert.Len(t, rec.seen, 2)
}

func TestInvalidRange(t *testing.T) {
	runner := NewRunner(zap.NewNop(), simulator.Func(nil), types.RunnerConfig{Workers: 1})

	_, err := runner.Validate(context.Background(), Batch{
		Series: testSeries(),
		Role:   types.RoleOOS,
		Range:  types.Range{Start: 290, End: 400},
	})
	assert.Error(t, err)
}
