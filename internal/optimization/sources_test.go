package optimization

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/wf-validator/internal/ranking"
	"github.com/atlas-desktop/wf-validator/internal/schema"
	"github.com/atlas-desktop/wf-validator/internal/simulator"
	"github.com/atlas-desktop/wf-validator/internal/timeseries"
	"github.com/atlas-desktop/wf-validator/internal/validation"
	"github.com/atlas-desktop/wf-validator/pkg/types"
)

func TestSplitHoldout(t *testing.T) {
	search, hold, ok := SplitHoldout(types.Range{Start: 10, End: 109}, 20)
	require.True(t, ok)
	assert.Equal(t, types.Range{Start: 10, End: 89}, search)
	assert.Equal(t, types.Range{Start: 90, End: 109}, hold)
	assert.Equal(t, 20, hold.Len())

	_, _, ok = SplitHoldout(types.Range{Start: 10, End: 109}, 0)
	assert.False(t, ok)
	_, _, ok = SplitHoldout(types.Range{Start: 10, End: 109}, 100)
	assert.False(t, ok)
}

// regimeSim prefers large x on long ranges and small x on short ones
var regimeSim = simulator.Func(func(ctx context.Context, s *timeseries.Series, ps types.ParameterSet, warmup int) (*types.TrialMetrics, error) {
	x, err := ps.Int("x")
	if err != nil {
		return nil, err
	}
	score := float64(x)
	if s.Len()-warmup < 50 {
		score = float64(10 - x)
	}
	return &types.TrialMetrics{Sharpe: score, SharpePerBar: score / 100, Observations: s.Len() - warmup}, nil
})

func xSchema() *schema.Schema {
	return &schema.Schema{
		Strategy: "toy",
		Fields:   []schema.Field{{Name: "x", Type: schema.Int, Min: 1, Max: 9, Default: 5, Optimize: true}},
	}
}

func TestSourceLists(t *testing.T) {
	logger := zap.NewNop()
	runner := validation.NewRunner(logger, regimeSim, types.RunnerConfig{Workers: 3})
	ranker := ranking.NewRanker(logger, []types.Objective{{Metric: types.MetricSharpe, Direction: types.Maximize}}, nil)
	opt := NewOptimizer(logger, types.OptimizerConfig{Method: "grid", MaxTrials: 50, GridSteps: 9}, runner, ranker)

	series := testSeries()
	search, hold, ok := SplitHoldout(types.Range{Start: 0, End: 119}, 20)
	require.True(t, ok)

	study, err := opt.Optimize(context.Background(), Request{
		StudyID: "s", WindowID: 0, Series: series, Range: search, Schema: xSchema(),
	})
	require.NoError(t, err)
	require.Len(t, study.Ranked(), 9)

	sources := NewSources(logger, types.SelectionConfig{
		DSRTopK: 1, ForwardTestTopK: 2, StressTestTopK: 1, OptimizerTopK: 3,
		StressPool: 5, StressSamples: 4, StressPerturb: 0.05,
	}, runner, ranker, 7)

	lists, failures, err := sources.Lists(context.Background(), SourceInput{
		Study: study, Series: series, Schema: xSchema(),
		Search: search, Holdout: hold, HasHoldout: true,
	})
	require.NoError(t, err)
	require.Len(t, lists, 4)
	assert.Empty(t, failures)

	bySource := map[types.SourceMethod][]*types.Trial{}
	for _, l := range lists {
		bySource[l.Source] = l.Trials
	}

	opt3 := bySource[types.SourceOptimizerRank]
	assert.Equal(t, 9, opt3[0].Params["x"])

	// the pool is x in 5..9; on the short holdout small x wins
	fwd := bySource[types.SourceForwardTest]
	require.Len(t, fwd, 5)
	assert.Equal(t, 5, fwd[0].Params["x"])
	assert.Equal(t, 9, fwd[4].Params["x"])
	assert.Same(t, study.Find(fwd[0].ID), fwd[0])

	stress := bySource[types.SourceStressTest]
	require.Len(t, stress, 5)
	assert.Equal(t, 9, stress[0].Params["x"])

	require.Len(t, bySource[types.SourceDSR], 9)
}

func TestForwardTestWithoutHoldout(t *testing.T) {
	logger := zap.NewNop()
	runner := validation.NewRunner(logger, regimeSim, types.RunnerConfig{Workers: 1})
	ranker := ranking.NewRanker(logger, nil, nil)
	sources := NewSources(logger, types.SelectionConfig{ForwardTestTopK: 1}, runner, ranker, 0)

	study := &types.Study{Trials: []*types.Trial{{ID: "a", Status: types.TrialOK, Rank: 1}}}
	got, failures, err := sources.ForwardTest(context.Background(), SourceInput{Study: study})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, failures)
}

// holdoutFaultSim behaves like regimeSim but faults x=9 on short ranges
// and returns a NaN Sharpe for x=8 there
var holdoutFaultSim = simulator.Func(func(ctx context.Context, s *timeseries.Series, ps types.ParameterSet, warmup int) (*types.TrialMetrics, error) {
	x, err := ps.Int("x")
	if err != nil {
		return nil, err
	}
	if s.Len()-warmup < 50 {
		switch x {
		case 9:
			return nil, errors.New("holdout fault")
		case 8:
			return &types.TrialMetrics{Sharpe: math.NaN(), Observations: s.Len() - warmup}, nil
		}
	}
	return regimeSim(ctx, s, ps, warmup)
})

func TestForwardTestReportsFailures(t *testing.T) {
	logger := zap.NewNop()
	runner := validation.NewRunner(logger, holdoutFaultSim, types.RunnerConfig{Workers: 2})
	ranker := ranking.NewRanker(logger, []types.Objective{{Metric: types.MetricSharpe, Direction: types.Maximize}}, nil)
	opt := NewOptimizer(logger, types.OptimizerConfig{Method: "grid", MaxTrials: 50, GridSteps: 9}, runner, ranker)

	series := testSeries()
	search, hold, ok := SplitHoldout(types.Range{Start: 0, End: 119}, 20)
	require.True(t, ok)
	study, err := opt.Optimize(context.Background(), Request{StudyID: "s", Series: series, Range: search, Schema: xSchema()})
	require.NoError(t, err)

	sources := NewSources(logger, types.SelectionConfig{ForwardTestTopK: 5, StressPool: 5}, runner, ranker, 0)
	got, failures, err := sources.ForwardTest(context.Background(), SourceInput{
		Study: study, Series: series, Search: search, Holdout: hold, HasHoldout: true,
	})
	require.NoError(t, err)
	require.Len(t, got, 3)

	require.Len(t, failures, 2)
	kinds := map[types.FailureKind]bool{}
	for _, f := range failures {
		assert.Equal(t, types.RoleForwardTest, f.Role)
		kinds[f.Failure.Kind] = true
	}
	assert.True(t, kinds[types.FailureSimulation])
	assert.True(t, kinds[types.FailureObjective])
}

func TestStressTestReportsFailures(t *testing.T) {
	logger := zap.NewNop()
	// every perturbation runs on a short range, so x=9 and x=8 always fail
	runner := validation.NewRunner(logger, holdoutFaultSim, types.RunnerConfig{Workers: 2})
	ranker := ranking.NewRanker(logger, []types.Objective{{Metric: types.MetricSharpe, Direction: types.Maximize}}, nil)

	study := &types.Study{Trials: []*types.Trial{
		{ID: "a", Params: types.ParameterSet{"x": 9}, Status: types.TrialOK, Rank: 1},
		{ID: "b", Params: types.ParameterSet{"x": 3}, Status: types.TrialOK, Rank: 2},
	}}
	sources := NewSources(logger, types.SelectionConfig{StressTestTopK: 2, StressPool: 2, StressSamples: 2, StressPerturb: 0.01}, runner, ranker, 3)
	got, failures, err := sources.StressTest(context.Background(), SourceInput{
		Study: study, Series: testSeries(), Schema: xSchema(), Search: types.Range{Start: 0, End: 19},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)

	require.Len(t, failures, 2)
	for _, f := range failures {
		assert.Equal(t, types.RoleStressTest, f.Role)
		assert.Contains(t, f.TrialID, "a/p")
		assert.Equal(t, types.FailureSimulation, f.Failure.Kind)
	}
}
