// Package ranking orders trials deterministically and aggregates window results.
package ranking

import (
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/atlas-desktop/wf-validator/pkg/types"
)

// Ranker imposes a total order over trials: feasible before infeasible,
// infeasible by ascending violation magnitude, then the primary objective
// in its direction, then ascending trial id.
type Ranker struct {
	logger      *zap.Logger
	objectives  []types.Objective
	constraints []types.Constraint
}

// NewRanker creates a ranker. The first objective is the primary one.
func NewRanker(logger *zap.Logger, objectives []types.Objective, constraints []types.Constraint) *Ranker {
	return &Ranker{
		logger:      logger,
		objectives:  objectives,
		constraints: constraints,
	}
}

// Primary returns the primary objective
func (r *Ranker) Primary() types.Objective {
	if len(r.objectives) == 0 {
		return types.Objective{Metric: types.MetricSharpe, Direction: types.Maximize}
	}
	return r.objectives[0]
}

// Objectives returns the configured objectives
func (r *Ranker) Objectives() []types.Objective { return r.objectives }

// Evaluate fills a trial's objective vector and constraint violations from
// its metrics. Trials without metrics are marked failed.
func (r *Ranker) Evaluate(t *types.Trial) {
	if t.Metrics == nil {
		t.Status = types.TrialFailed
		if t.Failure == nil {
			t.Failure = &types.Failure{Kind: types.FailureSimulation, Message: "no metrics"}
		}
		return
	}

	t.Objectives = make([]float64, len(r.objectives))
	for i, obj := range r.objectives {
		v, ok := t.Metrics.Value(obj.Metric)
		if !ok {
			v = math.NaN()
		}
		t.Objectives[i] = v
	}

	t.Violations, t.ViolationMagnitude = Violations(r.constraints, t.Metrics)
	t.Feasible = t.ViolationMagnitude == 0
	if t.Status == "" {
		t.Status = types.TrialOK
	}
}

// Rank orders trials in place of their Rank fields and returns them ranked
// first, failed after. Trials with a non-finite objective component are
// marked failed and reported as *types.ObjectiveDegenerate.
func (r *Ranker) Rank(trials []*types.Trial) ([]*types.Trial, []error) {
	var (
		ranked []*types.Trial
		failed []*types.Trial
		errs   []error
	)

	for _, t := range trials {
		if t.Status == types.TrialFailed {
			t.Rank = 0
			failed = append(failed, t)
			continue
		}
		if bad := nonFinite(t); len(bad) > 0 {
			err := &types.ObjectiveDegenerate{TrialID: t.ID, Components: bad}
			t.Status = types.TrialFailed
			t.Failure = &types.Failure{Kind: types.FailureObjective, Message: err.Error()}
			t.Rank = 0
			failed = append(failed, t)
			errs = append(errs, err)
			r.logger.Debug("Trial objective degenerate",
				zap.String("trial", t.ID),
				zap.Ints("components", bad),
			)
			continue
		}
		if t.Status == "" {
			t.Status = types.TrialOK
		}
		ranked = append(ranked, t)
	}

	primary := r.Primary()
	sort.SliceStable(ranked, func(i, j int) bool {
		return r.less(primary, ranked[i], ranked[j])
	})
	for i, t := range ranked {
		t.Rank = i + 1
	}

	sort.SliceStable(failed, func(i, j int) bool { return failed[i].ID < failed[j].ID })

	return append(ranked, failed...), errs
}

func (r *Ranker) less(primary types.Objective, a, b *types.Trial) bool {
	if a.Feasible != b.Feasible {
		return a.Feasible
	}
	if !a.Feasible && a.ViolationMagnitude != b.ViolationMagnitude {
		return a.ViolationMagnitude < b.ViolationMagnitude
	}

	av, bv := primaryValue(a), primaryValue(b)
	if av != bv {
		return primary.Better(av, bv)
	}
	return a.ID < b.ID
}

func primaryValue(t *types.Trial) float64 {
	if len(t.Objectives) == 0 {
		return 0
	}
	return t.Objectives[0]
}

// nonFinite sanitizes a trial's vectors and returns the indices of
// non-finite objective components. A non-finite violation magnitude is
// reported as component -1.
func nonFinite(t *types.Trial) []int {
	var bad []int
	for i, v := range t.Objectives {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			bad = append(bad, i)
			continue
		}
		if v == 0 {
			t.Objectives[i] = 0 // drop negative zero
		}
	}
	if math.IsNaN(t.ViolationMagnitude) || math.IsInf(t.ViolationMagnitude, 0) {
		bad = append(bad, -1)
	}
	return bad
}
