package optimization

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"go.uber.org/zap"

	"github.com/atlas-desktop/wf-validator/internal/ranking"
	"github.com/atlas-desktop/wf-validator/internal/schema"
	"github.com/atlas-desktop/wf-validator/internal/selection"
	"github.com/atlas-desktop/wf-validator/internal/timeseries"
	"github.com/atlas-desktop/wf-validator/internal/validation"
	"github.com/atlas-desktop/wf-validator/pkg/types"
)

const (
	defaultPool    = 10
	defaultSamples = 8
)

// SplitHoldout carves the last holdout bars off an in-sample range. ok is
// false when no holdout is configured or it would leave nothing to search.
func SplitHoldout(is types.Range, holdout int) (search, hold types.Range, ok bool) {
	if holdout <= 0 || holdout >= is.Len() {
		return is, types.Range{}, false
	}
	cut := is.End - holdout
	return types.Range{Start: is.Start, End: cut}, types.Range{Start: cut + 1, End: is.End}, true
}

// SourceInput is the per-window context ranking sources need
type SourceInput struct {
	Study      *types.Study
	Series     *timeseries.Series
	Schema     *schema.Schema
	Search     types.Range
	Holdout    types.Range
	HasHoldout bool
	WarmupBars int
	Floor      int
}

// Sources produces one ranked list per configured ranking method
type Sources struct {
	logger *zap.Logger
	cfg    types.SelectionConfig
	runner *validation.Runner
	ranker *ranking.Ranker
	seed   int64
}

// NewSources creates the ranking sources
func NewSources(logger *zap.Logger, cfg types.SelectionConfig, runner *validation.Runner, ranker *ranking.Ranker, seed int64) *Sources {
	if cfg.StressPool <= 0 {
		cfg.StressPool = defaultPool
	}
	if cfg.StressSamples <= 0 {
		cfg.StressSamples = defaultSamples
	}
	if cfg.StressPerturb <= 0 {
		cfg.StressPerturb = 0.1
	}
	return &Sources{logger: logger, cfg: cfg, runner: runner, ranker: ranker, seed: seed}
}

// Lists builds the ranked list of every source with a positive top-K.
// Sources whose prerequisites are missing contribute an empty list. The
// failures of the forward and stress batches are returned alongside.
func (s *Sources) Lists(ctx context.Context, in SourceInput) ([]selection.RankedList, []types.TrialFailure, error) {
	var (
		lists    []selection.RankedList
		failures []types.TrialFailure
	)

	if k := s.cfg.TopK(types.SourceDSR); k > 0 {
		scores := RankByDSR(in.Study)
		trials := make([]*types.Trial, len(scores))
		for i, sc := range scores {
			trials[i] = sc.Trial
		}
		lists = append(lists, selection.RankedList{Source: types.SourceDSR, Trials: trials, TopK: k})
	}

	if k := s.cfg.TopK(types.SourceForwardTest); k > 0 {
		trials, failed, err := s.ForwardTest(ctx, in)
		if err != nil {
			return nil, nil, err
		}
		failures = append(failures, failed...)
		lists = append(lists, selection.RankedList{Source: types.SourceForwardTest, Trials: trials, TopK: k})
	}

	if k := s.cfg.TopK(types.SourceStressTest); k > 0 {
		trials, failed, err := s.StressTest(ctx, in)
		if err != nil {
			return nil, nil, err
		}
		failures = append(failures, failed...)
		lists = append(lists, selection.RankedList{Source: types.SourceStressTest, Trials: trials, TopK: k})
	}

	if k := s.cfg.TopK(types.SourceOptimizerRank); k > 0 {
		lists = append(lists, selection.RankedList{Source: types.SourceOptimizerRank, Trials: in.Study.Ranked(), TopK: k})
	}
	return lists, failures, nil
}

// pool returns the best-ranked trials re-evaluated by the costlier sources
func (s *Sources) pool(study *types.Study) []*types.Trial {
	ranked := study.Ranked()
	if len(ranked) > s.cfg.StressPool {
		ranked = ranked[:s.cfg.StressPool]
	}
	return ranked
}

// ForwardTest re-runs the pool over the holdout tail the optimizer never
// saw and orders it by the ranker on those results. Trials that fail on
// the holdout are left out of the list and returned as failures.
func (s *Sources) ForwardTest(ctx context.Context, in SourceInput) ([]*types.Trial, []types.TrialFailure, error) {
	pool := s.pool(in.Study)
	if !in.HasHoldout || len(pool) == 0 {
		return nil, nil, nil
	}

	candidates := make([]types.Candidate, len(pool))
	for i, t := range pool {
		candidates[i] = types.Candidate{TrialID: t.ID, Params: t.Params, Source: types.SourceForwardTest}
	}
	res, err := s.runner.Validate(ctx, validation.Batch{
		Series:     in.Series,
		Role:       types.RoleForwardTest,
		Range:      in.Holdout,
		WarmupBars: in.WarmupBars,
		Floor:      in.Floor,
		Candidates: candidates,
	})
	if err != nil {
		return nil, nil, err
	}

	holdout := make([]*types.Trial, len(pool))
	for i, t := range pool {
		out, _ := res.Get(t.ID)
		ht := ranking.TrialFromOutcome(out, t.Params)
		if ht.Status == types.TrialOK {
			s.ranker.Evaluate(ht)
		}
		holdout[i] = ht
	}
	ordered, _ := s.ranker.Rank(holdout)
	failures := ranking.FailuresOf(types.RoleForwardTest, ordered)

	byID := make(map[string]*types.Trial, len(pool))
	for _, t := range pool {
		byID[t.ID] = t
	}
	var out []*types.Trial
	for _, ht := range ordered {
		if ht.Status == types.TrialOK {
			out = append(out, byID[ht.ID])
		}
	}
	return out, failures, nil
}

// StressTest perturbs the searched parameters of each pool trial and orders
// the pool by the mean primary objective across perturbations. Trials with
// fewer than half of their perturbations succeeding are dropped. Every
// failed perturbation is returned as a failure.
func (s *Sources) StressTest(ctx context.Context, in SourceInput) ([]*types.Trial, []types.TrialFailure, error) {
	pool := s.pool(in.Study)
	if len(pool) == 0 || in.Schema == nil {
		return nil, nil, nil
	}

	rng := rand.New(rand.NewSource(s.seed + int64(in.Study.WindowID)))
	var candidates []types.Candidate
	for _, t := range pool {
		for j := 0; j < s.cfg.StressSamples; j++ {
			candidates = append(candidates, types.Candidate{
				TrialID: fmt.Sprintf("%s/p%02d", t.ID, j),
				Params:  s.perturb(rng, in.Schema, t.Params),
				Source:  types.SourceStressTest,
			})
		}
	}

	res, err := s.runner.Validate(ctx, validation.Batch{
		Series:     in.Series,
		Role:       types.RoleStressTest,
		Range:      in.Search,
		WarmupBars: in.WarmupBars,
		Floor:      in.Floor,
		Candidates: candidates,
	})
	if err != nil {
		return nil, nil, err
	}

	primary := s.ranker.Primary()
	type scored struct {
		trial *types.Trial
		score float64
	}
	var (
		robust   []scored
		failures []types.TrialFailure
	)
	for _, t := range pool {
		var sum float64
		n := 0
		for j := 0; j < s.cfg.StressSamples; j++ {
			id := fmt.Sprintf("%s/p%02d", t.ID, j)
			out, _ := res.Get(id)
			if !out.OK() {
				f := types.Failure{Kind: types.FailureSimulation, Message: "no metrics"}
				if out.Failure != nil {
					f = *out.Failure
				}
				failures = append(failures, types.TrialFailure{TrialID: id, Role: types.RoleStressTest, Failure: f})
				continue
			}
			v, ok := out.Metrics.Value(primary.Metric)
			if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
				failures = append(failures, types.TrialFailure{
					TrialID: id,
					Role:    types.RoleStressTest,
					Failure: types.Failure{Kind: types.FailureObjective, Message: fmt.Sprintf("%s is not finite", primary.Metric)},
				})
				continue
			}
			sum += v
			n++
		}
		if 2*n < s.cfg.StressSamples {
			s.logger.Debug("Trial dropped from stress ranking",
				zap.String("trial", t.ID),
				zap.Int("succeeded", n),
			)
			continue
		}
		robust = append(robust, scored{trial: t, score: sum / float64(n)})
	}

	sort.SliceStable(robust, func(i, j int) bool {
		if robust[i].score != robust[j].score {
			return primary.Better(robust[i].score, robust[j].score)
		}
		return robust[i].trial.Rank < robust[j].trial.Rank
	})
	out := make([]*types.Trial, len(robust))
	for i, r := range robust {
		out[i] = r.trial
	}
	return out, failures, nil
}

// perturb scales every searched numeric field by a uniform factor in
// [1-p, 1+p], clamped to the field bounds
func (s *Sources) perturb(rng *rand.Rand, sch *schema.Schema, params types.ParameterSet) types.ParameterSet {
	ps := params.Clone()
	for _, f := range sch.Fields {
		if !f.Optimize {
			continue
		}
		factor := 1 + (2*rng.Float64()-1)*s.cfg.StressPerturb
		switch f.Type {
		case schema.Int:
			v, err := params.Int(f.Name)
			if err != nil {
				continue
			}
			ps[f.Name] = int(math.Round(clamp(float64(v)*factor, f.Min, f.Max)))
		case schema.Float:
			v, err := params.Float(f.Name)
			if err != nil {
				continue
			}
			ps[f.Name] = clamp(v*factor, f.Min, f.Max)
		}
	}
	return ps
}

func clamp(v, lo, hi float64) float64 {
	if lo == 0 && hi == 0 {
		return v
	}
	return math.Max(lo, math.Min(hi, v))
}
