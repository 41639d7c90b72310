// Package optimization searches a strategy's parameter space over an
// in-sample range and ranks the resulting trials by several methods.
package optimization

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/wf-validator/internal/ranking"
	"github.com/atlas-desktop/wf-validator/internal/schema"
	"github.com/atlas-desktop/wf-validator/internal/timeseries"
	"github.com/atlas-desktop/wf-validator/internal/validation"
	"github.com/atlas-desktop/wf-validator/pkg/types"
)

// OptimizationMethod represents the search algorithm
type OptimizationMethod string

const (
	MethodGridSearch   OptimizationMethod = "grid"
	MethodRandomSearch OptimizationMethod = "random"
)

// Request describes one in-sample search
type Request struct {
	StudyID    string
	WindowID   int
	Series     *timeseries.Series
	Range      types.Range
	WarmupBars int
	Floor      int
	Schema     *schema.Schema
	// Base overrides schema defaults for fields that are not searched
	Base types.ParameterSet
}

// Optimizer performs strategy parameter optimization. Trials are evaluated
// in parallel through the validation runner and ranked by the ranker.
type Optimizer struct {
	logger *zap.Logger
	config types.OptimizerConfig
	runner *validation.Runner
	ranker *ranking.Ranker
}

// NewOptimizer creates a new optimizer
func NewOptimizer(logger *zap.Logger, config types.OptimizerConfig, runner *validation.Runner, ranker *ranking.Ranker) *Optimizer {
	if config.MaxTrials <= 0 {
		config.MaxTrials = 100
	}
	if config.GridSteps < 2 {
		config.GridSteps = 5
	}
	if config.Method == "" {
		config.Method = string(MethodGridSearch)
	}
	return &Optimizer{
		logger: logger,
		config: config,
		runner: runner,
		ranker: ranker,
	}
}

// Optimize samples parameter sets, simulates each over the request range
// and returns the ranked study. Failed trials stay in the study unranked.
func (o *Optimizer) Optimize(ctx context.Context, req Request) (*types.Study, error) {
	startTime := time.Now()

	var sets []types.ParameterSet
	var err error
	switch OptimizationMethod(o.config.Method) {
	case MethodGridSearch:
		sets, err = o.gridSearch(req)
	case MethodRandomSearch:
		sets, err = o.randomSearch(req)
	default:
		return nil, &types.ConfigError{Field: "optimizer.method", Message: fmt.Sprintf("unknown method %q", o.config.Method)}
	}
	if err != nil {
		return nil, err
	}

	candidates := make([]types.Candidate, len(sets))
	for i, ps := range sets {
		candidates[i] = types.Candidate{
			TrialID: fmt.Sprintf("t%04d", i),
			Params:  ps,
			Source:  types.SourceOptimizerRank,
		}
	}

	o.logger.Info("Starting parameter search",
		zap.String("method", o.config.Method),
		zap.Int("window", req.WindowID),
		zap.Int("trials", len(candidates)),
	)

	res, err := o.runner.Validate(ctx, validation.Batch{
		Series:     req.Series,
		Role:       types.RoleIS,
		Range:      req.Range,
		WarmupBars: req.WarmupBars,
		Floor:      req.Floor,
		Candidates: candidates,
	})
	if err != nil {
		return nil, err
	}

	trials := make([]*types.Trial, len(candidates))
	for i, c := range candidates {
		out, _ := res.Get(c.TrialID)
		t := ranking.TrialFromOutcome(out, c.Params)
		if t.Status == types.TrialOK {
			o.ranker.Evaluate(t)
		}
		trials[i] = t
	}
	ordered, degenerate := o.ranker.Rank(trials)

	study := &types.Study{
		ID:        req.StudyID,
		WindowID:  req.WindowID,
		Trials:    ordered,
		CreatedAt: time.Now(),
	}

	o.logger.Info("Parameter search complete",
		zap.Int("window", req.WindowID),
		zap.Int("ranked", len(study.Ranked())),
		zap.Int("failed", len(ordered)-len(study.Ranked())),
		zap.Int("degenerate", len(degenerate)),
		zap.Duration("elapsed", time.Since(startTime)),
	)
	return study, nil
}

// gridSearch enumerates the Cartesian product of every searched field,
// thinned evenly when it exceeds MaxTrials
func (o *Optimizer) gridSearch(req Request) ([]types.ParameterSet, error) {
	base, searched, err := o.baseParams(req)
	if err != nil {
		return nil, err
	}

	gridValues := make([][]any, len(searched))
	for i, f := range searched {
		gridValues[i] = o.gridValues(f)
	}

	combos := cartesianProduct(searched, gridValues, 0, base.Clone())
	combos = dedupe(combos)
	if len(combos) > o.config.MaxTrials {
		stride := float64(len(combos)) / float64(o.config.MaxTrials)
		thinned := make([]types.ParameterSet, 0, o.config.MaxTrials)
		for i := 0; i < o.config.MaxTrials; i++ {
			thinned = append(thinned, combos[int(float64(i)*stride)])
		}
		combos = thinned
	}
	return combos, nil
}

// gridValues returns evenly spaced values of one field
func (o *Optimizer) gridValues(f schema.Field) []any {
	switch f.Type {
	case schema.Bool:
		return []any{false, true}
	case schema.String:
		values := make([]any, len(f.Choices))
		for i, c := range f.Choices {
			values[i] = c
		}
		return values
	}

	steps := o.config.GridSteps
	values := make([]any, 0, steps)
	seen := make(map[float64]bool, steps)
	for i := 0; i < steps; i++ {
		v := f.Min + (f.Max-f.Min)*float64(i)/float64(steps-1)
		if f.Type == schema.Int {
			v = math.Round(v)
			if seen[v] {
				continue
			}
			seen[v] = true
			values = append(values, int(v))
			continue
		}
		values = append(values, v)
	}
	return values
}

// cartesianProduct generates all combinations recursively
func cartesianProduct(fields []schema.Field, gridValues [][]any, idx int, current types.ParameterSet) []types.ParameterSet {
	if idx == len(fields) {
		return []types.ParameterSet{current.Clone()}
	}

	var combinations []types.ParameterSet
	for _, val := range gridValues[idx] {
		current[fields[idx].Name] = val
		combinations = append(combinations, cartesianProduct(fields, gridValues, idx+1, current)...)
	}
	return combinations
}

// randomSearch draws MaxTrials sets uniformly; the seed is offset by the
// window so every window samples differently but reproducibly
func (o *Optimizer) randomSearch(req Request) ([]types.ParameterSet, error) {
	base, searched, err := o.baseParams(req)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(o.config.Seed + int64(req.WindowID)))
	sets := make([]types.ParameterSet, 0, o.config.MaxTrials)
	for i := 0; i < o.config.MaxTrials; i++ {
		ps := base.Clone()
		for _, f := range searched {
			ps[f.Name] = randomValue(rng, f)
		}
		sets = append(sets, ps)
	}
	return dedupe(sets), nil
}

// randomValue generates a random value for a field
func randomValue(rng *rand.Rand, f schema.Field) any {
	switch f.Type {
	case schema.Int:
		lo, hi := int(math.Ceil(f.Min)), int(math.Floor(f.Max))
		if hi <= lo {
			return lo
		}
		return lo + rng.Intn(hi-lo+1)
	case schema.Bool:
		return rng.Intn(2) == 1
	case schema.String:
		if len(f.Choices) == 0 {
			return f.Default
		}
		return f.Choices[rng.Intn(len(f.Choices))]
	default:
		return f.Min + rng.Float64()*(f.Max-f.Min)
	}
}

// baseParams resolves the fixed part of every trial and the searched fields
func (o *Optimizer) baseParams(req Request) (types.ParameterSet, []schema.Field, error) {
	if req.Schema == nil {
		return nil, nil, &types.ConfigError{Field: "strategy", Message: "no parameter schema"}
	}

	raw := make(map[string]any, len(req.Schema.Fields))
	var searched []schema.Field
	for _, f := range req.Schema.Fields {
		if v, ok := req.Base[f.Name]; ok {
			raw[f.Name] = v
		} else if f.Default != nil {
			raw[f.Name] = f.Default
		}
		if f.Optimize {
			if _, pinned := req.Base[f.Name]; !pinned {
				searched = append(searched, f)
			}
		}
	}
	for name := range req.Base {
		if _, ok := req.Schema.Field(name); !ok {
			return nil, nil, &schema.FieldError{Strategy: req.Schema.Strategy, Field: name, Reason: "unknown field"}
		}
	}

	base, err := req.Schema.Decode(raw)
	if err != nil {
		return nil, nil, err
	}
	return base, searched, nil
}

func dedupe(sets []types.ParameterSet) []types.ParameterSet {
	seen := make(map[string]bool, len(sets))
	out := sets[:0]
	for _, ps := range sets {
		key := ps.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ps)
	}
	return out
}
