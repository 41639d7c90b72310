package backtester

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlas-desktop/wf-validator/internal/metrics"
	"github.com/atlas-desktop/wf-validator/internal/optimization"
	"github.com/atlas-desktop/wf-validator/internal/ranking"
	"github.com/atlas-desktop/wf-validator/internal/schema"
	"github.com/atlas-desktop/wf-validator/internal/selection"
	"github.com/atlas-desktop/wf-validator/internal/simulator"
	"github.com/atlas-desktop/wf-validator/internal/storage"
	"github.com/atlas-desktop/wf-validator/internal/timeseries"
	"github.com/atlas-desktop/wf-validator/internal/validation"
	"github.com/atlas-desktop/wf-validator/pkg/types"
	"github.com/atlas-desktop/wf-validator/pkg/utils"
)

const fixedTrialID = "fixed"

// studyNamespace scopes study ids derived from a run's inputs
var studyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("github.com/atlas-desktop/wf-validator/study"))

// Option configures a WalkForward
type Option func(*WalkForward)

// WithProgress sends a RunProgress event on every phase transition. Sends
// never block; events are dropped when the channel is full.
func WithProgress(ch chan<- types.RunProgress) Option {
	return func(wf *WalkForward) { wf.progress = ch }
}

// WithMetrics records candidate, window and persistence metrics
func WithMetrics(c *metrics.Collector) Option {
	return func(wf *WalkForward) { wf.metrics = c }
}

// WithRetry sets the persistence retry policy
func WithRetry(cfg utils.RetryConfig) Option {
	return func(wf *WalkForward) { wf.retry = cfg }
}

// WithStudyID fixes the study id instead of deriving one from the inputs
func WithStudyID(id string) Option {
	return func(wf *WalkForward) { wf.studyID, wf.fixedStudyID = id, id != "" }
}

// WithHistory restricts the run to bars [start, end] of the series
func WithHistory(start, end int) Option {
	return func(wf *WalkForward) { wf.historyStart, wf.historyEnd = start, end }
}

// WithRegistry sets the strategy schema registry
func WithRegistry(r *schema.Registry) Option {
	return func(wf *WalkForward) { wf.registry = r }
}

// WalkForward drives the window state machine
// INIT -> IS -> GAP -> OOS -> FORWARD -> NEXT_WINDOW | DONE.
// Windows run sequentially; candidates within a window run in parallel.
type WalkForward struct {
	logger *zap.Logger
	config types.ValidationConfig
	store  storage.Store

	registry   *schema.Registry
	runner     *validation.Runner
	ranker     *ranking.Ranker
	selector   *selection.Selector
	aggregator *ranking.Aggregator
	optimizer  *optimization.Optimizer
	sources    *optimization.Sources

	progress     chan<- types.RunProgress
	metrics      *metrics.Collector
	retry        utils.RetryConfig
	studyID      string
	fixedStudyID bool
	historyStart int
	historyEnd   int
}

// NewWalkForward validates the configuration and wires the run components.
// A nil store discards results.
func NewWalkForward(logger *zap.Logger, config types.ValidationConfig, sim simulator.Simulator, store storage.Store, opts ...Option) (*WalkForward, error) {
	if err := config.Check(); err != nil {
		return nil, err
	}
	if err := LayoutFromConfig(config.WalkForward).Validate(); err != nil {
		return nil, err
	}

	wf := &WalkForward{
		logger:       logger,
		config:       config,
		store:        store,
		retry:        utils.DefaultRetryConfig(),
		historyStart: -1,
		historyEnd:   -1,
	}
	for _, opt := range opts {
		opt(wf)
	}
	if wf.registry == nil {
		wf.registry = schema.NewRegistry(simulator.MACrossSchema())
	}

	var runnerOpts []validation.Option
	if wf.metrics != nil {
		runnerOpts = append(runnerOpts, validation.WithObserver(wf.metrics))
	}
	wf.runner = validation.NewRunner(logger, sim, config.Runner, runnerOpts...)
	wf.ranker = ranking.NewRanker(logger, config.Objectives, config.Constraints)
	wf.selector = selection.NewSelector(logger)
	wf.aggregator = ranking.NewAggregator(wf.ranker.Primary())
	if config.Mode == types.ModeOptimize {
		wf.optimizer = optimization.NewOptimizer(logger, config.Optimizer, wf.runner, wf.ranker)
		wf.sources = optimization.NewSources(logger, config.Selection, wf.runner, wf.ranker, config.Optimizer.Seed)
	}
	return wf, nil
}

// StudyID returns the id results are persisted under. Without WithStudyID
// it is empty until Run derives it.
func (wf *WalkForward) StudyID() string { return wf.studyID }

// deriveStudyID names a study by its configuration, history range and
// series, so repeated runs of the same inputs upsert the same rows.
func (wf *WalkForward) deriveStudyID(series *timeseries.Series, hs, he int) (string, error) {
	first, last := series.Bar(hs), series.Bar(he)
	payload, err := json.Marshal(struct {
		Config       types.ValidationConfig `json:"config"`
		HistoryStart int                    `json:"historyStart"`
		HistoryEnd   int                    `json:"historyEnd"`
		Bars         int                    `json:"bars"`
		Location     string                 `json:"location"`
		First        types.Bar              `json:"first"`
		Last         types.Bar              `json:"last"`
	}{wf.config, hs, he, series.Len(), series.Location().String(), first, last})
	if err != nil {
		return "", fmt.Errorf("failed to derive study id: %w", err)
	}
	return uuid.NewSHA1(studyNamespace, payload).String(), nil
}

// warmupCarry is the warmup state handed from one cycle to the next: how
// many bars before the next in-sample start the simulator may consume.
type warmupCarry struct {
	requested int
	bars      int
}

func (c warmupCarry) next(isStart, floor int) warmupCarry {
	avail := isStart - floor
	if avail > c.requested {
		avail = c.requested
	}
	if avail < 0 {
		avail = 0
	}
	return warmupCarry{requested: c.requested, bars: avail}
}

// Run executes every window of the history. Window-level failures are
// recorded in the report; configuration errors and cancellation abort the
// run, in the latter case returning the partial report.
func (wf *WalkForward) Run(ctx context.Context, series *timeseries.Series) (*types.RunReport, error) {
	startTime := time.Now()

	hs, he := wf.historyStart, wf.historyEnd
	if hs < 0 {
		hs = 0
	}
	if he < 0 {
		he = series.Len() - 1
	}
	splitter, err := NewSplitter(series, hs, he)
	if err != nil {
		return nil, err
	}
	if !wf.fixedStudyID {
		if wf.studyID, err = wf.deriveStudyID(series, hs, he); err != nil {
			return nil, err
		}
	}
	wf.emit(types.PhaseInit, 0, 0, "")

	layout := LayoutFromConfig(wf.config.WalkForward)
	if span := layout.Span(); span > he-hs+1 {
		return nil, &types.ConfigError{
			Field:   "walk_forward",
			Message: fmt.Sprintf("window span %d exceeds history of %d bars", span, he-hs+1),
		}
	}

	sch, err := wf.registry.Lookup(wf.config.Strategy)
	if err != nil {
		return nil, &types.ConfigError{Field: "strategy", Message: err.Error()}
	}
	var fixed types.ParameterSet
	if wf.config.Mode == types.ModeFixed {
		if fixed, err = sch.Decode(wf.config.FixedParams); err != nil {
			return nil, &types.ConfigError{Field: "fixed_params", Message: err.Error()}
		}
	}

	report := &types.RunReport{
		StudyID:   wf.studyID,
		Mode:      wf.config.Mode,
		Strategy:  wf.config.Strategy,
		StartedAt: startTime,
	}
	if wf.metrics != nil {
		wf.metrics.RunStarted()
		defer func() { wf.metrics.RunFinished(report) }()
	}

	wf.logger.Info("Starting walk-forward analysis",
		zap.String("study", wf.studyID),
		zap.String("mode", string(wf.config.Mode)),
		zap.Int("historyStart", hs),
		zap.Int("historyEnd", he),
		zap.Int("span", layout.Span()),
		zap.Int("step", wf.config.WalkForward.Step()),
		zap.Bool("anchored", wf.config.WalkForward.Anchored),
	)

	carry := warmupCarry{requested: wf.config.WalkForward.WarmupBars}
	cur := newCursor(hs, wf.config.WalkForward.Step(), wf.config.WalkForward.Anchored)

	for cycle := 0; !cur.done(layout, he); cycle++ {
		// Check for cancellation
		select {
		case <-ctx.Done():
			wf.finish(report, startTime)
			return report, ctx.Err()
		default:
		}

		start, lb, current := cur.next(layout)
		w, err := splitter.Split(len(report.Windows), start, lb, current)
		if err != nil {
			if !isSkippable(err) {
				return nil, err
			}
			wf.logger.Warn("Window skipped",
				zap.Int("cycle", cycle),
				zap.Int("start", start),
				zap.Error(err),
			)
			report.Skipped = append(report.Skipped, types.SkippedWindow{Cycle: cycle, Start: start, Reason: err.Error()})
			if wf.metrics != nil {
				wf.metrics.WindowSkipped()
			}
			cur.advance(start)
			wf.emit(types.PhaseNextWindow, cycle, len(report.Windows), "skipped")
			continue
		}

		carry = carry.next(w.ISStart, hs)
		var result *types.WindowResult
		if wf.config.Mode == types.ModeFixed {
			result, err = wf.runFixed(ctx, series, w, cycle, carry, hs, fixed)
		} else {
			result, err = wf.runOptimized(ctx, series, w, cycle, carry, hs, sch)
		}
		if err != nil {
			wf.finish(report, startTime)
			return report, err
		}
		result.Times = WindowTimes(series, w)

		wf.persist(ctx, report, result)
		report.Windows = append(report.Windows, result)
		if wf.metrics != nil {
			wf.metrics.WindowCompleted()
		}

		wf.logger.Info("Window completed",
			zap.Int("window", w.ID),
			zap.Int("isStart", w.ISStart),
			zap.Int("oosStart", w.OOSStart),
			zap.Int("candidates", len(result.Records)),
			zap.Int("failures", result.Failures),
			zap.String("best", result.BestTrialID),
			zap.Float64("efficiency", result.Efficiency),
		)

		cur.advance(w.ISStart)
		wf.emit(types.PhaseNextWindow, cycle, len(report.Windows), "")
	}

	wf.aggregator.Finalize(report)
	wf.finish(report, startTime)

	if rs, ok := wf.store.(storage.ReportStore); ok {
		if err := wf.withRetry(ctx, func(ctx context.Context) error { return rs.SaveReport(ctx, report) }); err != nil {
			wf.persistFailed(report, "save_report", wf.studyID, err)
		}
	}

	wf.emit(types.PhaseDone, 0, len(report.Windows), "")
	wf.logger.Info("Walk-forward analysis complete",
		zap.String("study", wf.studyID),
		zap.Int("windows", len(report.Windows)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Float64("efficiency", report.Efficiency),
		zap.String("elapsed", utils.FormatDuration(report.Duration)),
	)
	return report, nil
}

// runFixed simulates one parameter set over the window's roles
func (wf *WalkForward) runFixed(ctx context.Context, series *timeseries.Series, w types.Window, cycle int, carry warmupCarry, floor int, params types.ParameterSet) (*types.WindowResult, error) {
	cand := []types.Candidate{{TrialID: fixedTrialID, Params: params, Source: types.SourceOptimizerRank, SourceRank: 1}}

	wf.emit(types.PhaseIS, cycle, w.ID, "")
	isTrials, err := wf.evaluate(ctx, series, types.RoleIS, w.IS(), carry.bars, floor, cand)
	if err != nil {
		return nil, err
	}

	wf.emit(types.PhaseGap, cycle, w.ID, "")
	records, err := wf.validateCandidates(ctx, series, w, cycle, carry, floor, cand, isTrials)
	if err != nil {
		return nil, err
	}

	var isMetrics *types.TrialMetrics
	if t := isTrials[fixedTrialID]; t != nil {
		isMetrics = t.Metrics
	}
	result := wf.aggregator.Window(wf.studyID, w, types.WindowTimes{}, carry.bars, isMetrics, 1, records)
	wf.aggregator.AddSearchFailures(result, ranking.FailuresOf(types.RoleIS, []*types.Trial{isTrials[fixedTrialID]}))
	return result, nil
}

// runOptimized searches the IS range, selects candidates from every ranking
// source and validates them out of sample
func (wf *WalkForward) runOptimized(ctx context.Context, series *timeseries.Series, w types.Window, cycle int, carry warmupCarry, floor int, sch *schema.Schema) (*types.WindowResult, error) {
	wf.emit(types.PhaseIS, cycle, w.ID, "")
	search, holdout, hasHoldout := optimization.SplitHoldout(w.IS(), wf.config.Selection.HoldoutBars)

	study, err := wf.optimizer.Optimize(ctx, optimization.Request{
		StudyID:    wf.studyID,
		WindowID:   w.ID,
		Series:     series,
		Range:      search,
		WarmupBars: carry.bars,
		Floor:      floor,
		Schema:     sch,
		Base:       types.ParameterSet(wf.config.FixedParams),
	})
	if err != nil {
		return nil, fmt.Errorf("window %d: %w", w.ID, err)
	}

	lists, sourceFailures, err := wf.sources.Lists(ctx, optimization.SourceInput{
		Study:      study,
		Series:     series,
		Schema:     sch,
		Search:     search,
		Holdout:    holdout,
		HasHoldout: hasHoldout,
		WarmupBars: carry.bars,
		Floor:      floor,
	})
	if err != nil {
		return nil, fmt.Errorf("window %d: %w", w.ID, err)
	}
	candidates, err := wf.selector.Select(lists...)
	if err != nil {
		return nil, err
	}

	isTrials := make(map[string]*types.Trial, len(candidates))
	for _, c := range candidates {
		isTrials[c.TrialID] = study.Find(c.TrialID)
	}

	wf.emit(types.PhaseGap, cycle, w.ID, fmt.Sprintf("%d candidates", len(candidates)))
	records, err := wf.validateCandidates(ctx, series, w, cycle, carry, floor, candidates, isTrials)
	if err != nil {
		return nil, err
	}

	var isMetrics *types.TrialMetrics
	if ranked := study.Ranked(); len(ranked) > 0 {
		isMetrics = ranked[0].Metrics
	}
	result := wf.aggregator.Window(wf.studyID, w, types.WindowTimes{}, carry.bars, isMetrics, len(study.Trials), records)
	wf.aggregator.AddSearchFailures(result, ranking.FailuresOf(types.RoleIS, study.Trials))
	wf.aggregator.AddSearchFailures(result, sourceFailures)
	return result, nil
}

// validateCandidates runs the OOS and forward phases and joins the results
func (wf *WalkForward) validateCandidates(ctx context.Context, series *timeseries.Series, w types.Window, cycle int, carry warmupCarry, floor int, candidates []types.Candidate, isTrials map[string]*types.Trial) ([]*types.TrialRecord, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	wf.emit(types.PhaseOOS, cycle, w.ID, "")
	oos, err := wf.evaluate(ctx, series, types.RoleOOS, w.OOS(), carry.requested, floor, candidates)
	if err != nil {
		return nil, err
	}

	var forward map[string]*types.Trial
	if w.HasForward {
		wf.emit(types.PhaseForward, cycle, w.ID, "")
		if forward, err = wf.evaluate(ctx, series, types.RoleForward, w.Forward(), carry.requested, floor, candidates); err != nil {
			return nil, err
		}
	}

	return wf.aggregator.Records(wf.studyID, w.ID, candidates, isTrials, oos, forward), nil
}

// evaluate runs one role batch and returns the ranked trials by id
func (wf *WalkForward) evaluate(ctx context.Context, series *timeseries.Series, role types.Role, r types.Range, warmup, floor int, candidates []types.Candidate) (map[string]*types.Trial, error) {
	res, err := wf.runner.Validate(ctx, validation.Batch{
		Series:     series,
		Role:       role,
		Range:      r,
		WarmupBars: warmup,
		Floor:      floor,
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
			wf.ranker.Evaluate(t)
		}
		trials[i] = t
	}
	ordered, degenerate := wf.ranker.Rank(trials)
	for _, err := range degenerate {
		wf.logger.Warn("Objective degenerate", zap.String("role", string(role)), zap.Error(err))
	}

	byID := make(map[string]*types.Trial, len(ordered))
	for _, t := range ordered {
		byID[t.ID] = t
	}
	return byID, nil
}

// persist writes the window and its records. Failures are retried, then
// recorded on the report; the in-memory result is left untouched.
func (wf *WalkForward) persist(ctx context.Context, report *types.RunReport, result *types.WindowResult) {
	if wf.store == nil {
		return
	}
	for _, rec := range result.Records {
		rec := rec
		err := wf.withRetry(ctx, func(ctx context.Context) error { return wf.store.SaveTrialMetrics(ctx, rec) })
		if err != nil {
			wf.persistFailed(report, "save_trial", fmt.Sprintf("%s/%d/%s", rec.StudyID, rec.WindowID, rec.TrialID), err)
		}
	}
	err := wf.withRetry(ctx, func(ctx context.Context) error { return wf.store.SaveWindowResult(ctx, result) })
	if err != nil {
		wf.persistFailed(report, "save_window", fmt.Sprintf("%s/%d", result.StudyID, result.Window.ID), err)
	}
}

func (wf *WalkForward) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := utils.Retry(ctx, wf.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (wf *WalkForward) persistFailed(report *types.RunReport, op, key string, err error) {
	failure := &types.PersistenceFailure{Op: op, Key: key, Err: err}
	report.PersistenceErrors = append(report.PersistenceErrors, failure.Error())
	if wf.metrics != nil {
		wf.metrics.PersistenceFailed(op)
	}
	wf.logger.Error("Persistence failed", zap.String("op", op), zap.String("key", key), zap.Error(err))
}

func (wf *WalkForward) finish(report *types.RunReport, startTime time.Time) {
	report.CompletedAt = time.Now()
	report.Duration = report.CompletedAt.Sub(startTime)
}

func (wf *WalkForward) emit(phase types.Phase, cycle, done int, msg string) {
	if wf.progress == nil {
		return
	}
	ev := types.RunProgress{
		StudyID:     wf.studyID,
		Phase:       phase,
		Cycle:       cycle,
		WindowsDone: done,
		Message:     msg,
		Timestamp:   time.Now(),
	}
	select {
	case wf.progress <- ev:
	default:
		wf.logger.Debug("Progress event dropped", zap.String("phase", string(phase)))
	}
}

// WindowTimes resolves a window's boundary indices to timestamps
func WindowTimes(series *timeseries.Series, w types.Window) types.WindowTimes {
	t := types.WindowTimes{
		ISStart:  series.Timestamp(w.ISStart),
		ISEnd:    series.Timestamp(w.ISEnd),
		OOSStart: series.Timestamp(w.OOSStart),
		OOSEnd:   series.Timestamp(w.OOSEnd),
	}
	if w.HasForward {
		t.ForwardStart = series.Timestamp(w.ForwardStart)
		t.ForwardEnd = series.Timestamp(w.ForwardEnd)
	}
	return t
}
