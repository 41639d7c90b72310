package ranking

import (
	"math"
	"sort"

	"github.com/atlas-desktop/wf-validator/pkg/types"
)

// TrialFromOutcome converts a runner outcome into an unranked trial
func TrialFromOutcome(o types.Outcome, params types.ParameterSet) *types.Trial {
	t := &types.Trial{
		ID:      o.TrialID,
		Params:  params,
		Metrics: o.Metrics,
		Status:  types.TrialOK,
	}
	if !o.OK() {
		t.Status = types.TrialFailed
		t.Failure = o.Failure
		if t.Failure == nil {
			t.Failure = &types.Failure{Kind: types.FailureSimulation, Message: "no metrics"}
		}
	}
	return t
}

// FailuresOf lists the failed trials of one role batch
func FailuresOf(role types.Role, trials []*types.Trial) []types.TrialFailure {
	var out []types.TrialFailure
	for _, t := range trials {
		if t == nil || t.Status != types.TrialFailed {
			continue
		}
		f := types.Failure{Kind: types.FailureSimulation, Message: "no metrics"}
		if t.Failure != nil {
			f = *t.Failure
		}
		out = append(out, types.TrialFailure{TrialID: t.ID, Role: role, Failure: f})
	}
	return out
}

// Aggregator joins ranked per-role trials into window and run results
type Aggregator struct {
	primary types.Objective
}

// NewAggregator creates an aggregator comparing roles on the primary objective
func NewAggregator(primary types.Objective) *Aggregator {
	return &Aggregator{primary: primary}
}

// Records builds one record per candidate, ordered by OOS rank with failed
// candidates last. is, oos and forward are keyed by trial id; any may be nil.
func (a *Aggregator) Records(studyID string, windowID int, candidates []types.Candidate, is, oos, forward map[string]*types.Trial) []*types.TrialRecord {
	records := make([]*types.TrialRecord, 0, len(candidates))
	for _, c := range candidates {
		rec := &types.TrialRecord{
			StudyID:    studyID,
			WindowID:   windowID,
			TrialID:    c.TrialID,
			Source:     c.Source,
			SourceRank: c.SourceRank,
			Params:     c.Params,
			IS:         is[c.TrialID],
			OOS:        oos[c.TrialID],
			Forward:    forward[c.TrialID],
		}
		switch {
		case rec.OOS == nil:
			rec.Failure = &types.Failure{Kind: types.FailureSimulation, Message: "no out-of-sample result"}
		case rec.OOS.Status == types.TrialFailed:
			rec.Failure = rec.OOS.Failure
		default:
			rec.OOSRank = rec.OOS.Rank
		}
		records = append(records, rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		ri, rj := records[i].OOSRank, records[j].OOSRank
		if (ri > 0) != (rj > 0) {
			return ri > 0
		}
		if ri != rj {
			return ri < rj
		}
		return records[i].TrialID < records[j].TrialID
	})
	return records
}

// Efficiency returns the OOS over IS ratio of the primary objective. It is
// undefined when either side is missing, non-finite or IS is zero.
func (a *Aggregator) Efficiency(is, oos *types.TrialMetrics) (float64, bool) {
	iv, ok1 := is.Value(a.primary.Metric)
	ov, ok2 := oos.Value(a.primary.Metric)
	if !ok1 || !ok2 || iv == 0 || !finite(iv) || !finite(ov) {
		return 0, false
	}
	return ov / iv, true
}

// Window assembles a window result; best is the top OOS-ranked record
func (a *Aggregator) Window(studyID string, w types.Window, times types.WindowTimes, warmup int, isMetrics *types.TrialMetrics, studySize int, records []*types.TrialRecord) *types.WindowResult {
	res := &types.WindowResult{
		StudyID:    studyID,
		Window:     w,
		Times:      times,
		WarmupBars: warmup,
		ISMetrics:  isMetrics,
		StudySize:  studySize,
		Records:    records,
	}

	for _, rec := range records {
		if rec.Failed() {
			res.Failures++
		}
	}

	if len(records) > 0 && !records[0].Failed() {
		best := records[0]
		res.BestTrialID = best.TrialID

		var bestIS *types.TrialMetrics
		if best.IS != nil {
			bestIS = best.IS.Metrics
		} else {
			bestIS = isMetrics
		}
		if eff, ok := a.Efficiency(bestIS, best.OOS.Metrics); ok {
			res.Efficiency = eff
			res.EfficiencyDefined = true
		}
	}
	return res
}

// AddSearchFailures attaches failures from batches that produced no
// candidate record and counts them in the window failures
func (a *Aggregator) AddSearchFailures(res *types.WindowResult, failures []types.TrialFailure) {
	res.SearchFailures = append(res.SearchFailures, failures...)
	res.Failures += len(failures)
}

// Finalize computes run-level efficiency as the mean over windows with a
// defined window efficiency.
func (a *Aggregator) Finalize(report *types.RunReport) {
	var sum float64
	var n int
	for _, w := range report.Windows {
		if !w.EfficiencyDefined {
			continue
		}
		sum += w.Efficiency
		n++
	}
	if n > 0 {
		report.Efficiency = sum / float64(n)
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
