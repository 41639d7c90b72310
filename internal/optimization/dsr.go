package optimization

import (
	"math"
	"sort"

	"github.com/atlas-desktop/wf-validator/pkg/types"
)

const eulerMascheroni = 0.5772156649015329

// normCDF is the standard normal distribution function
func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

// normInv is the standard normal quantile function
func normInv(p float64) float64 {
	return math.Sqrt2 * math.Erfinv(2*p-1)
}

// ExpectedMaxSharpe estimates the maximum per-bar Sharpe expected from
// trials independent draws with the given cross-trial Sharpe variance.
func ExpectedMaxSharpe(variance float64, trials int) float64 {
	if trials < 2 || variance <= 0 {
		return 0
	}
	n := float64(trials)
	z1 := normInv(1 - 1/n)
	z2 := normInv(1 - 1/(n*math.E))
	return math.Sqrt(variance) * ((1-eulerMascheroni)*z1 + eulerMascheroni*z2)
}

// DeflatedSharpe returns the probability that the trial's per-bar Sharpe
// exceeds benchmark after adjusting for sample length and the shape of the
// return distribution. Kurtosis in metrics is excess kurtosis.
func DeflatedSharpe(m *types.TrialMetrics, benchmark float64) float64 {
	if m == nil || m.Observations < 2 {
		return 0
	}
	sr := m.SharpePerBar
	kurt := m.Kurtosis + 3
	denom := 1 - m.Skewness*sr + (kurt-1)/4*sr*sr
	if denom <= 0 || math.IsNaN(denom) {
		return 0
	}
	z := (sr - benchmark) * math.Sqrt(float64(m.Observations-1)) / math.Sqrt(denom)
	p := normCDF(z)
	if math.IsNaN(p) {
		return 0
	}
	return p
}

// DSRScore pairs a trial with its deflated Sharpe probability
type DSRScore struct {
	Trial *types.Trial
	Score float64
}

// RankByDSR orders the study's ranked trials by descending deflated Sharpe.
// The benchmark is the expected maximum Sharpe across every successful
// trial of the study, so larger searches are penalized harder.
func RankByDSR(study *types.Study) []DSRScore {
	ranked := study.Ranked()
	if len(ranked) == 0 {
		return nil
	}

	var sum, sumSq float64
	for _, t := range ranked {
		sum += t.Metrics.SharpePerBar
		sumSq += t.Metrics.SharpePerBar * t.Metrics.SharpePerBar
	}
	n := float64(len(ranked))
	variance := 0.0
	if len(ranked) > 1 {
		variance = (sumSq - sum*sum/n) / (n - 1)
	}
	benchmark := ExpectedMaxSharpe(variance, len(ranked))

	scores := make([]DSRScore, len(ranked))
	for i, t := range ranked {
		scores[i] = DSRScore{Trial: t, Score: DeflatedSharpe(t.Metrics, benchmark)}
	}
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].Trial.Rank < scores[j].Trial.Rank
	})
	return scores
}
