package ranking

import (
	"math"

	"github.com/atlas-desktop/wf-validator/pkg/types"
)

// Violations returns the per-constraint breach amounts and their sum.
// An unknown metric yields NaN, which fails the trial when ranked.
func Violations(constraints []types.Constraint, m *types.TrialMetrics) ([]float64, float64) {
	if len(constraints) == 0 {
		return nil, 0
	}

	out := make([]float64, len(constraints))
	var total float64
	for i, c := range constraints {
		v, ok := m.Value(c.Metric)
		if !ok {
			out[i] = math.NaN()
			total = math.NaN()
			continue
		}

		switch c.Op {
		case types.OpLTE:
			out[i] = math.Max(0, v-c.Threshold)
		case types.OpGTE:
			out[i] = math.Max(0, c.Threshold-v)
		}
		total += out[i]
	}
	return out, total
}
