// Package simulator defines the single-window backtest contract and a
// reference moving-average strategy.
package simulator

import (
	"context"

	"github.com/atlas-desktop/wf-validator/internal/timeseries"
	"github.com/atlas-desktop/wf-validator/pkg/types"
)

// Simulator runs one parameter set over a series. The first warmupBars bars
// only prime indicators; metrics cover the remaining bars. Implementations
// must treat the series as read-only and be safe for concurrent use.
type Simulator interface {
	Simulate(ctx context.Context, series *timeseries.Series, params types.ParameterSet, warmupBars int) (*types.TrialMetrics, error)
}

// Func adapts a function to the Simulator interface
type Func func(ctx context.Context, series *timeseries.Series, params types.ParameterSet, warmupBars int) (*types.TrialMetrics, error)

// Simulate calls f
func (f Func) Simulate(ctx context.Context, series *timeseries.Series, params types.ParameterSet, warmupBars int) (*types.TrialMetrics, error) {
	return f(ctx, series, params, warmupBars)
}
