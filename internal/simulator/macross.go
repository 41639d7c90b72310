package simulator

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/wf-validator/internal/schema"
	"github.com/atlas-desktop/wf-validator/internal/timeseries"
	"github.com/atlas-desktop/wf-validator/pkg/types"
	"github.com/atlas-desktop/wf-validator/pkg/utils"
)

// MACrossStrategy is the registry name of the moving-average crossover
const MACrossStrategy = "ma_cross"

// MACrossSchema declares the MACross parameters
func MACrossSchema() *schema.Schema {
	return &schema.Schema{
		Strategy: MACrossStrategy,
		Fields: []schema.Field{
			{Name: "fast_period", Type: schema.Int, Min: 2, Max: 50, Default: 10, Optimize: true},
			{Name: "slow_period", Type: schema.Int, Min: 5, Max: 200, Default: 30, Optimize: true},
			{Name: "stop_loss_pct", Type: schema.Float, Min: 0, Max: 0.5, Default: 0.05, Optimize: true},
			{Name: "long_only", Type: schema.Bool, Default: true},
		},
	}
}

// MACross trades a fast/slow simple moving-average crossover on closes.
// A stop-loss exit stays flat until the crossover changes direction.
type MACross struct {
	initialCapital decimal.Decimal
	commission     decimal.Decimal
	calc           *MetricsCalculator
}

// NewMACross creates the strategy simulator
func NewMACross(cfg types.PortfolioConfig) *MACross {
	capital := cfg.InitialCapital
	if capital.Sign() <= 0 {
		capital = decimal.NewFromInt(10000)
	}
	return &MACross{
		initialCapital: capital,
		commission:     cfg.Commission,
		calc:           NewMetricsCalculator(cfg.PeriodsPerYear),
	}
}

type maCrossParams struct {
	fast, slow int
	stopLoss   decimal.Decimal
	longOnly   bool
}

func parseMACross(ps types.ParameterSet) (maCrossParams, error) {
	var p maCrossParams
	var err error

	if p.fast, err = ps.Int("fast_period"); err != nil {
		return p, err
	}
	if p.slow, err = ps.Int("slow_period"); err != nil {
		return p, err
	}
	stop, err := ps.Float("stop_loss_pct")
	if err != nil {
		return p, err
	}
	p.stopLoss = decimal.NewFromFloat(stop)
	if p.longOnly, err = ps.Bool("long_only"); err != nil {
		return p, err
	}

	if p.fast < 1 || p.fast >= p.slow {
		return p, fmt.Errorf("fast_period %d must be positive and below slow_period %d", p.fast, p.slow)
	}
	return p, nil
}

// Simulate runs the strategy over series, trading only after warmupBars
func (s *MACross) Simulate(ctx context.Context, series *timeseries.Series, params types.ParameterSet, warmupBars int) (*types.TrialMetrics, error) {
	p, err := parseMACross(params)
	if err != nil {
		return nil, err
	}
	if warmupBars < 0 || warmupBars >= series.Len() {
		return nil, fmt.Errorf("warmup %d leaves no trading bars in %d", warmupBars, series.Len())
	}

	fast := utils.NewSMA(p.fast)
	slow := utils.NewSMA(p.slow)
	portfolio := NewPortfolio(s.initialCapital, s.commission)
	equity := make([]decimal.Decimal, 0, series.Len()-warmupBars)

	stoppedSide := 0
	for i := 0; i < series.Len(); i++ {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		price := series.Bar(i).Close
		f := fast.Add(price)
		sl := slow.Add(price)
		if i < warmupBars {
			continue
		}

		portfolio.Mark(price)
		if side := portfolio.Side(); side != 0 && !p.stopLoss.IsZero() {
			move := price.Sub(portfolio.EntryPrice()).Div(portfolio.EntryPrice())
			if move.Mul(decimal.NewFromInt(int64(side))).LessThan(p.stopLoss.Neg()) {
				portfolio.Close(price)
				stoppedSide = side
			}
		}

		if slow.Ready() {
			target := 0
			switch {
			case f.GreaterThan(sl):
				target = 1
			case f.LessThan(sl) && !p.longOnly:
				target = -1
			}
			if target != stoppedSide {
				stoppedSide = 0
			}
			if target != portfolio.Side() && stoppedSide == 0 {
				if target == 0 {
					portfolio.Close(price)
				} else {
					portfolio.Open(target, price)
				}
			}
		}

		equity = append(equity, portfolio.Equity())
	}

	last := series.Bar(series.Len() - 1).Close
	portfolio.Close(last)
	if len(equity) > 0 {
		equity[len(equity)-1] = portfolio.Equity()
	}

	m := s.calc.Calculate(portfolio.TradePnL(), equity, s.initialCapital)
	m.WarmupBars = warmupBars
	return m, nil
}
