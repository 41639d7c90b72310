package simulator

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/wf-validator/pkg/types"
	"github.com/atlas-desktop/wf-validator/pkg/utils"
)

// maxProfitFactor caps the profit factor when there are no losing trades
const maxProfitFactor = 100.0

// MetricsCalculator calculates performance metrics
type MetricsCalculator struct {
	periodsPerYear int
}

// NewMetricsCalculator creates a new metrics calculator. periodsPerYear
// annualizes the Sharpe ratio; zero means 252.
func NewMetricsCalculator(periodsPerYear int) *MetricsCalculator {
	if periodsPerYear <= 0 {
		periodsPerYear = 252
	}
	return &MetricsCalculator{periodsPerYear: periodsPerYear}
}

// Calculate builds trial metrics from closed-trade PnL and the equity curve
// of the trading bars.
func (mc *MetricsCalculator) Calculate(tradePnL []decimal.Decimal, equity []decimal.Decimal, initialCapital decimal.Decimal) *types.TrialMetrics {
	m := &types.TrialMetrics{
		TradeCount: len(tradePnL),
		Bars:       len(equity),
	}

	var wins int
	var grossProfit, grossLoss decimal.Decimal
	for _, pnl := range tradePnL {
		switch {
		case pnl.GreaterThan(decimal.Zero):
			wins++
			grossProfit = grossProfit.Add(pnl)
		case pnl.LessThan(decimal.Zero):
			grossLoss = grossLoss.Add(pnl.Abs())
		}
	}

	if m.TradeCount > 0 {
		m.WinRate = float64(wins) / float64(m.TradeCount)
	}
	switch {
	case !grossLoss.IsZero():
		m.ProfitFactor = grossProfit.Div(grossLoss).InexactFloat64()
	case !grossProfit.IsZero():
		m.ProfitFactor = maxProfitFactor
	}

	if len(equity) == 0 {
		return m
	}

	final := equity[len(equity)-1]
	m.NetProfit = final.Sub(initialCapital)
	if !initialCapital.IsZero() {
		m.TotalReturn = m.NetProfit.Div(initialCapital).InexactFloat64()
	}
	m.MaxDrawdown = utils.CalculateMaxDrawdown(equity)

	returns := utils.CalculateReturns(equity)
	m.Observations = len(returns)
	if len(returns) > 1 {
		avg := mean(returns)
		sd := stdDev(returns)
		if sd > 0 {
			m.SharpePerBar = avg / sd
			m.Sharpe = m.SharpePerBar * math.Sqrt(float64(mc.periodsPerYear))
		}
		m.Skewness, m.Kurtosis = moments(returns)
	}

	return m
}

// mean calculates arithmetic mean
func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdDev calculates sample standard deviation
func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}

	avg := mean(values)
	var sumSquares float64
	for _, v := range values {
		diff := v - avg
		sumSquares += diff * diff
	}

	return math.Sqrt(sumSquares / float64(len(values)-1))
}

// moments returns skewness and excess kurtosis
func moments(values []float64) (skewness, kurtosis float64) {
	n := float64(len(values))
	avg := mean(values)

	var m2, m3, m4 float64
	for _, v := range values {
		d := v - avg
		m2 += d * d
		m3 += d * d * d
		m4 += d * d * d * d
	}
	variance := m2 / n
	if variance == 0 {
		return 0, 0
	}
	sd := math.Sqrt(variance)
	skewness = (m3 / n) / (sd * sd * sd)
	kurtosis = (m4/n)/(variance*variance) - 3
	return skewness, kurtosis
}
