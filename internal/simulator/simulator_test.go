package simulator_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/wf-validator/internal/simulator"
	"github.com/atlas-desktop/wf-validator/internal/timeseries"
	"github.com/atlas-desktop/wf-validator/pkg/types"
)

func trendSeries(t *testing.T, n int, step float64) *timeseries.Series {
	t.Helper()
	bars := make([]types.Bar, n)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		price := decimal.NewFromFloat(100 + step*float64(i))
		bars[i] = types.Bar{Timestamp: start.Add(time.Duration(i) * time.Hour), Open: price, High: price, Low: price, Close: price}
	}
	s, err := timeseries.New(bars, time.UTC)
	if err != nil {
		t.Fatalf("Failed to build series: %v", err)
	}
	return s
}

func maParams(fast, slow int) types.ParameterSet {
	return types.ParameterSet{"fast_period": fast, "slow_period": slow, "stop_loss_pct": 0.05, "long_only": true}
}

func TestPortfolio(t *testing.T) {
	portfolio := simulator.NewPortfolio(decimal.NewFromInt(10000), decimal.Zero)

	if !portfolio.Cash().Equal(decimal.NewFromInt(10000)) {
		t.Errorf("Initial cash incorrect: %s", portfolio.Cash())
	}

	portfolio.Open(1, decimal.NewFromInt(100))
	if portfolio.Side() != 1 {
		t.Fatalf("Expected long position, got side %d", portfolio.Side())
	}

	pnl := portfolio.Close(decimal.NewFromInt(110))
	if !pnl.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("Expected PnL 1000, got %s", pnl)
	}
	if !portfolio.Equity().Equal(decimal.NewFromInt(11000)) {
		t.Errorf("Expected equity 11000, got %s", portfolio.Equity())
	}
}

func TestPortfolioShort(t *testing.T) {
	portfolio := simulator.NewPortfolio(decimal.NewFromInt(1000), decimal.Zero)

	portfolio.Open(-1, decimal.NewFromInt(50))
	equity := portfolio.Mark(decimal.NewFromInt(40))
	if !equity.Equal(decimal.NewFromInt(1200)) {
		t.Errorf("Expected marked equity 1200, got %s", equity)
	}
	if pnl := portfolio.Close(decimal.NewFromInt(40)); !pnl.Equal(decimal.NewFromInt(200)) {
		t.Errorf("Expected short PnL 200, got %s", pnl)
	}
}

func TestMACrossProfitsOnUptrend(t *testing.T) {
	sim := simulator.NewMACross(types.PortfolioConfig{InitialCapital: decimal.NewFromInt(10000)})
	series := trendSeries(t, 200, 0.5)

	m, err := sim.Simulate(context.Background(), series, maParams(5, 20), 20)
	if err != nil {
		t.Fatalf("Simulate failed: %v", err)
	}
	if m.TradeCount != 1 {
		t.Errorf("Expected a single trade on a monotonic trend, got %d", m.TradeCount)
	}
	if !m.NetProfit.IsPositive() {
		t.Errorf("Expected positive net profit, got %s", m.NetProfit)
	}
	if m.Bars != 180 || m.WarmupBars != 20 {
		t.Errorf("Expected 180 trading bars after 20 warmup, got %d/%d", m.Bars, m.WarmupBars)
	}
	if !m.MaxDrawdown.IsZero() {
		t.Errorf("Expected no drawdown, got %s", m.MaxDrawdown)
	}
}

func TestMACrossRejectsBadParams(t *testing.T) {
	sim := simulator.NewMACross(types.PortfolioConfig{})
	series := trendSeries(t, 50, 1)

	if _, err := sim.Simulate(context.Background(), series, maParams(20, 10), 0); err == nil {
		t.Error("Expected error for fast >= slow")
	}
	if _, err := sim.Simulate(context.Background(), series, types.ParameterSet{"fast_period": 2}, 0); err == nil {
		t.Error("Expected error for missing parameters")
	}
	if _, err := sim.Simulate(context.Background(), series, maParams(2, 5), 50); err == nil {
		t.Error("Expected error when warmup consumes every bar")
	}
}

func TestMACrossHonorsCancellation(t *testing.T) {
	sim := simulator.NewMACross(types.PortfolioConfig{})
	series := trendSeries(t, 1000, 0.1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := sim.Simulate(ctx, series, maParams(2, 5), 0); err == nil {
		t.Error("Expected cancellation error")
	}
}

func TestMetricsCalculator(t *testing.T) {
	calc := simulator.NewMetricsCalculator(252)
	equity := []decimal.Decimal{
		decimal.NewFromInt(100), decimal.NewFromInt(110), decimal.NewFromInt(99), decimal.NewFromInt(120),
	}
	pnl := []decimal.Decimal{decimal.NewFromInt(10), decimal.NewFromInt(-5), decimal.NewFromInt(15)}

	m := calc.Calculate(pnl, equity, decimal.NewFromInt(100))

	if m.TradeCount != 3 {
		t.Errorf("Expected 3 trades, got %d", m.TradeCount)
	}
	if m.ProfitFactor != 5 {
		t.Errorf("Expected profit factor 5, got %f", m.ProfitFactor)
	}
	if m.TotalReturn != 0.2 {
		t.Errorf("Expected total return 0.2, got %f", m.TotalReturn)
	}
	if !m.MaxDrawdown.Equal(decimal.NewFromFloat(0.1)) {
		t.Errorf("Expected max drawdown 0.1, got %s", m.MaxDrawdown)
	}
	if m.Observations != 3 || m.Sharpe == 0 {
		t.Errorf("Expected Sharpe over 3 observations, got %d/%f", m.Observations, m.Sharpe)
	}
}
