package data_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/wf-validator/internal/data"
	"github.com/atlas-desktop/wf-validator/internal/timeseries"
	"github.com/atlas-desktop/wf-validator/pkg/types"
)

func bar(ts time.Time, o, h, l, c, v float64) types.Bar {
	return types.Bar{
		Timestamp: ts,
		Open:      decimal.NewFromFloat(o),
		High:      decimal.NewFromFloat(h),
		Low:       decimal.NewFromFloat(l),
		Close:     decimal.NewFromFloat(c),
		Volume:    decimal.NewFromFloat(v),
	}
}

func TestQualityCleanSeries(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	series := timeseries.Generate(start, time.Hour, 72, 3)

	report := data.NewQualityChecker(zap.NewNop()).Check(series)
	assert.True(t, report.IsUsable)
	assert.Equal(t, time.Hour, report.Interval)
	assert.Equal(t, 72, report.TotalBars)
	assert.Equal(t, 3, report.TradingDays)
	assert.Zero(t, report.MissingBars)
	assert.Zero(t, report.Counts[data.IssueGap])
}

func TestQualityDetectsProblems(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	var bars []types.Bar
	for i := 0; i < 20; i++ {
		bars = append(bars, bar(start.Add(time.Duration(i)*time.Hour), 100, 101, 99, 100, 10))
	}
	// 10 missing hours after bar 19
	bars = append(bars, bar(start.Add(30*time.Hour), 100, 101, 99, 100, 10))
	// high below close
	bars = append(bars, bar(start.Add(31*time.Hour), 100, 99, 98, 100.5, 10))
	// zero volume and a 50% open jump
	bars = append(bars, bar(start.Add(32*time.Hour), 150, 151, 149, 150, 0))

	series, err := timeseries.New(bars, time.UTC)
	require.NoError(t, err)

	checker := data.NewQualityChecker(zap.NewNop())
	report := checker.Check(series)

	assert.Equal(t, 1, report.Counts[data.IssueGap])
	assert.Equal(t, 1, report.Counts[data.IssueOHLCInconsistent])
	assert.Equal(t, 1, report.Counts[data.IssueZeroVolume])
	assert.Equal(t, 1, report.Counts[data.IssueGapMove])
	assert.Equal(t, 10, report.MissingBars)
	assert.False(t, report.IsUsable)
	assert.Equal(t, 19, report.Issues[0].BarIndex)

	cleaned, err := checker.Clean(series)
	require.NoError(t, err)
	assert.Equal(t, series.Len(), cleaned.Len())
	assert.Zero(t, checker.Check(cleaned).Counts[data.IssueOHLCInconsistent])
}

func TestQualityCleanDropsNonPositive(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	series, err := timeseries.New([]types.Bar{
		bar(start, 1, 1, 1, 1, 1),
		bar(start.Add(time.Hour), 0, 1, 0, 1, 1),
		bar(start.Add(2*time.Hour), 1, 1, 1, 1, 1),
	}, time.UTC)
	require.NoError(t, err)

	checker := data.NewQualityChecker(zap.NewNop())
	assert.Equal(t, 1, checker.Check(series).Counts[data.IssueNonPositivePrice])

	cleaned, err := checker.Clean(series)
	require.NoError(t, err)
	assert.Equal(t, 2, cleaned.Len())
}

func TestQualityEmptySeries(t *testing.T) {
	series, err := timeseries.New(nil, time.UTC)
	require.NoError(t, err)

	report := data.NewQualityChecker(zap.NewNop()).Check(series)
	assert.False(t, report.IsUsable)
	assert.Len(t, report.Issues, 1)
}
