package data

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/wf-validator/internal/timeseries"
	"github.com/atlas-desktop/wf-validator/pkg/types"
)

// Issue kinds
const (
	IssueGap              = "GAP_DETECTED"
	IssueNonPositivePrice = "NON_POSITIVE_PRICE"
	IssueExtremeMove      = "EXTREME_MOVE"
	IssueGapMove          = "GAP_MOVE"
	IssueOHLCInconsistent = "OHLC_INCONSISTENT"
	IssueZeroVolume       = "ZERO_VOLUME"
)

// Issue severities
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// QualityChecker inspects a bar series before it is split into windows.
// Gaps matter twice here: they stretch a window's wall-clock span and they
// shift calendar-day alignment.
type QualityChecker struct {
	logger *zap.Logger

	MaxBarRange  float64 // max (high-low)/low within one bar
	MaxOpenMove  float64 // max |open-prevClose|/prevClose
	GapTolerance float64 // spacing above GapTolerance*median is a gap
	MinScore     int
}

// DataIssue is one problem found in a series
type DataIssue struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	BarIndex  int       `json:"barIndex"`
	Message   string    `json:"message"`
}

// QualityReport summarizes a series check
type QualityReport struct {
	TotalBars       int            `json:"totalBars"`
	Interval        time.Duration  `json:"interval"`
	StartDate       time.Time      `json:"startDate"`
	EndDate         time.Time      `json:"endDate"`
	Issues          []DataIssue    `json:"issues"`
	Counts          map[string]int `json:"counts"`
	QualityScore    int            `json:"qualityScore"`
	IsUsable        bool           `json:"isUsable"`
	MissingBars     int            `json:"missingBars"`
	TradingDays     int            `json:"tradingDays"`
	Recommendations []string       `json:"recommendations"`
}

// NewQualityChecker creates a checker with crypto-market defaults
func NewQualityChecker(logger *zap.Logger) *QualityChecker {
	return &QualityChecker{
		logger:       logger,
		MaxBarRange:  0.30,
		MaxOpenMove:  0.20,
		GapTolerance: 3,
		MinScore:     70,
	}
}

// Check runs every check over the series
func (qc *QualityChecker) Check(series *timeseries.Series) *QualityReport {
	n := series.Len()
	if n == 0 {
		return &QualityReport{
			Issues:   []DataIssue{{Type: "NO_DATA", Severity: SeverityCritical, Message: "series is empty"}},
			Counts:   map[string]int{"NO_DATA": 1},
			IsUsable: false,
		}
	}

	interval := medianSpacing(series)
	var issues []DataIssue
	issues = append(issues, qc.checkGaps(series, interval)...)
	issues = append(issues, qc.checkPrices(series)...)
	issues = append(issues, qc.checkOHLC(series)...)
	issues = append(issues, qc.checkVolume(series)...)
	sort.SliceStable(issues, func(i, j int) bool { return issues[i].BarIndex < issues[j].BarIndex })

	counts := make(map[string]int)
	critical := false
	for _, is := range issues {
		counts[is.Type]++
		if is.Severity == SeverityCritical {
			critical = true
		}
	}

	score := qualityScore(n, issues)
	report := &QualityReport{
		TotalBars:    n,
		Interval:     interval,
		StartDate:    series.Timestamp(0),
		EndDate:      series.Timestamp(n - 1),
		Issues:       issues,
		Counts:       counts,
		QualityScore: score,
		IsUsable:     score >= qc.MinScore && !critical,
		MissingBars:  missingBars(series, interval),
		TradingDays:  tradingDays(series),
	}
	report.Recommendations = recommendations(counts, n)

	qc.logger.Debug("Series quality checked",
		zap.Int("bars", n),
		zap.Int("issues", len(issues)),
		zap.Int("score", score),
		zap.Bool("usable", report.IsUsable),
	)
	return report
}

func (qc *QualityChecker) checkGaps(series *timeseries.Series, interval time.Duration) []DataIssue {
	var issues []DataIssue
	if interval <= 0 {
		return issues
	}
	limit := time.Duration(float64(interval) * qc.GapTolerance)
	for i := 1; i < series.Len(); i++ {
		d := series.Timestamp(i).Sub(series.Timestamp(i - 1))
		if d <= limit {
			continue
		}
		severity := SeverityHigh
		if d > 10*limit {
			severity = SeverityCritical
		}
		issues = append(issues, DataIssue{
			Type:      IssueGap,
			Severity:  severity,
			Timestamp: series.Timestamp(i - 1),
			BarIndex:  i - 1,
			Message:   fmt.Sprintf("gap of %s before bar %d (expected ~%s)", d, i, interval),
		})
	}
	return issues
}

func (qc *QualityChecker) checkPrices(series *timeseries.Series) []DataIssue {
	var issues []DataIssue
	for i := 0; i < series.Len(); i++ {
		bar := series.Bar(i)
		if !bar.Open.IsPositive() || !bar.High.IsPositive() || !bar.Low.IsPositive() || !bar.Close.IsPositive() {
			issues = append(issues, DataIssue{
				Type:      IssueNonPositivePrice,
				Severity:  SeverityCritical,
				Timestamp: bar.Timestamp,
				BarIndex:  i,
				Message:   "zero or negative price",
			})
			continue
		}

		barRange, _ := bar.High.Sub(bar.Low).Div(bar.Low).Float64()
		if barRange > qc.MaxBarRange {
			issues = append(issues, DataIssue{
				Type:      IssueExtremeMove,
				Severity:  SeverityHigh,
				Timestamp: bar.Timestamp,
				BarIndex:  i,
				Message:   fmt.Sprintf("bar range %.2f%%", barRange*100),
			})
		}

		if i == 0 {
			continue
		}
		prev := series.Bar(i - 1).Close
		if !prev.IsPositive() {
			continue
		}
		move, _ := bar.Open.Sub(prev).Div(prev).Abs().Float64()
		if move > qc.MaxOpenMove {
			issues = append(issues, DataIssue{
				Type:      IssueGapMove,
				Severity:  SeverityMedium,
				Timestamp: bar.Timestamp,
				BarIndex:  i,
				Message:   fmt.Sprintf("open moved %.2f%% from previous close", move*100),
			})
		}
	}
	return issues
}

func (qc *QualityChecker) checkOHLC(series *timeseries.Series) []DataIssue {
	var issues []DataIssue
	for i := 0; i < series.Len(); i++ {
		bar := series.Bar(i)
		if bar.High.LessThan(decimal.Max(bar.Open, bar.Close, bar.Low)) ||
			bar.Low.GreaterThan(decimal.Min(bar.Open, bar.Close, bar.High)) {
			issues = append(issues, DataIssue{
				Type:      IssueOHLCInconsistent,
				Severity:  SeverityCritical,
				Timestamp: bar.Timestamp,
				BarIndex:  i,
				Message:   fmt.Sprintf("O:%s H:%s L:%s C:%s", bar.Open, bar.High, bar.Low, bar.Close),
			})
		}
	}
	return issues
}

func (qc *QualityChecker) checkVolume(series *timeseries.Series) []DataIssue {
	var issues []DataIssue
	for i := 0; i < series.Len(); i++ {
		bar := series.Bar(i)
		if bar.Volume.IsZero() {
			issues = append(issues, DataIssue{
				Type:      IssueZeroVolume,
				Severity:  SeverityLow,
				Timestamp: bar.Timestamp,
				BarIndex:  i,
				Message:   "zero volume",
			})
		}
	}
	return issues
}

// Clean drops bars with non-positive prices and widens high/low to cover
// open and close. The result keeps the series location.
func (qc *QualityChecker) Clean(series *timeseries.Series) (*timeseries.Series, error) {
	cleaned := make([]types.Bar, 0, series.Len())
	for _, bar := range series.Bars() {
		if !bar.Open.IsPositive() || !bar.High.IsPositive() || !bar.Low.IsPositive() || !bar.Close.IsPositive() {
			continue
		}
		bar.High = decimal.Max(bar.Open, bar.High, bar.Close)
		bar.Low = decimal.Min(bar.Open, bar.Low, bar.Close)
		cleaned = append(cleaned, bar)
	}

	qc.logger.Info("Series cleaned",
		zap.Int("original_bars", series.Len()),
		zap.Int("cleaned_bars", len(cleaned)),
		zap.Int("removed", series.Len()-len(cleaned)),
	)
	return timeseries.New(cleaned, series.Location())
}

// medianSpacing returns the median of the first few bar spacings
func medianSpacing(series *timeseries.Series) time.Duration {
	var spacings []time.Duration
	for i := 1; i < series.Len() && i <= 10; i++ {
		spacings = append(spacings, series.Timestamp(i).Sub(series.Timestamp(i-1)))
	}
	if len(spacings) == 0 {
		return 0
	}
	sort.Slice(spacings, func(i, j int) bool { return spacings[i] < spacings[j] })
	return spacings[len(spacings)/2]
}

func missingBars(series *timeseries.Series, interval time.Duration) int {
	n := series.Len()
	if n < 2 || interval <= 0 {
		return 0
	}
	expected := int(series.Timestamp(n-1).Sub(series.Timestamp(0))/interval) + 1
	if expected < n {
		return 0
	}
	return expected - n
}

// tradingDays counts distinct calendar days in the series location
func tradingDays(series *timeseries.Series) int {
	days := 0
	for i := 0; i < series.Len(); i++ {
		if i == 0 || !series.SameDay(i-1, i) {
			days++
		}
	}
	return days
}

func qualityScore(totalBars int, issues []DataIssue) int {
	penalty := 0.0
	for _, is := range issues {
		switch is.Severity {
		case SeverityCritical:
			penalty += 10
		case SeverityHigh:
			penalty += 5
		case SeverityMedium:
			penalty += 2
		case SeverityLow:
			penalty += 0.5
		}
	}
	normalized := penalty / math.Max(1, float64(totalBars)/100) * 10
	return int(math.Max(0, 100-math.Min(normalized, 100)))
}

func recommendations(counts map[string]int, totalBars int) []string {
	var recs []string
	if counts[IssueGap] > 0 {
		recs = append(recs, "gaps stretch window spans in time; consider a shorter history or enabling day alignment")
	}
	if counts[IssueOHLCInconsistent] > 0 || counts[IssueNonPositivePrice] > 0 {
		recs = append(recs, "clean the series before validation")
	}
	if counts[IssueExtremeMove] > totalBars/100 {
		recs = append(recs, "many extreme bars; verify the data source")
	}
	if counts[IssueZeroVolume] > totalBars/10 {
		recs = append(recs, "many zero-volume bars; consider a more liquid symbol or a longer interval")
	}
	if len(recs) == 0 {
		recs = append(recs, "series is acceptable for walk-forward validation")
	}
	return recs
}
