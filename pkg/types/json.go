package types

import (
	"encoding/json"
	"math"
)

// JSON has no encoding for NaN or infinities; such values are written as null.

func finiteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func finiteSlice(vs []float64) []*float64 {
	if vs == nil {
		return nil
	}
	out := make([]*float64, len(vs))
	for i, v := range vs {
		out[i] = finiteOrNil(v)
	}
	return out
}

// MarshalJSON writes non-finite metrics as null
func (m TrialMetrics) MarshalJSON() ([]byte, error) {
	type alias TrialMetrics
	return json.Marshal(struct {
		alias
		TotalReturn  *float64 `json:"totalReturn"`
		Sharpe       *float64 `json:"sharpe"`
		SharpePerBar *float64 `json:"sharpePerBar"`
		Skewness     *float64 `json:"skewness"`
		Kurtosis     *float64 `json:"kurtosis"`
		WinRate      *float64 `json:"winRate"`
		ProfitFactor *float64 `json:"profitFactor"`
	}{
		alias:        alias(m),
		TotalReturn:  finiteOrNil(m.TotalReturn),
		Sharpe:       finiteOrNil(m.Sharpe),
		SharpePerBar: finiteOrNil(m.SharpePerBar),
		Skewness:     finiteOrNil(m.Skewness),
		Kurtosis:     finiteOrNil(m.Kurtosis),
		WinRate:      finiteOrNil(m.WinRate),
		ProfitFactor: finiteOrNil(m.ProfitFactor),
	})
}

// MarshalJSON writes non-finite objective components as null
func (t Trial) MarshalJSON() ([]byte, error) {
	type alias Trial
	return json.Marshal(struct {
		alias
		Objectives         []*float64 `json:"objectives"`
		Violations         []*float64 `json:"violations,omitempty"`
		ViolationMagnitude *float64   `json:"violationMagnitude"`
	}{
		alias:              alias(t),
		Objectives:         finiteSlice(t.Objectives),
		Violations:         finiteSlice(t.Violations),
		ViolationMagnitude: finiteOrNil(t.ViolationMagnitude),
	})
}
