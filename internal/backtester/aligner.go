// Package backtester provides walk-forward window planning and execution.
package backtester

import (
	"github.com/atlas-desktop/wf-validator/internal/timeseries"
	"github.com/atlas-desktop/wf-validator/pkg/types"
)

// Aligner snaps bar indices to the first bar of their calendar day.
type Aligner struct {
	series *timeseries.Series
}

// NewAligner creates an aligner over a series
func NewAligner(series *timeseries.Series) *Aligner {
	return &Aligner{series: series}
}

// AlignToDayStart returns the smallest index i with lowerBound <= i <= idx
// such that bars i..idx all share idx's calendar date. The result is never
// below lowerBound, never above idx, and aligning it again returns it unchanged.
func (a *Aligner) AlignToDayStart(idx, lowerBound int) (int, error) {
	n := a.series.Len()
	switch {
	case idx < 0 || idx >= n:
		return 0, &types.AlignmentError{Index: idx, LowerBound: lowerBound, Reason: "index out of range"}
	case lowerBound < 0:
		return 0, &types.AlignmentError{Index: idx, LowerBound: lowerBound, Reason: "negative lower bound"}
	case lowerBound > idx:
		return 0, &types.AlignmentError{Index: idx, LowerBound: lowerBound, Reason: "lower bound above index"}
	}

	i := idx
	for i > lowerBound && a.series.SameDay(i-1, idx) {
		if !a.series.Timestamp(i).After(a.series.Timestamp(i - 1)) {
			return 0, &types.AlignmentError{Index: idx, LowerBound: lowerBound, Reason: "timestamps not strictly increasing"}
		}
		i--
	}
	return i, nil
}
