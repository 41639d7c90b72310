// Package timeseries provides the immutable bar series the engine splits into windows.
package timeseries

import (
	"fmt"
	"sort"
	"time"

	"github.com/atlas-desktop/wf-validator/pkg/types"
)

// Series is an ordered, read-only sequence of bars with strictly increasing
// timestamps. Calendar-day queries use the series location.
type Series struct {
	bars []types.Bar
	loc  *time.Location
}

// New creates a series after checking timestamps are strictly increasing.
// A nil location means UTC.
func New(bars []types.Bar, loc *time.Location) (*Series, error) {
	if loc == nil {
		loc = time.UTC
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			return nil, fmt.Errorf("bar %d at %s is not after bar %d at %s",
				i, bars[i].Timestamp.Format(time.RFC3339), i-1, bars[i-1].Timestamp.Format(time.RFC3339))
		}
	}
	owned := make([]types.Bar, len(bars))
	copy(owned, bars)
	return &Series{bars: owned, loc: loc}, nil
}

// Len returns the number of bars
func (s *Series) Len() int { return len(s.bars) }

// Location returns the timezone used for calendar-day queries
func (s *Series) Location() *time.Location { return s.loc }

// Bar returns the bar at index i
func (s *Series) Bar(i int) types.Bar { return s.bars[i] }

// Timestamp returns the timestamp of bar i
func (s *Series) Timestamp(i int) time.Time { return s.bars[i].Timestamp }

// Bars returns the underlying bars; callers must not modify them.
func (s *Series) Bars() []types.Bar { return s.bars }

// Date returns the calendar date of bar i in the series location.
func (s *Series) Date(i int) (year int, month time.Month, day int) {
	return s.bars[i].Timestamp.In(s.loc).Date()
}

// SameDay reports whether bars i and j fall on the same calendar date.
func (s *Series) SameDay(i, j int) bool {
	y1, m1, d1 := s.Date(i)
	y2, m2, d2 := s.Date(j)
	return y1 == y2 && m1 == m2 && d1 == d2
}

// IndexOf returns the index of the first bar at or after t, or Len() if none.
func (s *Series) IndexOf(t time.Time) int {
	return sort.Search(len(s.bars), func(i int) bool {
		return !s.bars[i].Timestamp.Before(t)
	})
}

// Slice returns the bars in the inclusive index range [start, end] as a new
// series sharing storage with s.
func (s *Series) Slice(start, end int) (*Series, error) {
	if start < 0 || end >= len(s.bars) || start > end {
		return nil, fmt.Errorf("slice [%d, %d] out of range for %d bars", start, end, len(s.bars))
	}
	return &Series{bars: s.bars[start : end+1 : end+1], loc: s.loc}, nil
}

// WithWarmup returns the bars of r preceded by up to warmup earlier bars,
// never reaching below floor. The second result is the warmup actually used.
func (s *Series) WithWarmup(r types.Range, warmup, floor int) (*Series, int, error) {
	if warmup < 0 {
		warmup = 0
	}
	if floor < 0 {
		floor = 0
	}
	start := r.Start - warmup
	if start < floor {
		start = floor
	}
	if start > r.Start {
		start = r.Start
	}
	sub, err := s.Slice(start, r.End)
	if err != nil {
		return nil, 0, err
	}
	return sub, r.Start - start, nil
}
