package backtester

import (
	"fmt"

	"github.com/atlas-desktop/wf-validator/internal/timeseries"
	"github.com/atlas-desktop/wf-validator/pkg/types"
)

// Layout holds the per-window lengths, in bars
type Layout struct {
	ISBars      int  `json:"isBars"`
	GapBars     int  `json:"gapBars"`
	OOSBars     int  `json:"oosBars"`
	ForwardBars int  `json:"forwardBars"`
	Align       bool `json:"align"`
}

// LayoutFromConfig builds a layout from walk-forward configuration
func LayoutFromConfig(cfg types.WalkForwardConfig) Layout {
	return Layout{
		ISBars:      cfg.ISBars,
		GapBars:     cfg.GapBars,
		OOSBars:     cfg.OOSBars,
		ForwardBars: cfg.ForwardBars,
		Align:       cfg.Align,
	}
}

// Span returns the unaligned number of bars one window covers
func (l Layout) Span() int {
	return l.ISBars + l.GapBars + l.OOSBars + l.ForwardBars
}

// Validate checks the layout lengths
func (l Layout) Validate() error {
	var errs types.ConfigErrors
	if l.ISBars < 1 {
		errs = append(errs, &types.ConfigError{Field: "is_bars", Message: fmt.Sprintf("must be >= 1, got %d", l.ISBars)})
	}
	if l.GapBars < 0 {
		errs = append(errs, &types.ConfigError{Field: "gap_bars", Message: fmt.Sprintf("must be >= 0, got %d", l.GapBars)})
	}
	if l.OOSBars < 1 {
		errs = append(errs, &types.ConfigError{Field: "oos_bars", Message: fmt.Sprintf("must be >= 1, got %d", l.OOSBars)})
	}
	if l.ForwardBars < 0 {
		errs = append(errs, &types.ConfigError{Field: "forward_bars", Message: fmt.Sprintf("must be >= 0, got %d", l.ForwardBars)})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Splitter turns a start index and a layout into window boundaries over
// the history range [historyStart, historyEnd].
type Splitter struct {
	series       *timeseries.Series
	aligner      *Aligner
	historyStart int
	historyEnd   int
}

// NewSplitter creates a splitter over the given history range of a series
func NewSplitter(series *timeseries.Series, historyStart, historyEnd int) (*Splitter, error) {
	if historyStart < 0 || historyEnd >= series.Len() || historyStart > historyEnd {
		return nil, &types.ConfigError{
			Field:   "history",
			Message: fmt.Sprintf("range [%d, %d] invalid for %d bars", historyStart, historyEnd, series.Len()),
		}
	}
	return &Splitter{
		series:       series,
		aligner:      NewAligner(series),
		historyStart: historyStart,
		historyEnd:   historyEnd,
	}, nil
}

// HistoryStart returns the first usable bar index
func (s *Splitter) HistoryStart() int { return s.historyStart }

// HistoryEnd returns the last usable bar index
func (s *Splitter) HistoryEnd() int { return s.historyEnd }

// Split computes window id starting at start. With alignment enabled each
// role start is snapped to its day start without crossing lowerBound (for
// the IS start) or the preceding boundary (for the OOS and forward starts).
func (s *Splitter) Split(id, start, lowerBound int, layout Layout) (types.Window, error) {
	if err := layout.Validate(); err != nil {
		return types.Window{}, err
	}
	if start < s.historyStart {
		return types.Window{}, &types.ConfigError{
			Field:   "start",
			Message: fmt.Sprintf("start %d before history start %d", start, s.historyStart),
		}
	}
	if lowerBound < s.historyStart {
		lowerBound = s.historyStart
	}
	if lowerBound > start {
		lowerBound = start
	}
	if last := start + layout.Span() - 1; last > s.historyEnd {
		return types.Window{}, s.insufficient(start, last)
	}

	w := types.Window{ID: id, ISStart: start, HasForward: layout.ForwardBars > 0}

	var err error
	if layout.Align {
		if w.ISStart, err = s.aligner.AlignToDayStart(start, lowerBound); err != nil {
			return types.Window{}, err
		}
	}
	w.ISEnd = w.ISStart + layout.ISBars - 1
	w.GapStart = w.ISEnd + 1

	w.OOSStart = w.GapStart + layout.GapBars
	if w.OOSStart > s.historyEnd {
		return types.Window{}, s.insufficient(start, w.OOSStart)
	}
	if layout.Align {
		if w.OOSStart, err = s.aligner.AlignToDayStart(w.OOSStart, w.GapStart); err != nil {
			return types.Window{}, err
		}
	}

	if !w.HasForward {
		w.OOSEnd = w.OOSStart + layout.OOSBars - 1
		if w.OOSEnd > s.historyEnd {
			return types.Window{}, s.insufficient(start, w.OOSEnd)
		}
		return w, w.Validate()
	}

	w.ForwardStart = w.OOSStart + layout.OOSBars
	if w.ForwardStart > s.historyEnd {
		return types.Window{}, s.insufficient(start, w.ForwardStart)
	}
	if layout.Align {
		if w.ForwardStart, err = s.aligner.AlignToDayStart(w.ForwardStart, w.OOSStart+1); err != nil {
			return types.Window{}, err
		}
	}
	w.OOSEnd = w.ForwardStart - 1
	w.ForwardEnd = w.ForwardStart + layout.ForwardBars - 1
	if w.ForwardEnd > s.historyEnd {
		return types.Window{}, s.insufficient(start, w.ForwardEnd)
	}

	return w, w.Validate()
}

// Plan enumerates every window of a walk-forward run without simulating.
// A step of zero means the OOS length.
func (s *Splitter) Plan(layout Layout, step int, anchored bool) ([]types.Window, []types.SkippedWindow, error) {
	if err := layout.Validate(); err != nil {
		return nil, nil, err
	}
	if step <= 0 {
		step = layout.OOSBars
	}

	var (
		windows []types.Window
		skipped []types.SkippedWindow
	)
	cursor := newCursor(s.historyStart, step, anchored)
	for cycle := 0; !cursor.done(layout, s.historyEnd); cycle++ {
		start, lb, current := cursor.next(layout)
		w, err := s.Split(len(windows), start, lb, current)
		if err != nil {
			if !isSkippable(err) {
				return nil, nil, err
			}
			skipped = append(skipped, types.SkippedWindow{Cycle: cycle, Start: start, Reason: err.Error()})
			cursor.advance(start)
			continue
		}
		windows = append(windows, w)
		cursor.advance(w.ISStart)
	}
	return windows, skipped, nil
}

func (s *Splitter) insufficient(start, last int) error {
	return &types.InsufficientHistoryError{
		Start:     start,
		Required:  last - start + 1,
		Available: s.historyEnd - start + 1,
	}
}
