package types

import "fmt"

// Range is an inclusive range of bar indices
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of bars in the range
func (r Range) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Window is one walk-forward window. All indices are inclusive bar indices
// into the same series. The gap spans [GapStart, OOSStart-1] and is empty
// when GapStart == OOSStart.
type Window struct {
	ID           int  `json:"id"`
	ISStart      int  `json:"isStart"`
	ISEnd        int  `json:"isEnd"`
	GapStart     int  `json:"gapStart"`
	OOSStart     int  `json:"oosStart"`
	OOSEnd       int  `json:"oosEnd"`
	ForwardStart int  `json:"forwardStart"`
	ForwardEnd   int  `json:"forwardEnd"`
	HasForward   bool `json:"hasForward"`
}

// IS returns the in-sample range
func (w Window) IS() Range { return Range{Start: w.ISStart, End: w.ISEnd} }

// OOS returns the out-of-sample range
func (w Window) OOS() Range { return Range{Start: w.OOSStart, End: w.OOSEnd} }

// Forward returns the forward range; empty when the window has none
func (w Window) Forward() Range {
	if !w.HasForward {
		return Range{Start: w.OOSEnd + 1, End: w.OOSEnd}
	}
	return Range{Start: w.ForwardStart, End: w.ForwardEnd}
}

// GapBars returns the effective gap length
func (w Window) GapBars() int { return w.OOSStart - w.GapStart }

// Last returns the last bar index used by the window
func (w Window) Last() int {
	if w.HasForward {
		return w.ForwardEnd
	}
	return w.OOSEnd
}

// Validate checks the ordering invariant
// is_start <= is_end < gap_start <= oos_start <= oos_end < forward_start <= forward_end.
func (w Window) Validate() error {
	switch {
	case w.ISStart < 0:
		return fmt.Errorf("window %d: negative is_start %d", w.ID, w.ISStart)
	case w.ISStart > w.ISEnd:
		return fmt.Errorf("window %d: is_start %d > is_end %d", w.ID, w.ISStart, w.ISEnd)
	case w.ISEnd >= w.GapStart:
		return fmt.Errorf("window %d: is_end %d >= gap_start %d", w.ID, w.ISEnd, w.GapStart)
	case w.GapStart > w.OOSStart:
		return fmt.Errorf("window %d: gap_start %d > oos_start %d", w.ID, w.GapStart, w.OOSStart)
	case w.OOSStart > w.OOSEnd:
		return fmt.Errorf("window %d: oos_start %d > oos_end %d", w.ID, w.OOSStart, w.OOSEnd)
	}
	if !w.HasForward {
		return nil
	}
	if w.OOSEnd >= w.ForwardStart {
		return fmt.Errorf("window %d: oos_end %d >= forward_start %d", w.ID, w.OOSEnd, w.ForwardStart)
	}
	if w.ForwardStart > w.ForwardEnd {
		return fmt.Errorf("window %d: forward_start %d > forward_end %d", w.ID, w.ForwardStart, w.ForwardEnd)
	}
	return nil
}
