package backtester

import (
	"errors"

	"github.com/atlas-desktop/wf-validator/pkg/types"
)

// cursor walks window start positions. Rolling mode moves the start by step
// each cycle; anchored mode keeps the start at the origin and grows the
// in-sample length by step instead.
type cursor struct {
	origin      int
	start       int
	step        int
	anchored    bool
	grown       int
	prevISStart int
}

func newCursor(origin, step int, anchored bool) *cursor {
	return &cursor{
		origin:      origin,
		start:       origin,
		step:        step,
		anchored:    anchored,
		prevISStart: -1,
	}
}

// done reports whether the next window's full span, gap included, would
// run past the history end
func (c *cursor) done(layout Layout, historyEnd int) bool {
	return c.start+c.grown+layout.Span()-1 > historyEnd
}

// next returns the start, the alignment lower bound and the layout of the
// next window
func (c *cursor) next(layout Layout) (int, int, Layout) {
	if c.anchored {
		layout.ISBars += c.grown
		return c.origin, c.origin, layout
	}
	lb := c.origin
	if c.prevISStart >= 0 {
		lb = c.prevISStart + 1
	}
	return c.start, lb, layout
}

// advance records the IS start just used and moves to the next cycle
func (c *cursor) advance(isStart int) {
	c.prevISStart = isStart
	if c.anchored {
		c.grown += c.step
		return
	}
	c.start += c.step
}

// isSkippable reports errors that skip one window rather than abort the plan
func isSkippable(err error) bool {
	return errors.Is(err, types.ErrInsufficientHistory)
}
