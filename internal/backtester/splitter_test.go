package backtester_test

import (
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/wf-validator/internal/backtester"
	"github.com/atlas-desktop/wf-validator/internal/timeseries"
	"github.com/atlas-desktop/wf-validator/pkg/types"
)

// hourlySeries starts at 2025-06-10 00:00 UTC
func hourlySeries(t *testing.T, n int) *timeseries.Series {
	t.Helper()
	start := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	ts := make([]time.Time, n)
	for i := range ts {
		ts[i] = start.Add(time.Duration(i) * time.Hour)
	}
	s, err := timeseries.FromTimestamps(ts, time.UTC)
	if err != nil {
		t.Fatalf("Failed to build series: %v", err)
	}
	return s
}

func TestAlignToDayStart(t *testing.T) {
	s := hourlySeries(t, 240)
	a := backtester.NewAligner(s)

	// 2025-06-15 10:00 snaps to 2025-06-15 00:00
	got, err := a.AlignToDayStart(130, 0)
	if err != nil {
		t.Fatalf("AlignToDayStart failed: %v", err)
	}
	if got != 120 {
		t.Errorf("Expected 120, got %d", got)
	}
	if ts := s.Timestamp(got); ts.Hour() != 0 || ts.Day() != 15 {
		t.Errorf("Expected midnight of the 15th, got %v", ts)
	}

	again, _ := a.AlignToDayStart(got, 0)
	if again != got {
		t.Errorf("Alignment not idempotent: %d then %d", got, again)
	}

	bounded, _ := a.AlignToDayStart(130, 125)
	if bounded != 125 {
		t.Errorf("Expected lower bound 125, got %d", bounded)
	}

	if _, err := a.AlignToDayStart(100, 101); !errors.Is(err, types.ErrAlignment) {
		t.Errorf("Expected alignment error for lb > idx, got %v", err)
	}
	if _, err := a.AlignToDayStart(240, 0); !errors.Is(err, types.ErrAlignment) {
		t.Errorf("Expected alignment error for out-of-range index, got %v", err)
	}
}

func TestSplitUnaligned(t *testing.T) {
	sp, err := backtester.NewSplitter(hourlySeries(t, 240), 0, 239)
	if err != nil {
		t.Fatalf("NewSplitter failed: %v", err)
	}

	w, err := sp.Split(0, 10, 0, backtester.Layout{ISBars: 20, GapBars: 2, OOSBars: 5, ForwardBars: 3})
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	want := types.Window{
		ISStart: 10, ISEnd: 29, GapStart: 30, OOSStart: 32, OOSEnd: 36,
		ForwardStart: 37, ForwardEnd: 39, HasForward: true,
	}
	if w != want {
		t.Errorf("Expected %+v, got %+v", want, w)
	}
	if w.GapBars() != 2 {
		t.Errorf("Expected 2 gap bars, got %d", w.GapBars())
	}
}

func TestSplitAlignedGapShrinks(t *testing.T) {
	sp, _ := backtester.NewSplitter(hourlySeries(t, 240), 0, 239)

	// gap_start lands at 02:00 and the OOS start at 07:00 the same day, so
	// aligning the OOS start stops at gap_start
	w, err := sp.Split(0, 0, 0, backtester.Layout{ISBars: 26, GapBars: 5, OOSBars: 24, ForwardBars: 10, Align: true})
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if w.GapStart != 26 || w.OOSStart != 26 {
		t.Errorf("Expected gap to shrink to zero at 26, got gap_start=%d oos_start=%d", w.GapStart, w.OOSStart)
	}
	if w.GapBars() != 0 {
		t.Errorf("Expected 0 gap bars, got %d", w.GapBars())
	}
	if w.ForwardStart != 48 || w.OOSEnd != 47 || w.ForwardEnd != 57 {
		t.Errorf("Unexpected forward boundaries: %+v", w)
	}
	if err := w.Validate(); err != nil {
		t.Errorf("Window invalid: %v", err)
	}
}

func TestSplitInsufficientHistory(t *testing.T) {
	sp, _ := backtester.NewSplitter(hourlySeries(t, 240), 0, 239)

	_, err := sp.Split(0, 230, 0, backtester.Layout{ISBars: 10, OOSBars: 10})
	if !errors.Is(err, types.ErrInsufficientHistory) {
		t.Fatalf("Expected insufficient history, got %v", err)
	}
	var ih *types.InsufficientHistoryError
	if !errors.As(err, &ih) || ih.Required != 20 || ih.Available != 10 {
		t.Errorf("Unexpected error detail: %+v", ih)
	}

	if _, err := sp.Split(0, 0, 0, backtester.Layout{ISBars: 0, OOSBars: 10}); !errors.Is(err, types.ErrConfig) {
		t.Errorf("Expected config error for zero IS, got %v", err)
	}
	if _, err := backtester.NewSplitter(hourlySeries(t, 10), 5, 20); !errors.Is(err, types.ErrConfig) {
		t.Errorf("Expected config error for bad history, got %v", err)
	}
}

func TestPlanRolling(t *testing.T) {
	sp, _ := backtester.NewSplitter(hourlySeries(t, 240), 0, 239)

	windows, skipped, err := sp.Plan(backtester.Layout{ISBars: 48, OOSBars: 24}, 0, false)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(windows) != 8 || len(skipped) != 0 {
		t.Fatalf("Expected 8 windows and no skips, got %d and %d", len(windows), len(skipped))
	}
	for i, w := range windows {
		if w.ID != i {
			t.Errorf("Window %d has id %d", i, w.ID)
		}
		if w.ISStart != 24*i {
			t.Errorf("Window %d: expected IS start %d, got %d", i, 24*i, w.ISStart)
		}
		if w.OOSStart != w.ISEnd+1 || w.OOS().Len() != 24 {
			t.Errorf("Window %d: bad OOS %+v", i, w.OOS())
		}
		if w.HasForward || w.Forward().Len() != 0 {
			t.Errorf("Window %d: unexpected forward range", i)
		}
	}
}

func TestPlanStopsWhenGapOverflows(t *testing.T) {
	sp, _ := backtester.NewSplitter(hourlySeries(t, 240), 0, 239)

	windows, skipped, err := sp.Plan(backtester.Layout{ISBars: 48, GapBars: 30, OOSBars: 24}, 24, false)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	// starts 0..120; a start of 144 needs bars up to 245
	if len(windows) != 6 {
		t.Errorf("Expected 6 windows, got %d", len(windows))
	}
	if len(skipped) != 0 {
		t.Fatalf("Expected no skipped cycles, got %+v", skipped)
	}
	if last := windows[len(windows)-1]; last.ISStart != 120 || last.OOSEnd != 221 {
		t.Errorf("Unexpected last window: %+v", last)
	}
}

func TestPlanAnchored(t *testing.T) {
	sp, _ := backtester.NewSplitter(hourlySeries(t, 240), 0, 239)

	windows, _, err := sp.Plan(backtester.Layout{ISBars: 48, OOSBars: 24}, 24, true)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(windows) != 8 {
		t.Fatalf("Expected 8 windows, got %d", len(windows))
	}
	for i, w := range windows {
		if w.ISStart != 0 {
			t.Errorf("Window %d: anchored IS start moved to %d", i, w.ISStart)
		}
		if w.IS().Len() != 48+24*i {
			t.Errorf("Window %d: expected IS length %d, got %d", i, 48+24*i, w.IS().Len())
		}
	}
}

func TestPlanAlignedStartsIncrease(t *testing.T) {
	sp, _ := backtester.NewSplitter(hourlySeries(t, 240), 0, 239)

	windows, _, err := sp.Plan(backtester.Layout{ISBars: 24, OOSBars: 24, Align: true}, 30, false)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	want := []int{0, 24, 48, 72, 120, 144, 168}
	if len(windows) != len(want) {
		t.Fatalf("Expected %d windows, got %d", len(want), len(windows))
	}
	for i, w := range windows {
		if w.ISStart != want[i] {
			t.Errorf("Window %d: expected IS start %d, got %d", i, want[i], w.ISStart)
		}
		if i > 0 && w.ISStart <= windows[i-1].ISStart {
			t.Errorf("Window %d: IS start not increasing", i)
		}
	}
}
