package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/atlas-desktop/wf-validator/internal/backtester"
	"github.com/atlas-desktop/wf-validator/internal/timeseries"
	"github.com/atlas-desktop/wf-validator/pkg/types"
	"github.com/atlas-desktop/wf-validator/pkg/utils"
)

const timeLayout = "2006-01-02 15:04"

func printPlan(series *timeseries.Series, cfg types.WalkForwardConfig) error {
	splitter, err := backtester.NewSplitter(series, 0, series.Len()-1)
	if err != nil {
		return err
	}
	windows, skipped, err := splitter.Plan(backtester.LayoutFromConfig(cfg), cfg.Step(), cfg.Anchored)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("WINDOW PLAN")
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"#", "IS", "OOS", "Forward"})
	for _, w := range windows {
		times := backtester.WindowTimes(series, w)
		fwd := "-"
		if w.HasForward {
			fwd = span(times.ForwardStart, times.ForwardEnd, w.ForwardStart, w.ForwardEnd)
		}
		t.AppendRow(table.Row{
			w.ID,
			span(times.ISStart, times.ISEnd, w.ISStart, w.ISEnd),
			span(times.OOSStart, times.OOSEnd, w.OOSStart, w.OOSEnd),
			fwd,
		})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d windows", len(windows)), fmt.Sprintf("%d skipped", len(skipped)), ""})
	t.Render()
	return nil
}

func printReport(report *types.RunReport, candidates bool) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("WALK-FORWARD RESULTS")
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"#", "IS start", "OOS start", "OOS end", "Study", "Failed", "Best", "Best OOS Sharpe", "Efficiency"})

	for _, w := range report.Windows {
		best := "-"
		bestSharpe := "-"
		efficiency := "-"
		if w.EfficiencyDefined {
			efficiency = fmt.Sprintf("%.2f", w.Efficiency)
		}
		for _, r := range w.Records {
			if r.TrialID == w.BestTrialID && r.OOS != nil && r.OOS.Metrics != nil {
				best = fmt.Sprintf("%s (%s)", r.TrialID, r.Source)
				bestSharpe = fmt.Sprintf("%.3f", r.OOS.Metrics.Sharpe)
			}
		}
		t.AppendRow(table.Row{
			w.Window.ID,
			w.Times.ISStart.Format(timeLayout),
			w.Times.OOSStart.Format(timeLayout),
			w.Times.OOSEnd.Format(timeLayout),
			w.StudySize,
			w.Failures,
			best,
			bestSharpe,
			efficiency,
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 8, Align: text.AlignRight},
		{Number: 9, Align: text.AlignRight},
	})
	t.Render()
	fmt.Println()

	if candidates {
		for _, w := range report.Windows {
			printCandidates(w)
		}
	}

	s := table.NewWriter()
	s.SetOutputMirror(os.Stdout)
	s.SetTitle("RUN SUMMARY")
	s.SetStyle(table.StyleRounded)
	s.AppendRows([]table.Row{
		{"Study", report.StudyID},
		{"Mode", report.Mode},
		{"Strategy", report.Strategy},
		{"Windows", len(report.Windows)},
		{"Skipped", len(report.Skipped)},
		{"Efficiency", fmt.Sprintf("%.2f", report.Efficiency)},
		{"Duration", utils.FormatDuration(report.Duration)},
	})
	if len(report.PersistenceErrors) > 0 {
		s.AppendSeparator()
		s.AppendRow(table.Row{"Persistence errors", strings.Join(report.PersistenceErrors, "\n")})
	}
	s.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 18, WidthMax: 18, Align: text.AlignLeft},
		{Number: 2, WidthMin: 25, WidthMax: 60, Align: text.AlignLeft},
	})
	s.Render()
}

func printCandidates(w *types.WindowResult) {
	records := make([]*types.TrialRecord, len(w.Records))
	copy(records, w.Records)
	sort.SliceStable(records, func(i, j int) bool {
		ri, rj := records[i].OOSRank, records[j].OOSRank
		if (ri == 0) != (rj == 0) {
			return rj == 0
		}
		return ri < rj
	})

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle(fmt.Sprintf("WINDOW %d CANDIDATES", w.Window.ID))
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"OOS rank", "Trial", "Source", "Params", "IS Sharpe", "OOS Sharpe", "Status"})
	for _, r := range records {
		status := "ok"
		if r.Failed() {
			status = "failed"
			if r.Failure != nil {
				status = string(r.Failure.Kind)
			}
		}
		t.AppendRow(table.Row{
			rankLabel(r.OOSRank),
			r.TrialID,
			fmt.Sprintf("%s #%d", r.Source, r.SourceRank),
			formatParams(r.Params),
			trialSharpe(r.IS),
			trialSharpe(r.OOS),
			status,
		})
	}
	if len(w.SearchFailures) > 0 {
		t.AppendSeparator()
		for _, f := range w.SearchFailures {
			t.AppendRow(table.Row{"-", f.TrialID, string(f.Role), f.Failure.Message, "-", "-", string(f.Failure.Kind)})
		}
	}
	t.Render()
	fmt.Println()
}

func span(from, to time.Time, start, end int) string {
	return fmt.Sprintf("%s .. %s [%d-%d]", from.Format(timeLayout), to.Format(timeLayout), start, end)
}

func rankLabel(rank int) string {
	if rank == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", rank)
}

func trialSharpe(t *types.Trial) string {
	if t == nil || t.Metrics == nil {
		return "-"
	}
	return fmt.Sprintf("%.3f", t.Metrics.Sharpe)
}

func formatParams(ps types.ParameterSet) string {
	keys := make([]string, 0, len(ps))
	for k := range ps {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, ps[k])
	}
	return strings.Join(parts, " ")
}
