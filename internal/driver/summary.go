package driver

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
)

// defaultInvalidRateWarnPct is the invalid-rate percentage above which
// WriteSummary highlights the summary line, matching §7's configurable
// invalid_rate_warn_pct default.
const defaultInvalidRateWarnPct = 5.0

// WriteSummary renders a human-readable end-of-run summary to w: a
// go-pretty table of valid/invalid counts and category totals (from
// stats.CategoryTotals), followed by a "N valid / M invalid (P%)" line that
// fatih/color highlights yellow past warnPct and red past 2x warnPct.
// warnPct <= 0 falls back to defaultInvalidRateWarnPct.
func WriteSummary(w io.Writer, stats Stats, warnPct float64) {
	if warnPct <= 0 {
		warnPct = defaultInvalidRateWarnPct
	}

	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.Style().Options.SeparateColumns = false
	tbl.Style().Options.DrawBorder = false
	tbl.Style().Options.SeparateHeader = false

	tbl.AppendHeader(table.Row{"metric", "value"})
	tbl.AppendRow(table.Row{"valid", stats.Valid})
	tbl.AppendRow(table.Row{"invalid", stats.Invalid})
	tbl.AppendRow(table.Row{"segments", stats.Segments})
	tbl.AppendRow(table.Row{"correlator hits", stats.CorrelatorHits})
	tbl.AppendRow(table.Row{"correlator misses", stats.CorrelatorMiss})
	tbl.AppendRow(table.Row{"evicted orphaned", stats.EvictedOrphaned})

	for _, cat := range breakdownCategories {
		tbl.AppendRow(table.Row{cat, formatDuration(stats.CategoryTotals[cat])})
	}

	tbl.AppendFooter(table.Row{"total traces", stats.Total()})
	tbl.Render()

	ratePct := stats.InvalidRate() * 100

	line := fmt.Sprintf("%d valid / %d invalid (%.1f%%)\n", stats.Valid, stats.Invalid, ratePct)

	switch {
	case ratePct > warnPct*2:
		color.New(color.FgRed, color.Bold).Fprint(w, line)
	case ratePct > warnPct:
		color.New(color.FgYellow).Fprint(w, line)
	default:
		fmt.Fprint(w, line)
	}
}
