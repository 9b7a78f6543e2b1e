package driver

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/joe4dev/trigger-bench/internal/breakdown"
	"github.com/joe4dev/trigger-bench/internal/trigger"
)

// breakdownCSVHeader is the bit-exact field order from the external
// interface contract, including the "queing" (sic) spelling preserved
// byte-for-byte for downstream tooling compatibility.
var breakdownCSVHeader = []string{
	"trace_id", "start_time", "end_time", "duration", "url",
	"num_cold_starts", "errors", "throttles", "faults",
	"services", "longest_path_names",
	"orchestration", "trigger", "container_initialization",
	"runtime_initialization", "computation", "queing", "overhead",
	"external_service", "unclassified",
}

// breakdownCategories lists, in CSV column order, the category keys pulled
// out of Result.Totals.
var breakdownCategories = []string{
	"orchestration", "trigger", "container_initialization",
	"runtime_initialization", "computation", "queing", "overhead",
	"external_service", "unclassified",
}

var triggerCSVHeader = []string{
	"root_trace_id", "child_trace_id",
	"t1", "t2", "t3", "t4", "t5", "t6", "t7", "t8", "t9",
	"coldstart_f1", "coldstart_f2",
}

var invalidCSVHeader = []string{"trace_id", "message"}

// breakdownWriter serializes breakdown.Result rows to the trace_breakdown.csv
// format, one writer per output file. It has no internal locking:
// RunBreakdown's workers hold a shared mutex around every write.
type breakdownWriter struct {
	w *csv.Writer
}

func newBreakdownWriter(w io.Writer) (*breakdownWriter, error) {
	cw := csv.NewWriter(w)

	if err := cw.Write(breakdownCSVHeader); err != nil {
		return nil, fmt.Errorf("driver: write breakdown header: %w", err)
	}

	return &breakdownWriter{w: cw}, nil
}

// write emits one row for traceID/duration/url/g-level stats computed from
// result, matching CSV_FIELDS field-for-field.
func (bw *breakdownWriter) write(traceID string, declaredDuration, startTime, endTime float64, url string,
	errors, faults, throttles int, services, longestPathNames []string, result *breakdown.Result,
) error {
	row := make([]string, 0, len(breakdownCSVHeader))
	row = append(row,
		traceID,
		formatEpoch(startTime),
		formatEpoch(endTime),
		formatDuration(declaredDuration),
		url,
		strconv.Itoa(result.NumColdStarts),
		strconv.Itoa(errors),
		strconv.Itoa(throttles),
		strconv.Itoa(faults),
		strings.Join(services, ";"),
		strings.Join(longestPathNames, ";"),
	)

	for _, cat := range breakdownCategories {
		row = append(row, formatDuration(result.Totals[cat]))
	}

	if err := bw.w.Write(row); err != nil {
		return fmt.Errorf("driver: write breakdown row %q: %w", traceID, err)
	}

	return nil
}

func (bw *breakdownWriter) flush() error {
	bw.w.Flush()

	if err := bw.w.Error(); err != nil {
		return fmt.Errorf("driver: flush breakdown csv: %w", err)
	}

	return nil
}

// triggerWriter serializes trigger.Row values to the trigger-correlation CSV
// format.
type triggerWriter struct {
	w *csv.Writer
}

func newTriggerWriter(w io.Writer) (*triggerWriter, error) {
	cw := csv.NewWriter(w)

	if err := cw.Write(triggerCSVHeader); err != nil {
		return nil, fmt.Errorf("driver: write trigger header: %w", err)
	}

	return &triggerWriter{w: cw}, nil
}

func (tw *triggerWriter) write(row trigger.Row) error {
	out := make([]string, 0, len(triggerCSVHeader))
	out = append(out, row.RootTraceID, row.ChildTraceID)

	for n := 1; n <= 9; n++ {
		v, ok := row.T(n)
		if !ok {
			out = append(out, "")

			continue
		}

		out = append(out, formatEpoch(v))
	}

	out = append(out, strconv.FormatBool(row.ColdStartF1), strconv.FormatBool(row.ColdStartF2))

	if err := tw.w.Write(out); err != nil {
		return fmt.Errorf("driver: write trigger row %q/%q: %w", row.RootTraceID, row.ChildTraceID, err)
	}

	return nil
}

func (tw *triggerWriter) flush() error {
	tw.w.Flush()

	if err := tw.w.Error(); err != nil {
		return fmt.Errorf("driver: flush trigger csv: %w", err)
	}

	return nil
}

// invalidWriter serializes (trace_id, message) rows shared by both the
// breakdown and trigger analyzers' invalid-trace sinks.
type invalidWriter struct {
	w *csv.Writer
}

func newInvalidWriter(w io.Writer) (*invalidWriter, error) {
	cw := csv.NewWriter(w)

	if err := cw.Write(invalidCSVHeader); err != nil {
		return nil, fmt.Errorf("driver: write invalid header: %w", err)
	}

	return &invalidWriter{w: cw}, nil
}

func (iw *invalidWriter) write(traceID, message string) error {
	if err := iw.w.Write([]string{traceID, message}); err != nil {
		return fmt.Errorf("driver: write invalid row %q: %w", traceID, err)
	}

	return nil
}

func (iw *invalidWriter) flush() error {
	iw.w.Flush()

	if err := iw.w.Error(); err != nil {
		return fmt.Errorf("driver: flush invalid csv: %w", err)
	}

	return nil
}

// formatEpoch renders an epoch timestamp as seconds with fractional
// precision, per §6 ("start/end times as epoch seconds with fractional
// precision").
func formatEpoch(epoch float64) string {
	return strconv.FormatFloat(epoch, 'f', 6, 64)
}

// formatDuration renders a duration given in seconds as H:MM:SS.ffffff, the
// format §6 requires byte-for-byte: no leading zero-padding on the hour
// component, always exactly six fractional digits.
func formatDuration(seconds float64) string {
	totalMicros := int64(math.Round(seconds * 1e6))

	negative := totalMicros < 0
	if negative {
		totalMicros = -totalMicros
	}

	const (
		microsPerSecond = 1_000_000
		secondsPerHour  = 3600
		secondsPerMin   = 60
	)

	wholeSeconds := totalMicros / microsPerSecond
	micros := totalMicros % microsPerSecond

	hours := wholeSeconds / secondsPerHour
	minutes := (wholeSeconds % secondsPerHour) / secondsPerMin
	secs := wholeSeconds % secondsPerMin

	var b strings.Builder
	if negative {
		b.WriteByte('-')
	}

	fmt.Fprintf(&b, "%d:%02d:%02d.%06d", hours, minutes, secs, micros)

	return b.String()
}
