// Package driver runs segment.Source traces through the span-graph,
// breakdown, and trigger-correlation pipelines at batch scale: a bounded
// worker pool fans out CPU-bound per-trace analysis, the workers share one
// mutex that serializes the CSV rows written to the output files, and
// context cancellation is honored between traces. Each trace also gets a
// per-trace deadline that is checked once, before its analysis starts; an
// analysis already under way is not interrupted when the deadline passes.
//
// The trigger correlator is the one exception to "fan out freely": its
// bounded cache is read and written by a single goroutine per input file
// (§5 — "the trigger correlator's cache requires all lines from a single
// input pass, so it is single-threaded within one file"), so RunTrigger
// never spreads Correlator.Feed calls across workers regardless of the
// configured worker count.
//
// Ground truth: AwsTraceAnalyzer.analyze_traces /
// AwsTraceTriggerAnalyzer.analyze_traces, restructured around a worker pool
// the way pkg/framework/runner.go fans analyzers out over a commit
// sequence.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/joe4dev/trigger-bench/internal/breakdown"
	"github.com/joe4dev/trigger-bench/internal/segment"
	"github.com/joe4dev/trigger-bench/internal/spangraph"
	"github.com/joe4dev/trigger-bench/internal/trigger"
	"github.com/joe4dev/trigger-bench/pkg/observability"
)

// tracerName is the default OTel tracer name used when Options.Tracer is
// nil, matching pkg/framework/runner.go's tracerName fallback pattern.
const tracerName = "tracebench"

const (
	spanBatch             = "tracebench.batch"
	spanSegmentParse      = "tracebench.segment.parse"
	spanBreakdownAnalyze  = "tracebench.breakdown.analyze"
	spanTriggerCorrelate  = "tracebench.trigger.correlate"
	defaultQueueDepth     = 64
	defaultPerTraceBudget = 30 * time.Second
)

// SkipPredicate reports whether traceID already has an output row and
// should be skipped. Consulted only when Options.AlwaysAnalyze is false.
// Kept storage-agnostic: the caller supplies the predicate; no concrete
// predicate ships with this module, and cmd/tracebench sets none.
type SkipPredicate func(traceID string) bool

// Options configures a Driver. Zero values fall back to sane defaults
// (runtime.NumCPU() workers, a 64-deep queue, no per-trace timeout cap
// beyond defaultPerTraceBudget).
type Options struct {
	Workers            int
	QueueDepth         int
	PerTraceTimeout    time.Duration
	TimestampMargin    time.Duration
	TimestampThreshold time.Duration
	NumReceivers       int
	CorrelatorCache    int
	AlwaysAnalyze      bool
	Skip               SkipPredicate

	Tracer  trace.Tracer
	Metrics *observability.AnalysisMetrics
	Logger  *slog.Logger

	// OnCorrelatorReady, if set, is called once with the freshly created
	// trigger.Correlator before RunTrigger starts feeding it traces. It
	// exists so callers can wire observability.RegisterCacheMetrics against
	// the live correlator instance, which RunTrigger otherwise keeps
	// private to its own call stack.
	OnCorrelatorReady func(*trigger.Correlator)
}

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}

	return runtime.NumCPU()
}

func (o Options) queueDepth() int {
	if o.QueueDepth > 0 {
		return o.QueueDepth
	}

	return defaultQueueDepth
}

func (o Options) perTraceTimeout() time.Duration {
	if o.PerTraceTimeout > 0 {
		return o.PerTraceTimeout
	}

	return defaultPerTraceBudget
}

func (o Options) tracer() trace.Tracer {
	if o.Tracer != nil {
		return o.Tracer
	}

	return otel.Tracer(tracerName)
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}

	return slog.Default()
}

// Driver drives batch analysis over a segment.Source.
type Driver struct {
	opts Options
}

// New creates a Driver with the given options.
func New(opts Options) *Driver {
	return &Driver{opts: opts}
}

// Stats summarizes one completed Run, both for the observability.AnalysisStats
// wire-up and for the end-of-run human summary.
type Stats struct {
	Valid           int64
	Invalid         int64
	Segments        int64
	TraceDurations  []time.Duration
	CorrelatorHits  int64
	CorrelatorMiss  int64
	EvictedOrphaned int64

	// CategoryTotals sums each breakdown category's duration across every
	// valid trace in the run, feeding WriteSummary's per-category rows.
	CategoryTotals map[string]float64
}

// Total reports Valid + Invalid.
func (s Stats) Total() int64 { return s.Valid + s.Invalid }

// InvalidRate reports the fraction (0..1) of traces that landed in the
// invalid sink, 0 if none were processed.
func (s Stats) InvalidRate() float64 {
	if s.Total() == 0 {
		return 0
	}

	return float64(s.Invalid) / float64(s.Total())
}

// traceJob is one trace pulled off the source, or the error the source
// reported in its place (processing order is unconstrained).
type traceJob struct {
	trace segment.Trace
	err   error
}

// RunBreakdown streams src through span-graph construction, critical-path
// search, and breakdown analysis, writing valid rows to breakdownOut and
// failures to invalidOut. It honors ctx cancellation between traces.
func (d *Driver) RunBreakdown(ctx context.Context, src segment.Source, breakdownOut, invalidOut io.Writer) (Stats, error) {
	ctx, rootSpan := d.opts.tracer().Start(ctx, spanBatch)
	defer rootSpan.End()

	bw, err := newBreakdownWriter(breakdownOut)
	if err != nil {
		return Stats{}, err
	}

	iw, err := newInvalidWriter(invalidOut)
	if err != nil {
		return Stats{}, err
	}

	jobs := make(chan traceJob, d.opts.queueDepth())

	var readErr error

	go func() {
		defer close(jobs)

		readErr = readSource(ctx, src, jobs)
	}()

	var (
		mu    sync.Mutex
		stats Stats
	)

	var wg sync.WaitGroup

	workers := d.opts.workers()
	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for job := range jobs {
				d.processBreakdownJob(ctx, job, bw, iw, &mu, &stats)
			}
		}()
	}

	wg.Wait()

	if err := bw.flush(); err != nil {
		return stats, err
	}

	if err := iw.flush(); err != nil {
		return stats, err
	}

	if readErr != nil {
		return stats, fmt.Errorf("driver: read source: %w", readErr)
	}

	d.opts.Metrics.RecordRun(ctx, observability.AnalysisStats{
		Traces:         stats.Total(),
		Segments:       stats.Segments,
		TraceDurations: stats.TraceDurations,
	})

	return stats, nil
}

func (d *Driver) processBreakdownJob(
	ctx context.Context, job traceJob, bw *breakdownWriter, iw *invalidWriter, mu *sync.Mutex, stats *Stats,
) {
	if job.err != nil {
		d.recordInvalid(ctx, iw, mu, stats, "", job.err)

		return
	}

	trace := job.trace

	if d.opts.Skip != nil && !d.opts.AlwaysAnalyze && d.opts.Skip(trace.ID) {
		return
	}

	traceCtx, cancel := context.WithTimeout(ctx, d.opts.perTraceTimeout())
	defer cancel()

	row, state, err := d.analyzeBreakdown(traceCtx, trace)
	if err != nil {
		d.recordInvalid(ctx, iw, mu, stats, trace.ID, err)

		return
	}

	d.opts.Metrics.RecordTraceState(ctx, string(state))

	mu.Lock()
	defer mu.Unlock()

	writeErr := bw.write(trace.ID, trace.Duration, row.graph.StartTime, row.graph.EndTime, row.graph.URL,
		row.graph.Errors, row.graph.Faults, row.graph.Throttles, row.graph.Services, row.result.LongestPathNames,
		row.result)
	if writeErr != nil {
		d.opts.logger().ErrorContext(ctx, "driver: write breakdown row failed", "trace_id", trace.ID, "error", writeErr)

		return
	}

	stats.Valid++
	stats.Segments += int64(row.graph.NodeCount())
	stats.TraceDurations = append(stats.TraceDurations, time.Duration(trace.Duration*float64(time.Second)))

	if stats.CategoryTotals == nil {
		stats.CategoryTotals = make(map[string]float64, len(breakdownCategories))
	}

	for _, cat := range breakdownCategories {
		stats.CategoryTotals[cat] += row.result.Totals[cat]
	}
}

// breakdownOutcome bundles the intermediate results a successful breakdown
// run needs to hand to the CSV writer.
type breakdownOutcome struct {
	graph  *spangraph.Graph
	result *breakdown.Result
}

// analyzeBreakdown runs GraphBuilt -> PathFound -> BrokenDown inside a
// recovered fault boundary (§4.5 — "inside a recovered fault boundary") so a
// panic in one trace's analysis demotes that trace to invalid rather than
// crashing the batch.
func (d *Driver) analyzeBreakdown(ctx context.Context, tr segment.Trace) (outcome breakdownOutcome, state traceState, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("driver: panic analyzing trace %q: %v", tr.ID, r)
			state = stateInvalid
		}
	}()

	_, parseSpan := d.opts.tracer().Start(ctx, spanSegmentParse)
	parseSpan.End()

	analyzeCtx, analyzeSpan := d.opts.tracer().Start(ctx, spanBreakdownAnalyze)
	defer analyzeSpan.End()

	if err := analyzeCtx.Err(); err != nil {
		return breakdownOutcome{}, stateParsed, fmt.Errorf("driver: trace %q: %w", tr.ID, err)
	}

	g, err := spangraph.Build(tr, d.opts.TimestampMargin)
	if err != nil {
		return breakdownOutcome{}, stateParsed, err
	}

	path, err := breakdown.LongestPath(g, d.opts.TimestampMargin)
	if err != nil {
		return breakdownOutcome{}, stateGraphBuilt, err
	}

	result, err := breakdown.Breakdown(g, path, d.opts.TimestampMargin, d.opts.TimestampThreshold)
	if err != nil {
		return breakdownOutcome{}, statePathFound, err
	}

	return breakdownOutcome{graph: g, result: result}, stateEmitted, nil
}

// RunTrigger streams src through the trigger correlator sequentially (the
// correlator's bounded cache is not safe for concurrent use, and the
// correlation it performs only makes sense across one ordered file — see
// the package doc), writing merged rows to triggerOut and failures to
// invalidOut.
func (d *Driver) RunTrigger(ctx context.Context, src segment.Source, triggerOut, invalidOut io.Writer) (Stats, error) {
	ctx, rootSpan := d.opts.tracer().Start(ctx, spanBatch)
	defer rootSpan.End()

	tw, err := newTriggerWriter(triggerOut)
	if err != nil {
		return Stats{}, err
	}

	iw, err := newInvalidWriter(invalidOut)
	if err != nil {
		return Stats{}, err
	}

	corr := trigger.NewCorrelator(d.opts.CorrelatorCache, d.opts.NumReceivers)

	if d.opts.OnCorrelatorReady != nil {
		d.opts.OnCorrelatorReady(corr)
	}

	var stats Stats

	for {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("driver: cancelled: %w", err)
		}

		tr, ok, err := src.Next()
		if err != nil {
			if !isTraceLocal(err) {
				return stats, fmt.Errorf("driver: read source: %w", err)
			}

			d.opts.Metrics.RecordTraceState(ctx, string(stateInvalid))

			if writeErr := iw.write("", err.Error()); writeErr != nil {
				return stats, writeErr
			}

			stats.Invalid++

			continue
		}

		if !ok {
			break
		}

		if err := d.processTriggerTrace(ctx, corr, tr, tw, iw, &stats); err != nil {
			return stats, err
		}
	}

	rows, flushErrs := corr.Flush()
	for _, row := range rows {
		if err := tw.write(row); err != nil {
			return stats, err
		}

		stats.Valid++
	}

	for _, ferr := range flushErrs {
		if err := iw.write("", ferr.Error()); err != nil {
			return stats, err
		}

		stats.Invalid++
	}

	if err := tw.flush(); err != nil {
		return stats, err
	}

	if err := iw.flush(); err != nil {
		return stats, err
	}

	stats.CorrelatorHits = corr.CacheHits()
	stats.CorrelatorMiss = corr.CacheMisses()

	d.opts.Metrics.RecordRun(ctx, observability.AnalysisStats{
		Traces:          stats.Total(),
		CorrelatorHits:  stats.CorrelatorHits,
		CorrelatorMiss:  stats.CorrelatorMiss,
		EvictedOrphaned: stats.EvictedOrphaned,
	})

	return stats, nil
}

func (d *Driver) processTriggerTrace(
	ctx context.Context, corr *trigger.Correlator, tr segment.Trace, tw *triggerWriter, iw *invalidWriter, stats *Stats,
) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("driver: panic correlating trace %q: %v", tr.ID, r)
		}
	}()

	_, span := d.opts.tracer().Start(ctx, spanTriggerCorrelate)
	defer span.End()

	result, feedErr := corr.Feed(tr)
	if feedErr != nil {
		d.opts.Metrics.RecordTraceState(ctx, string(stateInvalid))

		if writeErr := iw.write(tr.ID, feedErr.Error()); writeErr != nil {
			return writeErr
		}

		stats.Invalid++

		return nil
	}

	d.opts.Metrics.RecordTraceState(ctx, string(stateEmitted))

	if result.Evicted != nil {
		stats.EvictedOrphaned++

		if writeErr := tw.write(*result.Evicted); writeErr != nil {
			return writeErr
		}

		stats.Valid++
	}

	if result.Outcome != trigger.FeedMerged {
		return nil
	}

	if writeErr := tw.write(result.Row); writeErr != nil {
		return writeErr
	}

	stats.Valid++

	return nil
}

func (d *Driver) recordInvalid(ctx context.Context, iw *invalidWriter, mu *sync.Mutex, stats *Stats, traceID string, cause error) {
	d.opts.Metrics.RecordTraceState(ctx, string(stateInvalid))

	mu.Lock()
	defer mu.Unlock()

	if err := iw.write(traceID, cause.Error()); err != nil {
		d.opts.logger().ErrorContext(ctx, "driver: write invalid row failed", "trace_id", traceID, "error", err)

		return
	}

	stats.Invalid++
}

// readSource pulls traces off src sequentially (Source is explicitly
// non-restartable and not declared safe for concurrent use) and forwards
// them to jobs, honoring ctx cancellation between reads. A line that fails
// to decode or validate is forwarded as a failed job and reading goes on;
// any other read error is forwarded and ends the read.
func readSource(ctx context.Context, src segment.Source, jobs chan<- traceJob) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		tr, ok, err := src.Next()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}

			jobs <- traceJob{err: err}

			if isTraceLocal(err) {
				continue
			}

			return err
		}

		if !ok {
			return nil
		}

		jobs <- traceJob{trace: tr}
	}
}

// isTraceLocal reports whether err from Source.Next concerns only the one
// line just read, leaving the source readable.
func isTraceLocal(err error) bool {
	return errors.Is(err, segment.ErrMalformedTrace) ||
		errors.Is(err, segment.ErrMissingDuration) ||
		errors.Is(err, segment.ErrSchemaValidation)
}
