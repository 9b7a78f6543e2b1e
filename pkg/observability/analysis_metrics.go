package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricTracesTotal      = "tracebench.traces.total"
	metricSegmentsTotal    = "tracebench.segments.total"
	metricTraceDuration    = "tracebench.trace.duration.seconds"
	metricCacheHitsTotal   = "tracebench.correlator.cache.hits.total"
	metricCacheMissesTotal = "tracebench.correlator.cache.misses.total"
	metricEvictedTotal     = "tracebench.correlator.cache.evicted.total"

	attrCache = "cache"
	attrState = "state"
)

// AnalysisMetrics holds OTel instruments for batch-driver metrics: how many
// traces were processed, at what per-trace state they ended, and how the
// trigger correlator's bounded cache is behaving.
type AnalysisMetrics struct {
	tracesTotal   metric.Int64Counter
	segmentsTotal metric.Int64Counter
	traceDuration metric.Float64Histogram
	cacheHits     metric.Int64Counter
	cacheMisses   metric.Int64Counter
	evictedTotal  metric.Int64Counter
}

// AnalysisStats holds the statistics for a single batch run.
type AnalysisStats struct {
	Traces          int64
	Segments        int64
	TraceDurations  []time.Duration
	CorrelatorHits  int64
	CorrelatorMiss  int64
	EvictedOrphaned int64
}

// NewAnalysisMetrics creates batch-driver metric instruments from the given meter.
func NewAnalysisMetrics(mt metric.Meter) (*AnalysisMetrics, error) {
	traces, err := mt.Int64Counter(metricTracesTotal,
		metric.WithDescription("Total traces processed, tagged by final state"),
		metric.WithUnit("{trace}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricTracesTotal, err)
	}

	segments, err := mt.Int64Counter(metricSegmentsTotal,
		metric.WithDescription("Total segments parsed across all traces"),
		metric.WithUnit("{segment}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricSegmentsTotal, err)
	}

	traceDur, err := mt.Float64Histogram(metricTraceDuration,
		metric.WithDescription("Per-trace processing duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBucketBoundaries...),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricTraceDuration, err)
	}

	hits, err := mt.Int64Counter(metricCacheHitsTotal,
		metric.WithDescription("Trigger correlator cache hits"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricCacheHitsTotal, err)
	}

	misses, err := mt.Int64Counter(metricCacheMissesTotal,
		metric.WithDescription("Trigger correlator cache misses"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricCacheMissesTotal, err)
	}

	evicted, err := mt.Int64Counter(metricEvictedTotal,
		metric.WithDescription("Half-pairs evicted from the correlator cache before their partner arrived"),
		metric.WithUnit("{trace}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricEvictedTotal, err)
	}

	return &AnalysisMetrics{
		tracesTotal:   traces,
		segmentsTotal: segments,
		traceDuration: traceDur,
		cacheHits:     hits,
		cacheMisses:   misses,
		evictedTotal:  evicted,
	}, nil
}

// RecordRun records batch statistics for a completed driver run.
// Safe to call on a nil receiver (no-op).
func (am *AnalysisMetrics) RecordRun(ctx context.Context, stats AnalysisStats) {
	if am == nil {
		return
	}

	am.tracesTotal.Add(ctx, stats.Traces)
	am.segmentsTotal.Add(ctx, stats.Segments)

	for _, d := range stats.TraceDurations {
		am.traceDuration.Record(ctx, d.Seconds())
	}

	cacheAttrs := metric.WithAttributes(attribute.String(attrCache, "trigger"))
	am.cacheHits.Add(ctx, stats.CorrelatorHits, cacheAttrs)
	am.cacheMisses.Add(ctx, stats.CorrelatorMiss, cacheAttrs)
	am.evictedTotal.Add(ctx, stats.EvictedOrphaned)
}

// RecordTraceState tags a single trace's terminal state. Separate from
// RecordRun so the driver can emit this per-trace, on the goroutine that
// finishes processing it, rather than buffering until the whole batch ends.
func (am *AnalysisMetrics) RecordTraceState(ctx context.Context, state string) {
	if am == nil {
		return
	}

	am.tracesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrState, state)))
}
