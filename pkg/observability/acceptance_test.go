package observability_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/joe4dev/trigger-bench/pkg/observability"
)

// acceptanceSpanCount is the expected number of spans in the acceptance test
// (root + parse + breakdown).
const acceptanceSpanCount = 3

// acceptanceTraceCount is the simulated trace count used in log assertions.
const acceptanceTraceCount = 42

// TestAcceptance_EndToEnd verifies all three observability signals (traces,
// metrics, structured logs with trace context) work together across a
// simulated batch-driver run.
func TestAcceptance_EndToEnd(t *testing.T) {
	t.Parallel()

	spanExporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spanExporter))

	t.Cleanup(func() { require.NoError(t, tp.Shutdown(context.Background())) })

	tracer := tp.Tracer("tracebench")

	metricReader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(metricReader))
	meter := mp.Meter("tracebench")

	red, err := observability.NewREDMetrics(meter)
	require.NoError(t, err)

	analysis, err := observability.NewAnalysisMetrics(meter)
	require.NoError(t, err)

	var logBuf bytes.Buffer

	innerHandler := slog.NewJSONHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelDebug})
	tracingHandler := observability.NewTracingHandler(innerHandler, "tracebench", "test", observability.ModeBatch)
	logger := slog.New(tracingHandler)

	ctx, rootSpan := tracer.Start(context.Background(), "tracebench.batch")

	_, parseSpan := tracer.Start(ctx, "tracebench.segment.parse")
	parseSpan.End()

	_, breakdownSpan := tracer.Start(ctx, "tracebench.breakdown.analyze")
	breakdownSpan.End()

	red.RecordRequest(ctx, "driver.run", "ok", time.Second)

	analysis.RecordRun(ctx, observability.AnalysisStats{
		Traces:          acceptanceTraceCount,
		Segments:        126,
		TraceDurations:  []time.Duration{time.Second, 2 * time.Second, 3 * time.Second},
		CorrelatorHits:  100,
		CorrelatorMiss:  10,
		EvictedOrphaned: 1,
	})

	logger.InfoContext(ctx, "batch.complete", "traces", acceptanceTraceCount)

	rootSpan.End()

	spans := spanExporter.GetSpans()
	require.Len(t, spans, acceptanceSpanCount, "expected root + 2 child spans")

	spanNames := make(map[string]bool, len(spans))
	for _, s := range spans {
		spanNames[s.Name] = true
	}

	assert.True(t, spanNames["tracebench.batch"], "root span should exist")
	assert.True(t, spanNames["tracebench.segment.parse"], "parse span should exist")
	assert.True(t, spanNames["tracebench.breakdown.analyze"], "breakdown span should exist")

	traceID := spans[0].SpanContext.TraceID()
	for _, s := range spans[1:] {
		assert.Equal(t, traceID, s.SpanContext.TraceID(),
			"span %q should share trace ID", s.Name)
	}

	var rm metricdata.ResourceMetrics

	err = metricReader.Collect(ctx, &rm)
	require.NoError(t, err)

	reqTotal := findMetric(rm, "tracebench.requests.total")
	require.NotNil(t, reqTotal, "request counter should be recorded")

	reqDuration := findMetric(rm, "tracebench.request.duration.seconds")
	require.NotNil(t, reqDuration, "duration histogram should be recorded")

	tracesTotal := findMetric(rm, "tracebench.traces.total")
	require.NotNil(t, tracesTotal, "traces counter should be recorded")

	segmentsTotal := findMetric(rm, "tracebench.segments.total")
	require.NotNil(t, segmentsTotal, "segments counter should be recorded")

	traceDuration := findMetric(rm, "tracebench.trace.duration.seconds")
	require.NotNil(t, traceDuration, "trace duration histogram should be recorded")

	cacheHits := findMetric(rm, "tracebench.correlator.cache.hits.total")
	require.NotNil(t, cacheHits, "cache hits counter should be recorded")

	cacheMisses := findMetric(rm, "tracebench.correlator.cache.misses.total")
	require.NotNil(t, cacheMisses, "cache misses counter should be recorded")

	var logRecord map[string]any

	err = json.Unmarshal(logBuf.Bytes(), &logRecord)
	require.NoError(t, err)

	assert.Equal(t, traceID.String(), logRecord["otel_trace_id"],
		"log line should contain the active otel_trace_id")
	assert.Contains(t, logRecord, "otel_span_id",
		"log line should contain otel_span_id")
	assert.Equal(t, "tracebench", logRecord["service"],
		"log line should contain service name")

	traces, ok := logRecord["traces"].(float64)
	require.True(t, ok, "traces should be a number")
	assert.InDelta(t, acceptanceTraceCount, traces, 0,
		"log line should contain custom attributes")
}
