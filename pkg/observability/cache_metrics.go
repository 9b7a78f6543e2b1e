package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CacheStatsProvider exposes cumulative hit/miss counts for an asynchronous
// gauge callback. [trigger.Correlator] satisfies this via its CacheHits and
// CacheMisses methods.
type CacheStatsProvider interface {
	CacheHits() int64
	CacheMisses() int64
}

const (
	metricCacheHitsGauge   = "tracebench.cache.hits"
	metricCacheMissesGauge = "tracebench.cache.misses"
)

// RegisterCacheMetrics installs async gauges reporting the correlator
// cache's cumulative hit/miss counters under the "trigger" label. provider
// may be nil, in which case the callback observes nothing and the gauges
// report no data points.
func RegisterCacheMetrics(mt metric.Meter, provider CacheStatsProvider) error {
	hits, err := mt.Int64ObservableGauge(metricCacheHitsGauge,
		metric.WithDescription("Cumulative cache hits by cache name"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return fmt.Errorf("create %s: %w", metricCacheHitsGauge, err)
	}

	misses, err := mt.Int64ObservableGauge(metricCacheMissesGauge,
		metric.WithDescription("Cumulative cache misses by cache name"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return fmt.Errorf("create %s: %w", metricCacheMissesGauge, err)
	}

	_, err = mt.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if provider == nil {
			return nil
		}

		attrs := attribute.String(attrCache, "trigger")
		o.ObserveInt64(hits, provider.CacheHits(), metric.WithAttributes(attrs))
		o.ObserveInt64(misses, provider.CacheMisses(), metric.WithAttributes(attrs))

		return nil
	}, hits, misses)
	if err != nil {
		return fmt.Errorf("register cache metrics callback: %w", err)
	}

	return nil
}
