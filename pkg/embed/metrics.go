package embed

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("chaingraph.embed")

var (
	batchLatency  metric.Float64Histogram
	batchTotal    metric.Int64Counter
	cacheLookups  metric.Int64Counter
	substitutions metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		batchLatency, err = meter.Float64Histogram(
			"embed_batch_duration_seconds",
			metric.WithDescription("Duration of embedding backend batches"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		batchTotal, err = meter.Int64Counter(
			"embed_batch_total",
			metric.WithDescription("Embedding batches by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheLookups, err = meter.Int64Counter(
			"embed_cache_lookups_total",
			metric.WithDescription("Embedding cache lookups by result"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		substitutions, err = meter.Int64Counter(
			"embed_substituted_total",
			metric.WithDescription("Chunks embedded by the fallback embedder"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordBatch(ctx context.Context, backend string, duration time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.Bool("success", success),
	)
	batchLatency.Record(ctx, duration.Seconds(), attrs)
	batchTotal.Add(ctx, 1, attrs)
}

func recordCache(ctx context.Context, hits, misses int) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheLookups.Add(ctx, int64(hits), metric.WithAttributes(attribute.String("result", "hit")))
	cacheLookups.Add(ctx, int64(misses), metric.WithAttributes(attribute.String("result", "miss")))
}

func recordSubstitutions(ctx context.Context, n int) {
	if err := initMetrics(); err != nil || n == 0 {
		return
	}
	substitutions.Add(ctx, int64(n))
}
