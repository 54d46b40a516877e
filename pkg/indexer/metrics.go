package indexer

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("chaingraph.indexer")

var (
	runDuration   metric.Float64Histogram
	runTotal      metric.Int64Counter
	chunksIndexed metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		runDuration, err = meter.Float64Histogram(
			"ingest_run_duration_seconds",
			metric.WithDescription("Duration of project ingestion runs"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		runTotal, err = meter.Int64Counter(
			"ingest_runs_total",
			metric.WithDescription("Ingestion runs by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		chunksIndexed, err = meter.Int64Counter(
			"ingest_chunks_total",
			metric.WithDescription("Chunks stored by ingestion runs"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func recordRun(ctx context.Context, project string, d time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("project", project),
		attribute.Bool("success", success),
	)
	runDuration.Record(ctx, d.Seconds(), attrs)
	runTotal.Add(ctx, 1, attrs)
}

func recordChunks(ctx context.Context, project string, n int) {
	if err := initMetrics(); err != nil {
		return
	}
	chunksIndexed.Add(ctx, int64(n), metric.WithAttributes(attribute.String("project", project)))
}
