// Package telemetry installs the OpenTelemetry meter and tracer providers.
// Metrics are exported in Prometheus format through Handler; spans, when
// enabled, are written as JSON to a writer (stderr in the CLI).
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config selects what is exported
type Config struct {
	ServiceName    string
	ServiceVersion string
	Metrics        bool
	Traces         bool
	TraceWriter    io.Writer // destination of spans; required when Traces is set
}

// Provider owns the installed providers
type Provider struct {
	registry *prometheus.Registry
	meter    *sdkmetric.MeterProvider
	tracer   *sdktrace.TracerProvider
}

// Init builds the providers and installs them globally. Instruments created
// through otel.Meter before Init are forwarded once it returns.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)
	p := &Provider{}

	if cfg.Metrics {
		p.registry = prometheus.NewRegistry()
		p.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		exporter, err := promexporter.New(promexporter.WithRegisterer(p.registry))
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		p.meter = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		otel.SetMeterProvider(p.meter)
	}

	if cfg.Traces {
		if cfg.TraceWriter == nil {
			return nil, errors.New("trace writer required")
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(cfg.TraceWriter))
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		p.tracer = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(p.tracer)
	}
	return p, nil
}

// Handler serves the Prometheus exposition. It is nil when metrics are off.
func (p *Provider) Handler() http.Handler {
	if p == nil || p.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes pending spans and stops the providers
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tracer != nil {
		errs = append(errs, p.tracer.Shutdown(ctx))
	}
	if p.meter != nil {
		errs = append(errs, p.meter.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
