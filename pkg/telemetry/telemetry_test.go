package telemetry

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitMetrics(t *testing.T) {
	ctx := context.Background()
	p, err := Init(ctx, Config{ServiceName: "chaingraph-test", Metrics: true})
	require.NoError(t, err)
	defer p.Shutdown(ctx)

	counter, err := otel.Meter("telemetry_test").Int64Counter("test_events_total")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	h := p.Handler()
	require.NotNil(t, h)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), "test_events_total")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestInitTraces(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	p, err := Init(ctx, Config{ServiceName: "chaingraph-test", Traces: true, TraceWriter: &buf})
	require.NoError(t, err)

	_, span := otel.Tracer("telemetry_test").Start(ctx, "probe")
	span.End()
	require.NoError(t, p.Shutdown(ctx))

	assert.Contains(t, buf.String(), `"Name":"probe"`)
	assert.Nil(t, p.Handler())
}

func TestInitTracesNeedsWriter(t *testing.T) {
	_, err := Init(context.Background(), Config{Traces: true})
	assert.Error(t, err)
}

func TestNilProvider(t *testing.T) {
	var p *Provider
	assert.Nil(t, p.Handler())
	assert.NoError(t, p.Shutdown(context.Background()))
}
