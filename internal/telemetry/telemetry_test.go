package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/orchestra/agent"
	"github.com/BaSui01/orchestra/config"
	tu "github.com/BaSui01/orchestra/testutil"
	"github.com/BaSui01/orchestra/testutil/fixtures"
	"github.com/BaSui01/orchestra/testutil/mocks"
	"github.com/BaSui01/orchestra/workflow"
)

// saveAndRestoreGlobalProviders snapshots the current global OTel providers
// and restores them via t.Cleanup so tests don't leak state.
func saveAndRestoreGlobalProviders(t *testing.T) {
	t.Helper()
	origTP := otel.GetTracerProvider()
	origMP := otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(origTP)
		otel.SetMeterProvider(origMP)
	})
}

func TestInit_Disabled(t *testing.T) {
	saveAndRestoreGlobalProviders(t)

	p, err := Init(context.Background(), config.TelemetryConfig{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.Nil(t, p.tp, "TracerProvider should be nil when disabled")
	assert.Nil(t, p.mp, "MeterProvider should be nil when disabled")
	assert.NotNil(t, p.Tracer())
}

func TestInit_Enabled(t *testing.T) {
	saveAndRestoreGlobalProviders(t)

	cfg := config.TelemetryConfig{
		Enabled:      true,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "orchestra-test",
		SampleRate:   0.5,
	}

	p, err := Init(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, p)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})

	assert.NotNil(t, p.tp)
	assert.NotNil(t, p.mp)

	_, tpIsSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	_, mpIsSDK := otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, tpIsSDK, "global TracerProvider should be *sdktrace.TracerProvider")
	assert.True(t, mpIsSDK, "global MeterProvider should be *sdkmetric.MeterProvider")
}

func TestProviders_Shutdown_Nil(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.Shutdown(context.Background()))
	assert.NotNil(t, p.Tracer())
}

func TestProviders_Shutdown_Noop(t *testing.T) {
	saveAndRestoreGlobalProviders(t)

	p, err := Init(context.Background(), config.TelemetryConfig{}, nil)
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestBuildVersion(t *testing.T) {
	// In test binaries debug.ReadBuildInfo reports "(devel)".
	assert.Equal(t, "dev", buildVersion())
}

// TestOrchestratorSpans checks the span tree a run produces.
func TestOrchestratorSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	reg := agent.NewRegistry()
	reg.MustRegister(mocks.NewMockAgent("w"))
	o := workflow.New(reg,
		workflow.WithTracer(tp.Tracer(InstrumentationName)),
		workflow.WithSleeper(tu.NoSleep))

	res, err := o.Execute(context.Background(), &workflow.Task{
		Strategy: fixtures.DiamondStrategy("w"),
		Inputs:   map[string]any{"topic": "spans"},
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	counts := map[string]int{}
	var runSpan sdktrace.ReadOnlySpan
	for _, s := range recorder.Ended() {
		counts[s.Name()]++
		if s.Name() == "orchestra.run" {
			runSpan = s
		}
	}
	assert.Equal(t, 1, counts["orchestra.run"])
	assert.Equal(t, 3, counts["orchestra.wave"])
	assert.Equal(t, 4, counts["orchestra.step"])

	require.NotNil(t, runSpan)
	for _, s := range recorder.Ended() {
		assert.Equal(t, runSpan.SpanContext().TraceID(), s.SpanContext().TraceID(), "one trace per run")
	}
}
