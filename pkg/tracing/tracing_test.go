package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = tp.Shutdown(context.Background())
	})
	return recorder
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "duocall", cfg.ServiceName)
	assert.Equal(t, "http://localhost:14268/api/traces", cfg.JaegerURL)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.False(t, cfg.Enabled)
}

func TestInit_DisabledIsNoop(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTraceTransport_RecordsAttributes(t *testing.T) {
	recorder := withRecorder(t)

	ctx, span := TraceTransport(context.Background(), "join", "hosted-a", "session-1")
	RecordError(ctx, errors.New("rejected"))
	RecordDuration(ctx, "join", 1500*time.Millisecond)
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "transport.join", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)

	attrs := map[string]string{}
	for _, kv := range ended[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "hosted-a", attrs[string(ProviderKey)])
	assert.Equal(t, "session-1", attrs[string(SessionIDKey)])
	assert.Equal(t, "1500", attrs[string(DurationKey)])
}

func TestTraceSignalMessage(t *testing.T) {
	recorder := withRecorder(t)

	_, span := TraceSignalMessage(context.Background(), "offer", "session-1")
	span.End()

	require.Len(t, recorder.Ended(), 1)
	assert.Equal(t, "signal.offer", recorder.Ended()[0].Name())
}

func TestTraceHTTPRequest(t *testing.T) {
	recorder := withRecorder(t)

	_, span := TraceHTTPRequest(context.Background(), "POST", "/api/v1/sessions/:id/join")
	span.End()

	require.Len(t, recorder.Ended(), 1)
	assert.Equal(t, "http.POST", recorder.Ended()[0].Name())
}
