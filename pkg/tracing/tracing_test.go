package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(previous)
	})
	return recorder
}

func TestEndSpan_RecordsError(t *testing.T) {
	recorder := withRecorder(t)

	_, span := StartSpan(context.Background(), "pool.execute", attribute.Int("n", 10))
	EndSpan(span, errors.New("boom"))

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "pool.execute", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Contains(t, ended[0].Attributes(), attribute.Int("n", 10))
}

func TestDetach_KeepsParent(t *testing.T) {
	recorder := withRecorder(t)

	reqCtx, cancel := context.WithCancel(context.Background())
	reqCtx, parent := StartServerSpan(reqCtx, "GET /fibonacci/{n}")
	detached := Detach(reqCtx, context.Background())
	cancel()

	assert.NoError(t, detached.Err())

	_, child := StartSpan(detached, "pool.execute")
	EndSpan(child, nil)
	EndSpan(parent, nil)

	ended := recorder.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, ended[1].SpanContext().SpanID(), ended[0].Parent().SpanID())
	assert.Equal(t, codes.Ok, ended[0].Status().Code)
}

func TestDetach_NoSpan(t *testing.T) {
	base := context.Background()
	assert.Equal(t, base, Detach(context.Background(), base))
}

func TestEndSpan_Nil(t *testing.T) {
	assert.NotPanics(t, func() { EndSpan(nil, errors.New("x")) })
}
