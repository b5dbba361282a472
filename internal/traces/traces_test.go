package traces

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder swaps in an in-memory provider for the duration of the test.
func recorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestInit_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{Version: "test"}, quietLogger())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpan_SetsAttributes(t *testing.T) {
	rec := recorder(t)

	_, span := StartSpan(context.Background(), "commission.Resolve", ContractID("ct_1"), TicketID("cx_1"))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "commission.Resolve", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), ContractID("ct_1"))
}

func TestFail_MarksSpan(t *testing.T) {
	rec := recorder(t)

	_, span := StartSpan(context.Background(), "op")
	Fail(span, nil)
	Fail(span, errors.New("escrow unavailable"))
	span.End()

	got := rec.Ended()[0]
	assert.Equal(t, codes.Error, got.Status().Code)
	assert.Equal(t, "escrow unavailable", got.Status().Description)
	assert.Len(t, got.Events(), 1)
}

func TestMiddleware_NamesSpanByRoute(t *testing.T) {
	rec := recorder(t)
	_, _ = Init(context.Background(), Options{}, quietLogger())

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/contracts/:id", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	req := httptest.NewRequest(http.MethodGet, "/v1/contracts/ct_1", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	r.ServeHTTP(httptest.NewRecorder(), req)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /v1/contracts/:id", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext().TraceID().String())
}

func TestAttributeHelpers(t *testing.T) {
	assert.Equal(t, "upload.id", string(UploadID("x").Key))
	assert.Equal(t, "resolution.id", string(ResolutionID("x").Key))
	assert.Equal(t, "user.id", string(UserID("x").Key))
	assert.Equal(t, "reference", string(Reference("x").Key))
}
