package kafka

import (
	"context"
	"testing"

	"github.com/NordCoder/Herald/internal/domain/notification"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestJSONHandlerDecodesRequest(t *testing.T) {
	var got *notification.NotificationRequest
	h := JSONHandler(func(_ context.Context, key []byte, req *notification.NotificationRequest) error {
		assert.Equal(t, "lead-42", string(key))
		got = req
		return nil
	})

	value := `{"idempotency_key":"lead-42","event_type":"lead.captured",
		"channels":[{"channel":"slack","data":{"message":"new lead"}}]}`
	require.NoError(t, h(context.Background(), []byte("lead-42"), []byte(value)))
	require.NotNil(t, got)
	assert.Equal(t, notification.EventLeadCaptured, got.EventType)
	require.Len(t, got.Channels, 1)
	assert.IsType(t, &notification.SlackPayload{}, got.Channels[0].Payload)
}

func TestJSONHandlerRejectsGarbage(t *testing.T) {
	called := false
	h := JSONHandler(func(context.Context, []byte, *notification.StatusEvent) error {
		called = true
		return nil
	})
	assert.Error(t, h(context.Background(), nil, []byte("{not json")))
	assert.False(t, called)
}

func TestHeaderCarrierRoundTrip(t *testing.T) {
	var hs []kafka.Header
	c := headerCarrier{hs: &hs}
	c.Set("traceparent", "00-abc-def-01")
	c.Set("traceparent", "00-abc-fed-01")
	c.Set("baggage", "k=v")

	require.Len(t, hs, 2, "setting a key twice replaces it")
	assert.Equal(t, "00-abc-fed-01", c.Get("traceparent"))
	assert.Empty(t, c.Get("tracestate"))
	assert.ElementsMatch(t, []string{"traceparent", "baggage"}, c.Keys())
}

func TestTracePropagatesThroughHeaders(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	hs := injectTrace(trace.ContextWithSpanContext(context.Background(), sc))
	require.NotEmpty(t, hs)

	got := trace.SpanContextFromContext(extractTrace(context.Background(), hs))
	assert.Equal(t, sc.TraceID(), got.TraceID())
	assert.Equal(t, sc.SpanID(), got.SpanID())
	assert.True(t, got.IsRemote())
}
