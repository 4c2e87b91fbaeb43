package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/domain/outbox"
	"github.com/NordCoder/Herald/internal/obs/retry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// StatusPublisher ships status events to subscribers outside the service.
type StatusPublisher interface {
	PublishStatusEvent(ctx context.Context, ev notification.StatusEvent) error
}

var (
	outboxHandlerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "herald_outbox_handler_latency_seconds",
		Help:    "Latency of outbox handlers including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
	outboxHandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "herald_outbox_handler_errors_total",
		Help: "Errors in outbox handlers (after retries).",
	}, []string{"kind"})
)

func instrument(kind string, h outbox.KindHandler, pol retry.Policy) outbox.KindHandler {
	tr := otel.Tracer("outbox.handler")
	if pol.Name == "" {
		pol.Name = "outbox_" + kind
	}
	wrapped := WrapKindHandler(h, pol)
	return func(ctx context.Context, data []byte) error {
		ctx, span := tr.Start(ctx, "outbox.handle")
		defer span.End()
		span.SetAttributes(attribute.String("outbox.kind", kind))

		start := time.Now()
		err := wrapped(ctx, data)
		outboxHandlerLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			outboxHandlerErrors.WithLabelValues(kind).Inc()
		}
		return err
	}
}

func MakeGlobalOutboxHandler(pub StatusPublisher, pol retry.Policy) outbox.GlobalHandler {
	return func(kind outbox.Kind) (outbox.KindHandler, error) {
		switch kind {
		case outbox.KindStatusChanged:
			base := func(ctx context.Context, data []byte) error {
				var ev notification.StatusEvent
				if err := json.Unmarshal(data, &ev); err != nil {
					return poison(fmt.Errorf("unmarshal status event: %w", err))
				}
				if ev.NotificationID == "" {
					return poison(fmt.Errorf("status event without notification id"))
				}
				return pub.PublishStatusEvent(ctx, ev)
			}
			return instrument(kind.String(), base, pol), nil
		default:
			return nil, fmt.Errorf("unsupported outbox kind: %d", kind)
		}
	}
}
