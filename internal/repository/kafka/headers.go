package kafka

import (
	"context"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// headerCarrier adapts message headers to the otel propagation interface.
// Set replaces an existing key so re-injection never duplicates traceparent.
type headerCarrier struct {
	hs *[]kafka.Header
}

func (c headerCarrier) Get(k string) string {
	for _, h := range *c.hs {
		if h.Key == k {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(k, v string) {
	for i, h := range *c.hs {
		if h.Key == k {
			(*c.hs)[i].Value = []byte(v)
			return
		}
	}
	*c.hs = append(*c.hs, kafka.Header{Key: k, Value: []byte(v)})
}

func (c headerCarrier) Keys() []string {
	ks := make([]string, 0, len(*c.hs))
	for _, h := range *c.hs {
		ks = append(ks, h.Key)
	}
	return ks
}

func injectTrace(ctx context.Context) []kafka.Header {
	var hs []kafka.Header
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{hs: &hs})
	return hs
}

func extractTrace(ctx context.Context, hs []kafka.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, headerCarrier{hs: &hs})
}
