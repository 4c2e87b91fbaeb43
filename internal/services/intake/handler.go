package intake

import (
	"context"
	"errors"
	"fmt"

	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/obs"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var mConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "herald_intake_messages_total",
	Help: "Notification requests consumed from kafka by result",
}, []string{"result"})

type Dispatcher interface {
	Dispatch(ctx context.Context, req *notification.NotificationRequest) (*notification.DispatchResult, error)
}

// Deduper claims idempotency keys; a key claimed once is skipped until it
// expires or is released.
type Deduper interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type Handler struct {
	dispatch Dispatcher
	dedupe   Deduper
	log      *zap.Logger
}

func NewHandler(d Dispatcher, dedupe Deduper, log *zap.Logger) *Handler {
	return &Handler{dispatch: d, dedupe: dedupe, log: obs.Component(log, "intake")}
}

// Handle dispatches one request. Invalid requests are dropped with a warning
// so they never block the partition; storage failures are returned and the
// claim released so a replay can succeed.
func (h *Handler) Handle(ctx context.Context, key []byte, req *notification.NotificationRequest) error {
	log := obs.WithTrace(ctx, h.log)
	if req.IdempotencyKey == "" && len(key) > 0 {
		req.IdempotencyKey = string(key)
	}

	if err := req.Validate(); err != nil {
		mConsumed.WithLabelValues("invalid").Inc()
		log.Warn("drop invalid request", zap.Error(err))
		return nil
	}

	claimed := false
	if h.dedupe != nil && req.IdempotencyKey != "" {
		ok, err := h.dedupe.Claim(ctx, req.IdempotencyKey)
		if err != nil {
			mConsumed.WithLabelValues("error").Inc()
			return fmt.Errorf("dedupe: %w", err)
		}
		if !ok {
			mConsumed.WithLabelValues("duplicate").Inc()
			log.Info("skip duplicate request", zap.String("idempotency_key", req.IdempotencyKey))
			return nil
		}
		claimed = true
	}

	res, err := h.dispatch.Dispatch(ctx, req)
	if err != nil {
		if errors.Is(err, notification.ErrInvalidRequest) || errors.Is(err, notification.ErrInvalidPayload) {
			mConsumed.WithLabelValues("invalid").Inc()
			log.Warn("drop invalid request", zap.Error(err))
			return nil
		}
		mConsumed.WithLabelValues("error").Inc()
		if claimed {
			if rerr := h.dedupe.Release(ctx, req.IdempotencyKey); rerr != nil {
				log.Warn("release claim", zap.Error(rerr))
			}
		}
		return fmt.Errorf("dispatch: %w", err)
	}

	mConsumed.WithLabelValues(string(res.Outcome)).Inc()
	log.Debug("request dispatched",
		zap.String("event_type", string(req.EventType)),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("channels", len(res.Results)))
	return nil
}
