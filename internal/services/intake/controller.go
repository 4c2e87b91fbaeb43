package intake

import (
	"context"
	"errors"

	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/obs"
	kafkax "github.com/NordCoder/Herald/internal/repository/kafka"

	"go.uber.org/zap"
)

type Subscriber interface {
	Consume(ctx context.Context, h kafkax.Handler) error
}

type Controller struct {
	Log *zap.Logger
	Sub Subscriber
	H   *Handler
}

func (c *Controller) Run(ctx context.Context) error {
	handler := kafkax.JSONHandler(func(ctx context.Context, key []byte, req *notification.NotificationRequest) error {
		return c.H.Handle(ctx, key, req)
	})
	if err := c.Sub.Consume(ctx, handler); err != nil && !errors.Is(err, context.Canceled) {
		obs.Component(c.Log, "intake").Warn("kafka consume", zap.Error(err))
		return err
	}
	return ctx.Err()
}
