package sender

import (
	"context"
	"fmt"

	"github.com/NordCoder/Herald/internal/domain/notification"

	"golang.org/x/time/rate"
)

// Limited throttles a sender to a steady rate. Waiting for a token honours
// ctx; a send that cannot get one is a retryable failure.
type Limited struct {
	inner notification.Sender
	lim   *rate.Limiter
}

func NewLimited(inner notification.Sender, perSecond float64, burst int) *Limited {
	if burst <= 0 {
		burst = 1
	}
	return &Limited{inner: inner, lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *Limited) Channel() notification.Channel { return l.inner.Channel() }

func (l *Limited) Send(ctx context.Context, n *notification.Notification) (notification.ChannelResult, error) {
	if err := l.lim.Wait(ctx); err != nil {
		return failed(n, Transient(fmt.Errorf("rate limit: %w", err)), 0), nil
	}
	return l.inner.Send(ctx, n)
}

// retryingLimited keeps the inline-retry capability of the wrapped sender.
type retryingLimited struct {
	*Limited
	inner notification.RetryingSender
}

func (l *retryingLimited) SendWithRetries(ctx context.Context, n *notification.Notification, beforeRetry func(context.Context) error) (notification.ChannelResult, error) {
	if err := l.lim.Wait(ctx); err != nil {
		return failed(n, Transient(fmt.Errorf("rate limit: %w", err)), 0), nil
	}
	return l.inner.SendWithRetries(ctx, n, func(ctx context.Context) error {
		if err := l.lim.Wait(ctx); err != nil {
			return err
		}
		if beforeRetry != nil {
			return beforeRetry(ctx)
		}
		return nil
	})
}

// RateLimit wraps s when perSecond is positive and returns it unchanged otherwise.
func RateLimit(s notification.Sender, perSecond float64, burst int) notification.Sender {
	if perSecond <= 0 {
		return s
	}
	l := NewLimited(s, perSecond, burst)
	if rs, ok := s.(notification.RetryingSender); ok {
		return &retryingLimited{Limited: l, inner: rs}
	}
	return l
}
