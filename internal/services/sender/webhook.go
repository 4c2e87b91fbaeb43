package sender

import (
	"context"
	"time"

	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/services/webhook"
)

// WebhookSender adapts the webhook delivery service. A 2xx answer counts as delivered.
type WebhookSender struct {
	svc    *webhook.Service
	secret string
	now    func() time.Time
}

func NewWebhookSender(svc *webhook.Service, defaultSecret string) *WebhookSender {
	return &WebhookSender{svc: svc, secret: defaultSecret, now: time.Now}
}

func (s *WebhookSender) Channel() notification.Channel { return notification.ChannelWebhook }

// Send makes a single attempt.
func (s *WebhookSender) Send(ctx context.Context, n *notification.Notification) (notification.ChannelResult, error) {
	return s.deliver(ctx, n, 0, nil)
}

func (s *WebhookSender) SendWithRetries(ctx context.Context, n *notification.Notification, beforeRetry func(context.Context) error) (notification.ChannelResult, error) {
	budget := n.MaxRetries - n.RetryCount
	if budget < 0 {
		budget = 0
	}
	return s.deliver(ctx, n, budget, beforeRetry)
}

func (s *WebhookSender) deliver(ctx context.Context, n *notification.Notification, retries int, beforeRetry func(context.Context) error) (notification.ChannelResult, error) {
	req, err := s.svc.RequestFor(n, s.secret)
	if err != nil {
		return failed(n, Permanent(err), 0), nil
	}
	req.MaxRetries = retries
	if beforeRetry != nil {
		req.BeforeRetry = func(ctx context.Context, _ int) error { return beforeRetry(ctx) }
	}

	res := s.svc.Deliver(ctx, req)
	if !res.Delivered {
		out := failed(n, res.Err, res.Attempts)
		out.Retryable = res.Retryable
		return out, nil
	}
	out := succeeded(n, notification.StatusDelivered, "", s.now())
	out.Attempts = res.Attempts
	return out, nil
}
