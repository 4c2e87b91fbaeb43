package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	config "github.com/NordCoder/Herald/internal/config/herald"
	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/obs"

	"go.uber.org/zap"
)

type smsRequest struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
	Body string `json:"body"`
}

type smsResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// SMSSender hands messages to an HTTP SMS gateway. Acceptance only means the
// gateway queued it, so the result is Sent; a delivery receipt later marks it
// delivered.
type SMSSender struct {
	client  *http.Client
	url     string
	apiKey  string
	from    string
	timeout time.Duration
	now     func() time.Time
	log     *zap.Logger
}

func NewSMSSender(cfg config.SMS, client *http.Client, log *zap.Logger) *SMSSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &SMSSender{
		client:  client,
		url:     cfg.GatewayURL,
		apiKey:  cfg.APIKey,
		from:    cfg.From,
		timeout: cfg.Timeout,
		now:     time.Now,
		log:     obs.Component(log, "sender.sms"),
	}
}

func (s *SMSSender) Channel() notification.Channel { return notification.ChannelSMS }

func (s *SMSSender) Send(ctx context.Context, n *notification.Notification) (notification.ChannelResult, error) {
	p, ok := n.Payload.(*notification.SMSPayload)
	if !ok {
		return failed(n, Permanent(fmt.Errorf("sms sender got %T payload", n.Payload)), 0), nil
	}
	if s.url == "" || s.apiKey == "" {
		return failed(n, Permanent(fmt.Errorf("sms gateway credentials are not configured")), 0), nil
	}
	if err := p.Validate(); err != nil {
		return failed(n, Permanent(err), 0), nil
	}

	_, body, err := postJSON(ctx, s.client, s.url, s.timeout,
		map[string]string{"Authorization": "Bearer " + s.apiKey},
		smsRequest{To: p.Phone, From: s.from, Body: p.Message})
	if err != nil {
		obs.WithTrace(ctx, s.log).Warn("sms gateway rejected", zap.String("notification_id", n.ID), zap.Error(err))
		return failed(n, err, 1), nil
	}

	var resp smsResponse
	_ = json.Unmarshal(body, &resp)
	status := notification.StatusSent
	if resp.Status == "delivered" {
		status = notification.StatusDelivered
	}
	return succeeded(n, status, resp.ID, s.now()), nil
}
