package sender

import (
	"context"
	"fmt"
	"net/http"
	"time"

	config "github.com/NordCoder/Herald/internal/config/herald"
	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/obs"

	"go.uber.org/zap"
)

type slackAttachment struct {
	Title string `json:"title,omitempty"`
	Text  string `json:"text,omitempty"`
	Color string `json:"color,omitempty"`
}

type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

// SlackSender posts to a Slack incoming webhook. A 2xx answer means Slack
// accepted and posted the message.
type SlackSender struct {
	client         *http.Client
	webhookURL     string
	defaultChannel string
	timeout        time.Duration
	now            func() time.Time
	log            *zap.Logger
}

func NewSlackSender(cfg config.Slack, client *http.Client, log *zap.Logger) *SlackSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &SlackSender{
		client:         client,
		webhookURL:     cfg.WebhookURL,
		defaultChannel: cfg.DefaultChannel,
		timeout:        cfg.Timeout,
		now:            time.Now,
		log:            obs.Component(log, "sender.slack"),
	}
}

func (s *SlackSender) Channel() notification.Channel { return notification.ChannelSlack }

func (s *SlackSender) Send(ctx context.Context, n *notification.Notification) (notification.ChannelResult, error) {
	p, ok := n.Payload.(*notification.SlackPayload)
	if !ok {
		return failed(n, Permanent(fmt.Errorf("slack sender got %T payload", n.Payload)), 0), nil
	}
	if s.webhookURL == "" {
		return failed(n, Permanent(fmt.Errorf("slack webhook url is not configured")), 0), nil
	}
	msg := slackMessage{Channel: p.ChannelName, Text: p.Message}
	if msg.Channel == "" {
		msg.Channel = s.defaultChannel
	}
	for _, a := range p.Attachments {
		msg.Attachments = append(msg.Attachments, slackAttachment{Title: a.Title, Text: a.Text, Color: a.Color})
	}

	if _, _, err := postJSON(ctx, s.client, s.webhookURL, s.timeout, nil, msg); err != nil {
		obs.WithTrace(ctx, s.log).Warn("slack post failed", zap.String("notification_id", n.ID), zap.Error(err))
		return failed(n, err, 1), nil
	}
	return succeeded(n, notification.StatusDelivered, "", s.now()), nil
}
