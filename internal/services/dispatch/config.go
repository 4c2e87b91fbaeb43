package dispatch

import (
	config "github.com/NordCoder/Herald/internal/config/herald"
	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/obs/retry"
)

type Config struct {
	// MaxRetries per channel; channels not listed use notification.DefaultMaxRetries.
	MaxRetries map[notification.Channel]int
	// Backoff per channel for retries handed to the scheduler.
	Backoff map[notification.Channel]retry.Exponential
	// Endpoints receive webhook pairs that carry no URL of their own.
	Endpoints []config.Endpoint
}

func ConfigFrom(c config.Channels) Config {
	out := Config{
		MaxRetries: map[notification.Channel]int{},
		Backoff:    map[notification.Channel]retry.Exponential{},
		Endpoints:  c.Webhook.Endpoints,
	}
	for ch, cc := range map[notification.Channel]config.Channel{
		notification.ChannelEmail:   c.Email.Channel,
		notification.ChannelWebhook: c.Webhook.Channel,
		notification.ChannelSlack:   c.Slack.Channel,
		notification.ChannelSMS:     c.SMS.Channel,
		notification.ChannelInApp:   c.InApp.Channel,
	} {
		out.MaxRetries[ch] = cc.MaxRetries
		out.Backoff[ch] = retry.Exponential{
			Base:       cc.RetryBaseDelay,
			Max:        cc.RetryMaxDelay,
			Multiplier: cc.RetryMultiplier,
			Jitter:     cc.RetryJitter,
		}
	}
	return out
}

func (c Config) maxRetries(ch notification.Channel) int {
	if v, ok := c.MaxRetries[ch]; ok && v >= 0 {
		return v
	}
	return notification.DefaultMaxRetries(ch)
}

func (c Config) backoff(ch notification.Channel, p notification.Priority) retry.Backoff {
	b, ok := c.Backoff[ch]
	if !ok || b.Base <= 0 {
		b = defaultBackoff
	}
	return retry.Scaled{Backoff: b, Factor: p.BackoffFactor()}
}
