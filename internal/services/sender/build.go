package sender

import (
	"net/http"

	config "github.com/NordCoder/Herald/internal/config/herald"
	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/services/inapp"
	"github.com/NordCoder/Herald/internal/services/webhook"

	"go.uber.org/zap"
)

type Deps struct {
	Webhook *webhook.Service
	Mailbox *inapp.Mailbox
	HTTP    *http.Client
	Log     *zap.Logger
}

// Build registers a sender for every enabled channel.
func Build(cfg config.Channels, d Deps) *Registry {
	reg := NewRegistry()
	add := func(c config.Channel, s notification.Sender) {
		reg.Register(RateLimit(s, c.RateLimit, c.RateBurst))
	}

	if e := cfg.Email; e.Enabled {
		var m Mailer
		switch e.Provider {
		case config.ProviderResend:
			m = NewResendMailer(e.Resend.APIKey, d.Log)
		default:
			m = NewSMTPMailer(e.SMTP, d.Log)
		}
		add(e.Channel, NewEmailSender(m, NewRenderer(nil), e.From, d.Log))
	}
	if w := cfg.Webhook; w.Enabled && d.Webhook != nil {
		add(w.Channel, NewWebhookSender(d.Webhook, ""))
	}
	if s := cfg.Slack; s.Enabled {
		add(s.Channel, NewSlackSender(s, d.HTTP, d.Log))
	}
	if s := cfg.SMS; s.Enabled {
		add(s.Channel, NewSMSSender(s, d.HTTP, d.Log))
	}
	if a := cfg.InApp; a.Enabled && d.Mailbox != nil {
		add(a.Channel, inapp.NewSender(d.Mailbox))
	}
	return reg
}
