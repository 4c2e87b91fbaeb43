package sender

import (
	"context"
	"fmt"
	"strings"

	"github.com/NordCoder/Herald/internal/obs"

	"github.com/resend/resend-go/v2"
	"go.uber.org/zap"
)

// ResendMailer sends through the Resend HTTP API.
type ResendMailer struct {
	client *resend.Client
	log    *zap.Logger
}

func NewResendMailer(apiKey string, log *zap.Logger) *ResendMailer {
	return &ResendMailer{
		client: resend.NewClient(apiKey),
		log:    obs.Component(log, "sender.resend"),
	}
}

func (m *ResendMailer) Send(ctx context.Context, msg Message) (string, error) {
	params := &resend.SendEmailRequest{
		From:    msg.From,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Text:    msg.Body,
	}
	if looksLikeHTML(msg.Body) {
		params.Html = msg.Body
	}
	sent, err := m.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		// the client does not expose status codes; validation errors say so
		if strings.Contains(strings.ToLower(err.Error()), "validation") {
			return "", Permanent(fmt.Errorf("resend: %w", err))
		}
		return "", Transient(fmt.Errorf("resend: %w", err))
	}
	obs.WithTrace(ctx, m.log).Debug("email accepted", zap.String("id", sent.Id), zap.String("to", msg.To))
	return sent.Id, nil
}

func looksLikeHTML(s string) bool {
	t := strings.TrimSpace(s)
	return strings.HasPrefix(t, "<") && strings.HasSuffix(t, ">")
}
