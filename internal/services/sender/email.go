package sender

import (
	"context"
	"fmt"
	"time"

	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/obs"

	"go.uber.org/zap"
)

type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Mailer is the provider port. The returned id is the provider's message id
// when it has one.
type Mailer interface {
	Send(ctx context.Context, m Message) (string, error)
}

type EmailSender struct {
	mailer   Mailer
	renderer *Renderer
	from     string
	now      func() time.Time
	log      *zap.Logger
}

func NewEmailSender(m Mailer, r *Renderer, from string, log *zap.Logger) *EmailSender {
	if r == nil {
		r = NewRenderer(nil)
	}
	return &EmailSender{
		mailer:   m,
		renderer: r,
		from:     from,
		now:      time.Now,
		log:      obs.Component(log, "sender.email"),
	}
}

func (s *EmailSender) Channel() notification.Channel { return notification.ChannelEmail }

func (s *EmailSender) Send(ctx context.Context, n *notification.Notification) (notification.ChannelResult, error) {
	p, ok := n.Payload.(*notification.EmailPayload)
	if !ok {
		return failed(n, Permanent(fmt.Errorf("email sender got %T payload", n.Payload)), 0), nil
	}
	if err := p.Validate(); err != nil {
		return failed(n, Permanent(err), 0), nil
	}

	msg, err := s.compose(p)
	if err != nil {
		return failed(n, Permanent(err), 0), nil
	}

	id, err := s.mailer.Send(ctx, msg)
	if err != nil {
		obs.WithTrace(ctx, s.log).Warn("email send failed",
			zap.String("notification_id", n.ID), zap.String("to", msg.To), zap.Error(err))
		return failed(n, err, 1), nil
	}
	return succeeded(n, notification.StatusDelivered, id, s.now()), nil
}

func (s *EmailSender) compose(p *notification.EmailPayload) (Message, error) {
	subject, body := p.Subject, p.Body
	if p.Template != "" {
		t, ok := s.renderer.Template(p.Template)
		if !ok {
			return Message{}, fmt.Errorf("%w: unknown email template %q", notification.ErrInvalidPayload, p.Template)
		}
		if body == "" {
			body = t.Body
		}
		if subject == "" {
			subject = t.Subject
		}
	}
	from := p.From
	if from == "" {
		from = s.from
	}
	return Message{
		From:    from,
		To:      p.To,
		Subject: Render(subject, p.Data),
		Body:    Render(body, p.Data),
	}, nil
}
