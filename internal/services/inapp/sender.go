package inapp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/NordCoder/Herald/internal/domain/notification"
)

// Sender delivers in-app notifications into the mailbox. Storing the entry
// counts as delivery.
type Sender struct {
	mb  *Mailbox
	now func() time.Time
}

func NewSender(mb *Mailbox) *Sender { return &Sender{mb: mb, now: mb.now} }

func (s *Sender) Channel() notification.Channel { return notification.ChannelInApp }

func (s *Sender) Send(ctx context.Context, n *notification.Notification) (notification.ChannelResult, error) {
	res := notification.ChannelResult{NotificationID: n.ID, Channel: notification.ChannelInApp, Attempts: 1}
	p, ok := n.Payload.(*notification.InAppPayload)
	if !ok {
		res.Status = notification.StatusFailed
		res.Error = fmt.Sprintf("in-app sender got %T payload", n.Payload)
		return res, nil
	}
	now := s.now()
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		res.Status = notification.StatusFailed
		res.Error = "notification expired before delivery"
		return res, nil
	}

	err := s.mb.Send(ctx, Entry{
		ID:        n.ID,
		UserID:    p.UserID,
		EventType: string(n.EventType),
		Priority:  string(n.Priority),
		Title:     p.Title,
		Message:   p.Message,
		ActionURL: p.ActionURL,
		Category:  p.Category,
		CreatedAt: now,
		ExpiresAt: p.ExpiresAt,
	})
	if err != nil {
		res.Status = notification.StatusFailed
		res.Error = err.Error()
		res.Retryable = errors.Is(err, ErrClosed)
		return res, nil
	}
	res.Status = notification.StatusDelivered
	res.DeliveredAt = &now
	res.ProviderID = n.ID
	return res, nil
}
