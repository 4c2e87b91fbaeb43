package kafka

import (
	"context"

	"github.com/NordCoder/Herald/internal/domain/notification"
)

type StatusEventsKafka struct {
	p *Producer
}

func NewStatusEventsKafka(p *Producer) *StatusEventsKafka { return &StatusEventsKafka{p: p} }

// PublishStatusEvent keys by notification id so one notification's events stay ordered.
func (e *StatusEventsKafka) PublishStatusEvent(ctx context.Context, ev notification.StatusEvent) error {
	return e.p.PublishJSON(ctx, []byte(ev.NotificationID), ev)
}
