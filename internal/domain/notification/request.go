package notification

import (
	"fmt"
	"time"
)

func (r *NotificationRequest) Validate() error {
	if r.EventType == "" {
		return fmt.Errorf("%w: event type is empty", ErrInvalidRequest)
	}
	if r.Priority != "" && !r.Priority.Valid() {
		return fmt.Errorf("%w: priority %q", ErrInvalidRequest, r.Priority)
	}
	if len(r.Channels) == 0 {
		return fmt.Errorf("%w: no channels", ErrInvalidRequest)
	}
	for i, c := range r.Channels {
		if !c.Channel.Valid() {
			return fmt.Errorf("%w: channels[%d]: unknown channel %q", ErrInvalidRequest, i, c.Channel)
		}
		if c.Payload == nil {
			return fmt.Errorf("%w: channels[%d]: missing payload", ErrInvalidRequest, i)
		}
		if c.Payload.Channel() != c.Channel {
			return fmt.Errorf("%w: channels[%d]: %s payload for %s channel", ErrInvalidRequest, i, c.Payload.Channel(), c.Channel)
		}
	}
	return nil
}

// New builds the pending record for one channel of a request.
func New(id string, req *NotificationRequest, c ChannelRequest, maxRetries int, now time.Time) *Notification {
	prio := req.Priority
	if prio == "" {
		prio = PriorityNormal
	}
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries(c.Channel)
	}
	n := &Notification{
		ID:          id,
		Channel:     c.Channel,
		EventType:   req.EventType,
		Priority:    prio,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ScheduledAt: cloneTime(req.ScheduledAt),
		MaxRetries:  maxRetries,
		Payload:     c.Payload.clone(),
		Metadata:    cloneMap(req.Metadata),
	}
	if req.IdempotencyKey != "" {
		if n.Metadata == nil {
			n.Metadata = map[string]string{}
		}
		n.Metadata["idempotency_key"] = req.IdempotencyKey
	}
	return n
}
