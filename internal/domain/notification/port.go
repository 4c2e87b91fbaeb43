package notification

import (
	"context"
	"time"
)

type Filter struct {
	Channel     Channel
	Status      Status
	EventType   EventType
	Priority    Priority
	MetadataKey string
	MetadataVal string
	CreatedFrom time.Time
	CreatedTo   time.Time
}

type Page struct {
	Limit  int
	Offset int
}

// Patch carries the non-status fields UpdateMany may change.
type Patch struct {
	Priority *Priority
	Metadata map[string]string
}

type Analytics struct {
	Total       int               `json:"total"`
	ByStatus    map[Status]int    `json:"by_status"`
	ByChannel   map[Channel]int   `json:"by_channel"`
	ByEventType map[EventType]int `json:"by_event_type"`
	AvgRetries  float64           `json:"avg_retries"`
}

type DeliveryStats struct {
	Channel     Channel `json:"channel"`
	Total       int     `json:"total"`
	Sent        int     `json:"sent"`
	Delivered   int     `json:"delivered"`
	Failed      int     `json:"failed"`
	InFlight    int     `json:"in_flight"`
	SuccessRate float64 `json:"success_rate"`
}

// Repository is the single source of truth for notification state. Every
// status mutation goes through the domain transitions in state.go.
type Repository interface {
	Create(ctx context.Context, n *Notification) error
	CreateMany(ctx context.Context, ns []*Notification) error
	// Update persists non-status fields (payload, metadata, priority).
	Update(ctx context.Context, n *Notification) error
	UpdateMany(ctx context.Context, ids []string, p Patch) (int, error)
	FindByID(ctx context.Context, id string) (*Notification, error)
	FindMany(ctx context.Context, f Filter, p Page) ([]*Notification, int, error)

	UpdateStatus(ctx context.Context, id string, status Status, metadata map[string]string) (*Notification, error)
	MarkAsSent(ctx context.Context, id string) (*Notification, error)
	MarkAsDelivered(ctx context.Context, id string) (*Notification, error)
	MarkAsFailed(ctx context.Context, id, reason string) (*Notification, error)
	ScheduleRetry(ctx context.Context, id, reason string, at time.Time) (*Notification, error)
	IncrementRetryCount(ctx context.Context, id string) (*Notification, error)
	Reschedule(ctx context.Context, id string, at time.Time) (*Notification, error)

	FindScheduled(ctx context.Context, before time.Time, limit int) ([]*Notification, error)
	FindPendingRetries(ctx context.Context, now time.Time, limit int, includeFailed bool) ([]*Notification, error)

	GetAnalytics(ctx context.Context, f Filter) (*Analytics, error)
	GetDeliveryStats(ctx context.Context, since time.Time) ([]DeliveryStats, error)
}

// Sender delivers one notification over its transport. Expected failures are
// reported in the result; the error is reserved for unexpected conditions.
type Sender interface {
	Channel() Channel
	Send(ctx context.Context, n *Notification) (ChannelResult, error)
}

// RetryingSender retries transient failures inline. beforeRetry runs before
// every retry attempt; an error from it ends the attempts.
type RetryingSender interface {
	Sender
	SendWithRetries(ctx context.Context, n *Notification, beforeRetry func(ctx context.Context) error) (ChannelResult, error)
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// StatusEvent is published whenever a notification changes status.
type StatusEvent struct {
	NotificationID string    `json:"notification_id"`
	Channel        Channel   `json:"channel"`
	EventType      EventType `json:"event_type"`
	From           Status    `json:"from"`
	To             Status    `json:"to"`
	RetryCount     int       `json:"retry_count"`
	Reason         string    `json:"reason,omitempty"`
	At             time.Time `json:"at"`
}
