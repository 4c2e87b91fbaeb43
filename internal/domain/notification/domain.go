package notification

import (
	"errors"
	"time"
)

type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
	ChannelInApp   Channel = "in_app"
	ChannelSlack   Channel = "slack"
	ChannelSMS     Channel = "sms"
)

var Channels = []Channel{ChannelEmail, ChannelWebhook, ChannelInApp, ChannelSlack, ChannelSMS}

func (c Channel) Valid() bool {
	for _, k := range Channels {
		if c == k {
			return true
		}
	}
	return false
}

type EventType string

const (
	EventLeadCaptured    EventType = "lead.captured"
	EventWelcomeSequence EventType = "welcome.sequence"
	EventDemoScheduled   EventType = "demo.scheduled"
	EventPaymentFailed   EventType = "payment.failed"
	EventWebhookTest     EventType = "webhook.test"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities for sweeps; higher runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return 1
	}
}

// BackoffFactor scales retry delays: urgent work retries sooner, low priority later.
func (p Priority) BackoffFactor() float64 {
	switch p {
	case PriorityLow:
		return 2
	case PriorityHigh:
		return 0.75
	case PriorityUrgent:
		return 0.5
	default:
		return 1
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusRetry     Status = "retry"
)

// Success reports whether the transport accepted or confirmed the message.
func (s Status) Success() bool { return s == StatusSent || s == StatusDelivered }

const ReasonMaxRetriesExceeded = "maximum retry attempts exceeded"

var (
	ErrNotFound          = errors.New("notification not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRetriesExhausted  = errors.New(ReasonMaxRetriesExceeded)
	ErrNotDue            = errors.New("notification is scheduled in the future")
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrInvalidRequest    = errors.New("invalid notification request")
	ErrDuplicate         = errors.New("notification already exists")
)

type Notification struct {
	ID             string            `json:"id"`
	Channel        Channel           `json:"channel"`
	EventType      EventType         `json:"event_type"`
	Priority       Priority          `json:"priority"`
	Status         Status            `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	ScheduledAt    *time.Time        `json:"scheduled_at,omitempty"`
	SentAt         *time.Time        `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time        `json:"delivered_at,omitempty"`
	NextRetryAt    *time.Time        `json:"next_retry_at,omitempty"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	FailureHistory []string          `json:"failure_history,omitempty"`
	RetryCount     int               `json:"retry_count"`
	MaxRetries     int               `json:"max_retries"`
	Payload        Payload           `json:"-"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// DefaultMaxRetries is used when neither the request nor the channel config sets a budget.
func DefaultMaxRetries(c Channel) int {
	if c == ChannelInApp {
		return 1
	}
	return 3
}

// Clone returns a deep copy so repositories never share mutable state with callers.
func (n *Notification) Clone() *Notification {
	if n == nil {
		return nil
	}
	cp := *n
	cp.ScheduledAt = cloneTime(n.ScheduledAt)
	cp.SentAt = cloneTime(n.SentAt)
	cp.DeliveredAt = cloneTime(n.DeliveredAt)
	cp.NextRetryAt = cloneTime(n.NextRetryAt)
	if n.FailureHistory != nil {
		cp.FailureHistory = append([]string(nil), n.FailureHistory...)
	}
	if n.Metadata != nil {
		cp.Metadata = make(map[string]string, len(n.Metadata))
		for k, v := range n.Metadata {
			cp.Metadata[k] = v
		}
	}
	if n.Payload != nil {
		cp.Payload = n.Payload.clone()
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type ChannelRequest struct {
	Channel Channel `json:"channel"`
	Payload Payload `json:"-"`
}

type NotificationRequest struct {
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	EventType      EventType         `json:"event_type"`
	Priority       Priority          `json:"priority,omitempty"`
	ScheduledAt    *time.Time        `json:"scheduled_at,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Channels       []ChannelRequest  `json:"channels"`
}

type ChannelResult struct {
	NotificationID string     `json:"notification_id,omitempty"`
	Channel        Channel    `json:"channel"`
	Status         Status     `json:"status"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	Error          string     `json:"error,omitempty"`
	Retryable      bool       `json:"retryable,omitempty"`
	Attempts       int        `json:"attempts,omitempty"`
	ProviderID     string     `json:"provider_id,omitempty"`
}

type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomePartial   Outcome = "delivered_partial"
	OutcomeFailed    Outcome = "failed"
	OutcomeScheduled Outcome = "scheduled"
)

type DispatchResult struct {
	Outcome Outcome         `json:"outcome"`
	Results []ChannelResult `json:"results"`
}

// Succeeded counts channel results the transport accepted.
func (r *DispatchResult) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.Status.Success() {
			n++
		}
	}
	return n
}

// Aggregate folds per-channel results into one outcome.
func Aggregate(results []ChannelResult) Outcome {
	var ok, failed, scheduled int
	for _, r := range results {
		switch {
		case r.Status.Success():
			ok++
		case r.Status == StatusScheduled:
			scheduled++
		default:
			failed++
		}
	}
	switch {
	case ok > 0 && failed == 0:
		return OutcomeDelivered
	case ok > 0:
		return OutcomePartial
	case scheduled > 0 && failed == 0:
		return OutcomeScheduled
	default:
		return OutcomeFailed
	}
}
