package notification

import (
	"fmt"
	"time"
)

// Amend copies the editable fields of src: payload, metadata and priority.
// Status and timestamps only change through transitions.
func (n *Notification) Amend(src *Notification, now time.Time) error {
	if src.Payload != nil {
		if src.Payload.Channel() != n.Channel {
			return fmt.Errorf("%w: %s payload for %s notification", ErrInvalidPayload, src.Payload.Channel(), n.Channel)
		}
		if err := src.Payload.Validate(); err != nil {
			return err
		}
		n.Payload = src.Payload.clone()
	}
	if src.Priority != "" {
		if !src.Priority.Valid() {
			return fmt.Errorf("%w: priority %q", ErrInvalidRequest, src.Priority)
		}
		n.Priority = src.Priority
	}
	n.Metadata = cloneMap(src.Metadata)
	n.touch(now)
	return nil
}

// Apply merges a bulk patch: priority is replaced, metadata keys are merged.
func (n *Notification) Apply(p Patch, now time.Time) error {
	if p.Priority != nil {
		if !p.Priority.Valid() {
			return fmt.Errorf("%w: priority %q", ErrInvalidRequest, *p.Priority)
		}
		n.Priority = *p.Priority
	}
	n.MergeMetadata(p.Metadata)
	n.touch(now)
	return nil
}

func (n *Notification) MergeMetadata(m map[string]string) {
	if len(m) == 0 {
		return
	}
	if n.Metadata == nil {
		n.Metadata = make(map[string]string, len(m))
	}
	for k, v := range m {
		n.Metadata[k] = v
	}
}

// Matches reports whether n passes every set field of f.
func (f Filter) Matches(n *Notification) bool {
	if f.Channel != "" && n.Channel != f.Channel {
		return false
	}
	if f.Status != "" && n.Status != f.Status {
		return false
	}
	if f.EventType != "" && n.EventType != f.EventType {
		return false
	}
	if f.Priority != "" && n.Priority != f.Priority {
		return false
	}
	if f.MetadataKey != "" {
		v, ok := n.Metadata[f.MetadataKey]
		if !ok || (f.MetadataVal != "" && v != f.MetadataVal) {
			return false
		}
	}
	if !f.CreatedFrom.IsZero() && n.CreatedAt.Before(f.CreatedFrom) {
		return false
	}
	if !f.CreatedTo.IsZero() && !n.CreatedAt.Before(f.CreatedTo) {
		return false
	}
	return true
}

// RetryDue reports whether the retry sweep should pick n up at now.
func (n *Notification) RetryDue(now time.Time, includeFailed bool) bool {
	switch n.Status {
	case StatusRetry:
		return n.NextRetryAt == nil || !n.NextRetryAt.After(now)
	case StatusFailed:
		return includeFailed && n.RetryCount < n.MaxRetries
	}
	return false
}

func (a *Analytics) Add(n *Notification) {
	a.AddGroup(n.Status, n.Channel, n.EventType, 1)
}

// AddGroup counts k notifications sharing status, channel and event type.
func (a *Analytics) AddGroup(st Status, c Channel, e EventType, k int) {
	if a.ByStatus == nil {
		a.ByStatus = map[Status]int{}
		a.ByChannel = map[Channel]int{}
		a.ByEventType = map[EventType]int{}
	}
	a.Total += k
	a.ByStatus[st] += k
	a.ByChannel[c] += k
	a.ByEventType[e] += k
}

func (s *DeliveryStats) Add(n *Notification) { s.AddStatus(n.Status, 1) }

func (s *DeliveryStats) AddStatus(st Status, k int) {
	s.Total += k
	switch st {
	case StatusSent:
		s.Sent += k
	case StatusDelivered:
		s.Delivered += k
	case StatusFailed:
		s.Failed += k
	default:
		s.InFlight += k
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Sent+s.Delivered) / float64(s.Total)
	}
}
