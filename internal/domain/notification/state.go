package notification

import (
	"fmt"
	"time"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusScheduled, StatusSent, StatusDelivered, StatusFailed, StatusRetry},
	StatusScheduled: {StatusPending, StatusScheduled},
	StatusSent:      {StatusDelivered, StatusFailed, StatusRetry},
	StatusFailed:    {StatusFailed, StatusRetry, StatusScheduled},
	StatusRetry:     {StatusPending, StatusFailed, StatusScheduled},
	StatusDelivered: nil,
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no automatic transition leaves the current state.
func (n *Notification) Terminal() bool {
	return n.Status == StatusDelivered || (n.Status == StatusFailed && n.RetryCount >= n.MaxRetries)
}

// Due reports whether delivery may be attempted at now.
func (n *Notification) Due(now time.Time) bool {
	return n.ScheduledAt == nil || !n.ScheduledAt.After(now)
}

func (n *Notification) check(to Status) error {
	if !CanTransition(n.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, n.Status, to)
	}
	return nil
}

// touch advances UpdatedAt strictly, even when the clock has not moved.
func (n *Notification) touch(now time.Time) {
	if !now.After(n.UpdatedAt) {
		now = n.UpdatedAt.Add(time.Microsecond)
	}
	n.UpdatedAt = now
}

// Transition is the generic entry point used by status updates that carry no
// extra data; it delegates to the specific transitions where fields are set.
func (n *Notification) Transition(to Status, now time.Time) error {
	switch to {
	case StatusSent:
		return n.MarkSent(now)
	case StatusDelivered:
		return n.MarkDelivered(now)
	case StatusFailed:
		return n.MarkFailed(n.FailureReason, now)
	case StatusScheduled:
		at := now
		if n.ScheduledAt != nil {
			at = *n.ScheduledAt
		}
		return n.Reschedule(at, now)
	case StatusRetry:
		return n.ScheduleRetry(n.FailureReason, now, now)
	case StatusPending:
		if err := n.check(to); err != nil {
			return err
		}
		if n.Status == StatusRetry && n.FailureReason != "" {
			n.FailureHistory = append(n.FailureHistory, n.FailureReason)
			n.FailureReason = ""
		}
		n.NextRetryAt = nil
		n.Status = StatusPending
		n.touch(now)
		return nil
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
}

func (n *Notification) MarkSent(now time.Time) error {
	if err := n.check(StatusSent); err != nil {
		return err
	}
	if !n.Due(now) {
		return ErrNotDue
	}
	n.Status = StatusSent
	if n.SentAt == nil {
		t := now
		n.SentAt = &t
	}
	n.touch(now)
	return nil
}

func (n *Notification) MarkDelivered(now time.Time) error {
	if err := n.check(StatusDelivered); err != nil {
		return err
	}
	if !n.Due(now) {
		return ErrNotDue
	}
	n.Status = StatusDelivered
	if n.SentAt == nil {
		t := now
		n.SentAt = &t
	}
	if n.DeliveredAt == nil {
		t := now
		n.DeliveredAt = &t
	}
	n.NextRetryAt = nil
	n.touch(now)
	return nil
}

// MarkFailed is idempotent: failing a failed notification refreshes the reason.
func (n *Notification) MarkFailed(reason string, now time.Time) error {
	if err := n.check(StatusFailed); err != nil {
		return err
	}
	if !n.Due(now) {
		return ErrNotDue
	}
	n.Status = StatusFailed
	if reason != "" {
		n.FailureReason = reason
	}
	n.NextRetryAt = nil
	n.touch(now)
	return nil
}

// ScheduleRetry re-queues the notification for another attempt at `at`. With
// the retry budget spent it fails the notification instead.
func (n *Notification) ScheduleRetry(reason string, at, now time.Time) error {
	if n.RetryCount >= n.MaxRetries {
		if n.Status != StatusFailed && !CanTransition(n.Status, StatusFailed) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, n.Status, StatusFailed)
		}
		n.Status = StatusFailed
		n.FailureReason = ReasonMaxRetriesExceeded
		n.NextRetryAt = nil
		n.touch(now)
		return ErrRetriesExhausted
	}
	if err := n.check(StatusRetry); err != nil {
		return err
	}
	n.Status = StatusRetry
	if reason != "" {
		n.FailureReason = reason
	}
	t := at
	n.NextRetryAt = &t
	n.touch(now)
	return nil
}

// IncrementRetry counts one retry attempt; it never exceeds MaxRetries. Only a
// notification queued for retry or claimed for delivery may count an attempt.
func (n *Notification) IncrementRetry(now time.Time) error {
	if n.Status == StatusDelivered {
		return fmt.Errorf("%w: retry of delivered notification", ErrInvalidTransition)
	}
	if n.RetryCount >= n.MaxRetries {
		return ErrRetriesExhausted
	}
	if n.Status != StatusRetry && n.Status != StatusPending {
		return fmt.Errorf("%w: retry of %s notification", ErrInvalidTransition, n.Status)
	}
	n.RetryCount++
	n.touch(now)
	return nil
}

func (n *Notification) Reschedule(at, now time.Time) error {
	if err := n.check(StatusScheduled); err != nil {
		return err
	}
	if n.Status == StatusRetry && n.FailureReason != "" {
		n.FailureHistory = append(n.FailureHistory, n.FailureReason)
		n.FailureReason = ""
	}
	t := at
	n.ScheduledAt = &t
	n.NextRetryAt = nil
	n.Status = StatusScheduled
	n.touch(now)
	return nil
}
