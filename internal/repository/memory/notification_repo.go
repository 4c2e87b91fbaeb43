package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NordCoder/Herald/internal/domain/notification"
)

var _ notification.Repository = (*NotificationRepo)(nil)

// NotificationRepo keeps notifications in process memory. Values are deep
// copied on the way in and out.
type NotificationRepo struct {
	mu    sync.RWMutex
	items map[string]*notification.Notification
	clock notification.Clock
}

func NewNotificationRepo(clock notification.Clock) *NotificationRepo {
	if clock == nil {
		clock = notification.SystemClock{}
	}
	return &NotificationRepo{items: make(map[string]*notification.Notification), clock: clock}
}

func (r *NotificationRepo) Create(_ context.Context, n *notification.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insert(n)
}

func (r *NotificationRepo) insert(n *notification.Notification) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("%w: missing id", notification.ErrInvalidRequest)
	}
	if _, ok := r.items[n.ID]; ok {
		return fmt.Errorf("%w: %s", notification.ErrDuplicate, n.ID)
	}
	r.items[n.ID] = n.Clone()
	return nil
}

// CreateMany is all or nothing.
func (r *NotificationRepo) CreateMany(_ context.Context, ns []*notification.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool, len(ns))
	for _, n := range ns {
		if n == nil || n.ID == "" {
			return fmt.Errorf("%w: missing id", notification.ErrInvalidRequest)
		}
		if _, ok := r.items[n.ID]; ok || seen[n.ID] {
			return fmt.Errorf("%w: %s", notification.ErrDuplicate, n.ID)
		}
		seen[n.ID] = true
	}
	for _, n := range ns {
		r.items[n.ID] = n.Clone()
	}
	return nil
}

func (r *NotificationRepo) Update(_ context.Context, n *notification.Notification) error {
	_, err := r.mutate(n.ID, func(cur *notification.Notification, now time.Time) error {
		return cur.Amend(n, now)
	})
	return err
}

func (r *NotificationRepo) UpdateMany(_ context.Context, ids []string, p notification.Patch) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	updated := 0
	for _, id := range ids {
		cur, ok := r.items[id]
		if !ok {
			continue
		}
		cp := cur.Clone()
		if err := cp.Apply(p, now); err != nil {
			return updated, err
		}
		r.items[id] = cp
		updated++
	}
	return updated, nil
}

func (r *NotificationRepo) FindByID(_ context.Context, id string) (*notification.Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", notification.ErrNotFound, id)
	}
	return n.Clone(), nil
}

// FindMany returns newest first.
func (r *NotificationRepo) FindMany(_ context.Context, f notification.Filter, p notification.Page) ([]*notification.Notification, int, error) {
	r.mu.RLock()
	var matched []*notification.Notification
	for _, n := range r.items {
		if f.Matches(n) {
			matched = append(matched, n.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	total := len(matched)
	if p.Offset > 0 {
		if p.Offset >= total {
			return []*notification.Notification{}, total, nil
		}
		matched = matched[p.Offset:]
	}
	if p.Limit > 0 && len(matched) > p.Limit {
		matched = matched[:p.Limit]
	}
	return matched, total, nil
}

// mutate runs fn on a copy and stores it on success. A retry that ran out of
// budget still stores the failed record and hands back ErrRetriesExhausted.
func (r *NotificationRepo) mutate(id string, fn func(n *notification.Notification, now time.Time) error) (*notification.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", notification.ErrNotFound, id)
	}
	cp := cur.Clone()
	if err := fn(cp, r.clock.Now()); err != nil {
		if errors.Is(err, notification.ErrRetriesExhausted) && cp.Status == notification.StatusFailed {
			r.items[id] = cp
			return cp.Clone(), err
		}
		return nil, err
	}
	r.items[id] = cp
	return cp.Clone(), nil
}

func (r *NotificationRepo) UpdateStatus(_ context.Context, id string, status notification.Status, metadata map[string]string) (*notification.Notification, error) {
	return r.mutate(id, func(n *notification.Notification, now time.Time) error {
		if err := n.Transition(status, now); err != nil {
			return err
		}
		n.MergeMetadata(metadata)
		return nil
	})
}

func (r *NotificationRepo) MarkAsSent(_ context.Context, id string) (*notification.Notification, error) {
	return r.mutate(id, func(n *notification.Notification, now time.Time) error { return n.MarkSent(now) })
}

func (r *NotificationRepo) MarkAsDelivered(_ context.Context, id string) (*notification.Notification, error) {
	return r.mutate(id, func(n *notification.Notification, now time.Time) error { return n.MarkDelivered(now) })
}

func (r *NotificationRepo) MarkAsFailed(_ context.Context, id, reason string) (*notification.Notification, error) {
	return r.mutate(id, func(n *notification.Notification, now time.Time) error { return n.MarkFailed(reason, now) })
}

func (r *NotificationRepo) ScheduleRetry(_ context.Context, id, reason string, at time.Time) (*notification.Notification, error) {
	return r.mutate(id, func(n *notification.Notification, now time.Time) error { return n.ScheduleRetry(reason, at, now) })
}

func (r *NotificationRepo) IncrementRetryCount(_ context.Context, id string) (*notification.Notification, error) {
	return r.mutate(id, func(n *notification.Notification, now time.Time) error { return n.IncrementRetry(now) })
}

func (r *NotificationRepo) Reschedule(_ context.Context, id string, at time.Time) (*notification.Notification, error) {
	return r.mutate(id, func(n *notification.Notification, now time.Time) error { return n.Reschedule(at, now) })
}

func (r *NotificationRepo) FindScheduled(_ context.Context, before time.Time, limit int) ([]*notification.Notification, error) {
	return r.collect(limit, func(n *notification.Notification) (bool, time.Time) {
		if n.Status != notification.StatusScheduled || n.ScheduledAt == nil || n.ScheduledAt.After(before) {
			return false, time.Time{}
		}
		return true, *n.ScheduledAt
	}), nil
}

func (r *NotificationRepo) FindPendingRetries(_ context.Context, now time.Time, limit int, includeFailed bool) ([]*notification.Notification, error) {
	return r.collect(limit, func(n *notification.Notification) (bool, time.Time) {
		if !n.RetryDue(now, includeFailed) {
			return false, time.Time{}
		}
		if n.NextRetryAt != nil {
			return true, *n.NextRetryAt
		}
		return true, n.UpdatedAt
	}), nil
}

// collect orders matches by priority rank, highest first, then by due time.
func (r *NotificationRepo) collect(limit int, pick func(*notification.Notification) (bool, time.Time)) []*notification.Notification {
	type due struct {
		n  *notification.Notification
		at time.Time
	}
	r.mu.RLock()
	var out []due
	for _, n := range r.items {
		if ok, at := pick(n); ok {
			out = append(out, due{n.Clone(), at})
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].n.Priority.Rank(), out[j].n.Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		if !out[i].at.Equal(out[j].at) {
			return out[i].at.Before(out[j].at)
		}
		return out[i].n.ID < out[j].n.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	res := make([]*notification.Notification, len(out))
	for i, d := range out {
		res[i] = d.n
	}
	return res
}

func (r *NotificationRepo) GetAnalytics(_ context.Context, f notification.Filter) (*notification.Analytics, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a := &notification.Analytics{
		ByStatus:    map[notification.Status]int{},
		ByChannel:   map[notification.Channel]int{},
		ByEventType: map[notification.EventType]int{},
	}
	retries := 0
	for _, n := range r.items {
		if !f.Matches(n) {
			continue
		}
		a.Add(n)
		retries += n.RetryCount
	}
	if a.Total > 0 {
		a.AvgRetries = float64(retries) / float64(a.Total)
	}
	return a, nil
}

func (r *NotificationRepo) GetDeliveryStats(_ context.Context, since time.Time) ([]notification.DeliveryStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	by := map[notification.Channel]*notification.DeliveryStats{}
	for _, n := range r.items {
		if n.CreatedAt.Before(since) {
			continue
		}
		s, ok := by[n.Channel]
		if !ok {
			s = &notification.DeliveryStats{Channel: n.Channel}
			by[n.Channel] = s
		}
		s.Add(n)
	}
	out := make([]notification.DeliveryStats, 0, len(by))
	for _, c := range notification.Channels {
		if s, ok := by[c]; ok {
			out = append(out, *s)
		}
	}
	return out, nil
}
