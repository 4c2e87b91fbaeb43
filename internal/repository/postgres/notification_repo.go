package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/domain/outbox"

	"github.com/jackc/pgx/v5"
)

var _ notification.Repository = (*NotificationRepo)(nil)

// NotificationRepo stores notifications in postgres. Status mutations lock the
// row, apply the domain transition and enqueue a status event in one
// transaction.
type NotificationRepo struct {
	db     *DB
	tx     Transactor
	events outbox.Repository
	clock  notification.Clock
}

func NewNotificationRepo(db *DB, tx Transactor, events outbox.Repository, clock notification.Clock) *NotificationRepo {
	if clock == nil {
		clock = notification.SystemClock{}
	}
	return &NotificationRepo{db: db, tx: tx, events: events, clock: clock}
}

const notifCols = `id, channel, event_type, priority, status, created_at, updated_at, scheduled_at, sent_at,
delivered_at, next_retry_at, failure_reason, failure_history, retry_count, max_retries, payload, metadata`

const (
	qNotifInsert = `
INSERT INTO notifications (` + notifCols + `, priority_rank)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18);`

	qNotifGet = `SELECT ` + notifCols + ` FROM notifications WHERE id = $1;`

	qNotifLock = `SELECT ` + notifCols + ` FROM notifications WHERE id = $1 FOR UPDATE;`

	qNotifSave = `
UPDATE notifications
SET priority = $2, priority_rank = $3, status = $4, updated_at = $5, scheduled_at = $6, sent_at = $7,
    delivered_at = $8, next_retry_at = $9, failure_reason = $10, failure_history = $11,
    retry_count = $12, max_retries = $13, payload = $14, metadata = $15
WHERE id = $1;`

	qNotifScheduled = `
SELECT ` + notifCols + `
FROM notifications
WHERE status = 'scheduled' AND scheduled_at <= $1
ORDER BY priority_rank DESC, scheduled_at, id
LIMIT NULLIF($2::int, 0);`

	qNotifRetries = `
SELECT ` + notifCols + `
FROM notifications
WHERE (status = 'retry' AND (next_retry_at IS NULL OR next_retry_at <= $1))
   OR ($3 AND status = 'failed' AND retry_count < max_retries)
ORDER BY priority_rank DESC, COALESCE(next_retry_at, updated_at), id
LIMIT NULLIF($2::int, 0);`

	qNotifStats = `
SELECT channel, status, count(*)
FROM notifications
WHERE created_at >= $1
GROUP BY channel, status;`
)

func scanNotification(row pgx.Row) (*notification.Notification, error) {
	var (
		n                                 notification.Notification
		channel, event, prio, status      string
		scheduled, sent, delivered, retry *time.Time
		payload, meta                     []byte
	)
	if err := row.Scan(
		&n.ID, &channel, &event, &prio, &status,
		&n.CreatedAt, &n.UpdatedAt,
		&scheduled, &sent, &delivered, &retry,
		&n.FailureReason, &n.FailureHistory,
		&n.RetryCount, &n.MaxRetries,
		&payload, &meta,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notification.ErrNotFound
		}
		return nil, fmt.Errorf("scan notification: %w", err)
	}
	n.Channel = notification.Channel(channel)
	n.EventType = notification.EventType(event)
	n.Priority = notification.Priority(prio)
	n.Status = notification.Status(status)
	n.CreatedAt = n.CreatedAt.UTC()
	n.UpdatedAt = n.UpdatedAt.UTC()
	n.ScheduledAt, n.SentAt, n.DeliveredAt, n.NextRetryAt = utc(scheduled), utc(sent), utc(delivered), utc(retry)

	p, err := notification.DecodePayload(n.Channel, payload)
	if err != nil {
		return nil, fmt.Errorf("notification %s: %w", n.ID, err)
	}
	n.Payload = p
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &n.Metadata); err != nil {
			return nil, fmt.Errorf("notification %s metadata: %w", n.ID, err)
		}
	}
	return &n, nil
}

func scanMany(rows pgx.Rows) ([]*notification.Notification, error) {
	defer rows.Close()
	var out []*notification.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func encodeMeta(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func insertArgs(n *notification.Notification) ([]any, error) {
	payload, err := notification.EncodePayload(n.Payload)
	if err != nil {
		return nil, err
	}
	meta, err := encodeMeta(n.Metadata)
	if err != nil {
		return nil, err
	}
	return []any{
		n.ID, string(n.Channel), string(n.EventType), string(n.Priority), string(n.Status),
		n.CreatedAt, n.UpdatedAt, n.ScheduledAt, n.SentAt, n.DeliveredAt, n.NextRetryAt,
		n.FailureReason, n.FailureHistory, n.RetryCount, n.MaxRetries, payload, meta,
		n.Priority.Rank(),
	}, nil
}

func (r *NotificationRepo) Create(ctx context.Context, n *notification.Notification) error {
	return r.CreateMany(ctx, []*notification.Notification{n})
}

// CreateMany inserts every notification or none.
func (r *NotificationRepo) CreateMany(ctx context.Context, ns []*notification.Notification) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	return r.tx.WithTx(ctx, func(ctx context.Context) error {
		eq := r.db.execQueryer(ctx)
		for _, n := range ns {
			if n == nil || n.ID == "" {
				return fmt.Errorf("%w: missing id", notification.ErrInvalidRequest)
			}
			args, err := insertArgs(n)
			if err != nil {
				return err
			}
			if _, err := eq.Exec(ctx, qNotifInsert, args...); err != nil {
				return mapErr(err, "insert notification")
			}
		}
		return nil
	})
}

func (r *NotificationRepo) save(ctx context.Context, eq execQueryer, n *notification.Notification) error {
	payload, err := notification.EncodePayload(n.Payload)
	if err != nil {
		return err
	}
	meta, err := encodeMeta(n.Metadata)
	if err != nil {
		return err
	}
	if _, err := eq.Exec(ctx, qNotifSave,
		n.ID, string(n.Priority), n.Priority.Rank(), string(n.Status), n.UpdatedAt,
		n.ScheduledAt, n.SentAt, n.DeliveredAt, n.NextRetryAt,
		n.FailureReason, n.FailureHistory, n.RetryCount, n.MaxRetries, payload, meta,
	); err != nil {
		return mapErr(err, "save notification")
	}
	return nil
}

// publish enqueues a status event when the status or the retry count moved.
func (r *NotificationRepo) publish(ctx context.Context, before, after *notification.Notification) error {
	if before.Status == after.Status && before.RetryCount == after.RetryCount {
		return nil
	}
	ev := notification.StatusEvent{
		NotificationID: after.ID,
		Channel:        after.Channel,
		EventType:      after.EventType,
		From:           before.Status,
		To:             after.Status,
		RetryCount:     after.RetryCount,
		Reason:         after.FailureReason,
		At:             after.UpdatedAt,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode status event: %w", err)
	}
	key := fmt.Sprintf("%s:%s:%d", after.ID, after.Status, after.UpdatedAt.UnixNano())
	return r.events.Enqueue(ctx, key, outbox.KindStatusChanged, data)
}

// mutate locks the row, runs fn on a copy and saves it. A retry that ran out
// of budget still saves the failed record and hands back ErrRetriesExhausted.
func (r *NotificationRepo) mutate(ctx context.Context, id string, fn func(n *notification.Notification, now time.Time) error) (*notification.Notification, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var (
		out    *notification.Notification
		domErr error
	)
	err := r.tx.WithTx(ctx, func(ctx context.Context) error {
		eq := r.db.execQueryer(ctx)
		cur, err := scanNotification(eq.QueryRow(ctx, qNotifLock, id))
		if errors.Is(err, notification.ErrNotFound) {
			return fmt.Errorf("%w: %s", notification.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		next := cur.Clone()
		if err := fn(next, r.clock.Now()); err != nil {
			if !errors.Is(err, notification.ErrRetriesExhausted) || next.Status != notification.StatusFailed {
				return err
			}
			domErr = err
		}
		if err := r.save(ctx, eq, next); err != nil {
			return err
		}
		if err := r.publish(ctx, cur, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, domErr
}

func (r *NotificationRepo) Update(ctx context.Context, n *notification.Notification) error {
	_, err := r.mutate(ctx, n.ID, func(cur *notification.Notification, now time.Time) error {
		return cur.Amend(n, now)
	})
	return err
}

// UpdateMany skips ids that do not exist and reports how many rows changed.
func (r *NotificationRepo) UpdateMany(ctx context.Context, ids []string, p notification.Patch) (int, error) {
	updated := 0
	for _, id := range ids {
		_, err := r.mutate(ctx, id, func(n *notification.Notification, now time.Time) error {
			return n.Apply(p, now)
		})
		if errors.Is(err, notification.ErrNotFound) {
			continue
		}
		if err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

func (r *NotificationRepo) FindByID(ctx context.Context, id string) (*notification.Notification, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	n, err := scanNotification(r.db.execQueryer(ctx).QueryRow(ctx, qNotifGet, id))
	if errors.Is(err, notification.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", notification.ErrNotFound, id)
	}
	return n, err
}

// whereClause renders f as SQL conditions with positional arguments.
func whereClause(f notification.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Channel != "" {
		add("channel = $%d", string(f.Channel))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.EventType != "" {
		add("event_type = $%d", string(f.EventType))
	}
	if f.Priority != "" {
		add("priority = $%d", string(f.Priority))
	}
	if f.MetadataKey != "" {
		if f.MetadataVal != "" {
			b, _ := json.Marshal(map[string]string{f.MetadataKey: f.MetadataVal})
			add("metadata @> $%d::jsonb", string(b))
		} else {
			add("metadata ? $%d", f.MetadataKey)
		}
	}
	if !f.CreatedFrom.IsZero() {
		add("created_at >= $%d", f.CreatedFrom)
	}
	if !f.CreatedTo.IsZero() {
		add("created_at < $%d", f.CreatedTo)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// FindMany returns newest first.
func (r *NotificationRepo) FindMany(ctx context.Context, f notification.Filter, p notification.Page) ([]*notification.Notification, int, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()
	eq := r.db.execQueryer(ctx)

	where, args := whereClause(f)
	var total int
	if err := eq.QueryRow(ctx, "SELECT count(*) FROM notifications"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	offset := p.Offset
	if offset < 0 {
		offset = 0
	}
	limit := p.Limit
	if limit < 0 {
		limit = 0
	}
	args = append(args, limit, offset)
	q := fmt.Sprintf("SELECT %s FROM notifications%s ORDER BY created_at DESC, id LIMIT NULLIF($%d::int, 0) OFFSET $%d",
		notifCols, where, len(args)-1, len(args))

	rows, err := eq.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query notifications: %w", err)
	}
	out, err := scanMany(rows)
	if err != nil {
		return nil, 0, err
	}
	if out == nil {
		out = []*notification.Notification{}
	}
	return out, total, nil
}

func (r *NotificationRepo) UpdateStatus(ctx context.Context, id string, status notification.Status, metadata map[string]string) (*notification.Notification, error) {
	return r.mutate(ctx, id, func(n *notification.Notification, now time.Time) error {
		if err := n.Transition(status, now); err != nil {
			return err
		}
		n.MergeMetadata(metadata)
		return nil
	})
}

func (r *NotificationRepo) MarkAsSent(ctx context.Context, id string) (*notification.Notification, error) {
	return r.mutate(ctx, id, func(n *notification.Notification, now time.Time) error { return n.MarkSent(now) })
}

func (r *NotificationRepo) MarkAsDelivered(ctx context.Context, id string) (*notification.Notification, error) {
	return r.mutate(ctx, id, func(n *notification.Notification, now time.Time) error { return n.MarkDelivered(now) })
}

func (r *NotificationRepo) MarkAsFailed(ctx context.Context, id, reason string) (*notification.Notification, error) {
	return r.mutate(ctx, id, func(n *notification.Notification, now time.Time) error { return n.MarkFailed(reason, now) })
}

func (r *NotificationRepo) ScheduleRetry(ctx context.Context, id, reason string, at time.Time) (*notification.Notification, error) {
	return r.mutate(ctx, id, func(n *notification.Notification, now time.Time) error { return n.ScheduleRetry(reason, at, now) })
}

func (r *NotificationRepo) IncrementRetryCount(ctx context.Context, id string) (*notification.Notification, error) {
	return r.mutate(ctx, id, func(n *notification.Notification, now time.Time) error { return n.IncrementRetry(now) })
}

func (r *NotificationRepo) Reschedule(ctx context.Context, id string, at time.Time) (*notification.Notification, error) {
	return r.mutate(ctx, id, func(n *notification.Notification, now time.Time) error { return n.Reschedule(at, now) })
}

func (r *NotificationRepo) FindScheduled(ctx context.Context, before time.Time, limit int) ([]*notification.Notification, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.execQueryer(ctx).Query(ctx, qNotifScheduled, before, max(limit, 0))
	if err != nil {
		return nil, fmt.Errorf("find scheduled: %w", err)
	}
	return scanMany(rows)
}

func (r *NotificationRepo) FindPendingRetries(ctx context.Context, now time.Time, limit int, includeFailed bool) ([]*notification.Notification, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.execQueryer(ctx).Query(ctx, qNotifRetries, now, max(limit, 0), includeFailed)
	if err != nil {
		return nil, fmt.Errorf("find pending retries: %w", err)
	}
	return scanMany(rows)
}

func (r *NotificationRepo) GetAnalytics(ctx context.Context, f notification.Filter) (*notification.Analytics, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	where, args := whereClause(f)
	q := "SELECT status, channel, event_type, count(*), COALESCE(sum(retry_count), 0) FROM notifications" +
		where + " GROUP BY status, channel, event_type"
	rows, err := r.db.execQueryer(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("analytics: %w", err)
	}
	defer rows.Close()

	a := &notification.Analytics{
		ByStatus:    map[notification.Status]int{},
		ByChannel:   map[notification.Channel]int{},
		ByEventType: map[notification.EventType]int{},
	}
	var retries int64
	for rows.Next() {
		var (
			status, channel, event string
			count, sum             int64
		)
		if err := rows.Scan(&status, &channel, &event, &count, &sum); err != nil {
			return nil, fmt.Errorf("analytics scan: %w", err)
		}
		a.AddGroup(notification.Status(status), notification.Channel(channel), notification.EventType(event), int(count))
		retries += sum
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if a.Total > 0 {
		a.AvgRetries = float64(retries) / float64(a.Total)
	}
	return a, nil
}

func (r *NotificationRepo) GetDeliveryStats(ctx context.Context, since time.Time) ([]notification.DeliveryStats, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.execQueryer(ctx).Query(ctx, qNotifStats, since)
	if err != nil {
		return nil, fmt.Errorf("delivery stats: %w", err)
	}
	defer rows.Close()

	by := map[notification.Channel]*notification.DeliveryStats{}
	for rows.Next() {
		var (
			channel, status string
			count           int64
		)
		if err := rows.Scan(&channel, &status, &count); err != nil {
			return nil, fmt.Errorf("delivery stats scan: %w", err)
		}
		c := notification.Channel(channel)
		s, ok := by[c]
		if !ok {
			s = &notification.DeliveryStats{Channel: c}
			by[c] = s
		}
		s.AddStatus(notification.Status(status), int(count))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]notification.DeliveryStats, 0, len(by))
	for _, c := range notification.Channels {
		if s, ok := by[c]; ok {
			out = append(out, *s)
		}
	}
	return out, nil
}
