package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/obs"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultBatch   = 100
	abandonTimeout = 5 * time.Second
)

// Deliverer attempts one due notification and persists the outcome.
type Deliverer interface {
	Deliver(ctx context.Context, n *notification.Notification) notification.ChannelResult
}

// Report summarizes one sweep. Processed counts items that were delivered or
// whose exhaustion was recorded; Failed counts the rest.
type Report struct {
	Processed int
	Failed    int
}

func (r Report) Total() int { return r.Processed + r.Failed }

type Usecase struct {
	Repo          notification.Repository
	Deliverer     Deliverer
	Batch         int
	IncludeFailed bool
	Log           *zap.Logger
}

func NewUC(repo notification.Repository, d Deliverer, batch int, includeFailed bool, log *zap.Logger) *Usecase {
	if batch <= 0 {
		batch = defaultBatch
	}
	return &Usecase{Repo: repo, Deliverer: d, Batch: batch, IncludeFailed: includeFailed, Log: obs.Component(log, "scheduler")}
}

func tracer() trace.Tracer { return otel.Tracer("scheduler.uc") }

// SweepScheduled releases scheduled notifications whose time has come and
// delivers them.
func (u *Usecase) SweepScheduled(ctx context.Context, now time.Time) (Report, error) {
	ctx, span := tracer().Start(ctx, "scheduler.sweep_scheduled",
		trace.WithAttributes(attribute.Int("batch.limit", u.Batch)))
	defer span.End()

	due, err := u.Repo.FindScheduled(ctx, now, u.Batch)
	if err != nil {
		span.RecordError(err)
		return Report{}, fmt.Errorf("find scheduled: %w", err)
	}
	span.SetAttributes(attribute.Int("batch.fetched", len(due)))

	var rep Report
	for _, n := range due {
		if u.releaseScheduled(ctx, n) {
			rep.Processed++
		} else {
			rep.Failed++
		}
	}
	span.SetAttributes(attribute.Int("batch.processed", rep.Processed), attribute.Int("batch.failed", rep.Failed))
	return rep, nil
}

func (u *Usecase) releaseScheduled(ctx context.Context, n *notification.Notification) bool {
	ctx, sp := tracer().Start(ctx, "scheduler.release", trace.WithAttributes(
		attribute.String("notification.id", n.ID),
		attribute.String("notification.channel", string(n.Channel)),
	))
	defer sp.End()

	pending, err := u.Repo.UpdateStatus(ctx, n.ID, notification.StatusPending, nil)
	if err != nil {
		sp.RecordError(err)
		u.Log.Warn("release scheduled", zap.String("notification_id", n.ID), zap.Error(err))
		return false
	}
	return u.deliver(ctx, sp, pending)
}

// SweepRetries re-attempts notifications whose retry time has come. With the
// budget spent the notification is failed instead.
func (u *Usecase) SweepRetries(ctx context.Context, now time.Time) (Report, error) {
	ctx, span := tracer().Start(ctx, "scheduler.sweep_retries", trace.WithAttributes(
		attribute.Int("batch.limit", u.Batch),
		attribute.Bool("include_failed", u.IncludeFailed),
	))
	defer span.End()

	due, err := u.Repo.FindPendingRetries(ctx, now, u.Batch, u.IncludeFailed)
	if err != nil {
		span.RecordError(err)
		return Report{}, fmt.Errorf("find pending retries: %w", err)
	}
	span.SetAttributes(attribute.Int("batch.fetched", len(due)))

	var rep Report
	for _, n := range due {
		if u.retry(ctx, n) {
			rep.Processed++
		} else {
			rep.Failed++
		}
	}
	span.SetAttributes(attribute.Int("batch.processed", rep.Processed), attribute.Int("batch.failed", rep.Failed))
	return rep, nil
}

func (u *Usecase) retry(ctx context.Context, n *notification.Notification) bool {
	ctx, sp := tracer().Start(ctx, "scheduler.retry", trace.WithAttributes(
		attribute.String("notification.id", n.ID),
		attribute.String("notification.channel", string(n.Channel)),
		attribute.Int("retry.count", n.RetryCount),
	))
	defer sp.End()
	log := u.Log.With(zap.String("notification_id", n.ID))

	if n.RetryCount >= n.MaxRetries {
		if _, err := u.Repo.MarkAsFailed(ctx, n.ID, notification.ReasonMaxRetriesExceeded); err != nil {
			sp.RecordError(err)
			log.Warn("record exhaustion", zap.Error(err))
			return false
		}
		sp.SetAttributes(attribute.String("retry.status", "exhausted"))
		return true
	}

	if n.Status == notification.StatusFailed {
		if _, err := u.Repo.UpdateStatus(ctx, n.ID, notification.StatusRetry, nil); err != nil {
			sp.RecordError(err)
			log.Warn("requeue failed notification", zap.Error(err))
			return false
		}
	}
	// Claim before counting: retry -> pending succeeds for one sweeper only.
	if _, err := u.Repo.UpdateStatus(ctx, n.ID, notification.StatusPending, nil); err != nil {
		sp.RecordError(err)
		log.Warn("release retry", zap.Error(err))
		return false
	}
	pending, err := u.Repo.IncrementRetryCount(ctx, n.ID)
	if err != nil {
		sp.RecordError(err)
		log.Warn("increment retry count", zap.Error(err))
		u.abandon(ctx, n.ID, err, log)
		return false
	}
	return u.deliver(ctx, sp, pending)
}

// abandon fails a claimed notification that cannot be attempted, so it is not
// left pending where no sweep looks.
func (u *Usecase) abandon(ctx context.Context, id string, cause error, log *zap.Logger) {
	reason := notification.ReasonMaxRetriesExceeded
	if !errors.Is(cause, notification.ErrRetriesExhausted) {
		reason = "retry bookkeeping failed: " + cause.Error()
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()
	if _, err := u.Repo.MarkAsFailed(pctx, id, reason); err != nil {
		log.Warn("fail claimed notification", zap.Error(err))
	}
}

func (u *Usecase) deliver(ctx context.Context, sp trace.Span, n *notification.Notification) bool {
	res := u.Deliverer.Deliver(ctx, n)
	sp.SetAttributes(attribute.String("delivery.status", string(res.Status)))
	if res.Status.Success() {
		return true
	}
	if res.Error == notification.ReasonMaxRetriesExceeded {
		return true
	}
	u.Log.Debug("sweep delivery failed",
		zap.String("notification_id", n.ID),
		zap.String("error", res.Error),
		zap.Bool("retryable", res.Retryable))
	return false
}
