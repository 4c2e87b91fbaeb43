package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/obs"
	"github.com/NordCoder/Herald/internal/obs/retry"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const ReasonNoSender = "no sender registered for channel"

// persistTimeout bounds the writes that record a delivery outcome.
const persistTimeout = 10 * time.Second

var defaultBackoff = retry.Exponential{Base: time.Second, Max: 30 * time.Second, Multiplier: 2, Jitter: time.Second}

var (
	mDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "herald_dispatch_total",
		Help: "Dispatched requests by outcome",
	}, []string{"outcome"})
	mResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "herald_channel_results_total",
		Help: "Per-channel delivery results",
	}, []string{"channel", "status"})
	mDispatchDur = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "herald_dispatch_duration_seconds",
		Help:    "Time from request to every channel settling",
		Buckets: prometheus.DefBuckets,
	})
	mPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "herald_sender_panics_total",
		Help: "Sender panics recovered by the orchestrator",
	}, []string{"channel"})
)

type Senders interface {
	Get(c notification.Channel) (notification.Sender, bool)
}

// Orchestrator owns every status write for notifications it delivers.
type Orchestrator struct {
	repo    notification.Repository
	senders Senders
	clock   notification.Clock
	cfg     Config
	newID   func() string
	log     *zap.Logger

	inflight sync.WaitGroup
}

func New(repo notification.Repository, senders Senders, clock notification.Clock, cfg Config, log *zap.Logger) *Orchestrator {
	if clock == nil {
		clock = notification.SystemClock{}
	}
	return &Orchestrator{
		repo:    repo,
		senders: senders,
		clock:   clock,
		cfg:     cfg,
		newID:   uuid.NewString,
		log:     obs.Component(log, "dispatch"),
	}
}

func tracer() trace.Tracer { return otel.Tracer("herald/dispatch") }

// Dispatch persists one notification per channel and, unless the request is
// scheduled for later, delivers them all concurrently. Every channel settles
// before the aggregate outcome is computed; one channel's failure never
// cancels another.
func (o *Orchestrator) Dispatch(ctx context.Context, req *notification.NotificationRequest) (*notification.DispatchResult, error) {
	ctx, span := tracer().Start(ctx, "dispatch.Dispatch",
		trace.WithAttributes(attribute.String("event.type", string(req.EventType))))
	defer span.End()

	ns, scheduled, err := o.prepare(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if scheduled {
		return o.finish(ns, scheduledResults(ns), time.Now()), nil
	}
	start := time.Now()
	return o.finish(ns, o.fanOut(ctx, ns), start), nil
}

// DispatchAsync persists synchronously and delivers in the background,
// detached from ctx's cancellation. Wait drains background work.
func (o *Orchestrator) DispatchAsync(ctx context.Context, req *notification.NotificationRequest) ([]*notification.Notification, error) {
	ns, scheduled, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if scheduled {
		o.finish(ns, scheduledResults(ns), time.Now())
		return ns, nil
	}
	bg := context.WithoutCancel(ctx)
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		start := time.Now()
		o.finish(ns, o.fanOut(bg, ns), start)
	}()
	return ns, nil
}

// Wait blocks until background dispatches finish or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) prepare(ctx context.Context, req *notification.NotificationRequest) ([]*notification.Notification, bool, error) {
	if req == nil {
		return nil, false, fmt.Errorf("%w: nil request", notification.ErrInvalidRequest)
	}
	if err := req.Validate(); err != nil {
		return nil, false, err
	}
	for i, c := range req.Channels {
		if err := c.Payload.Validate(); err != nil {
			return nil, false, fmt.Errorf("channels[%d]: %w", i, err)
		}
	}

	now := o.clock.Now()
	pairs := o.expand(req)
	ns := make([]*notification.Notification, len(pairs))
	for i, c := range pairs {
		ns[i] = notification.New(o.newID(), req, c, o.cfg.maxRetries(c.Channel), now)
	}
	if err := o.repo.CreateMany(ctx, ns); err != nil {
		return nil, false, fmt.Errorf("persist notifications: %w", err)
	}

	if req.ScheduledAt == nil || !req.ScheduledAt.After(now) {
		return ns, false, nil
	}
	for i, n := range ns {
		updated, err := o.repo.Reschedule(ctx, n.ID, *req.ScheduledAt)
		if err != nil {
			return nil, false, fmt.Errorf("schedule %s: %w", n.ID, err)
		}
		ns[i] = updated
	}
	return ns, true, nil
}

// expand replaces webhook pairs without a URL by one pair per configured
// endpoint subscribed to the event. With no such endpoint the pair is kept and
// fails on delivery.
func (o *Orchestrator) expand(req *notification.NotificationRequest) []notification.ChannelRequest {
	out := make([]notification.ChannelRequest, 0, len(req.Channels))
	for _, c := range req.Channels {
		p, ok := c.Payload.(*notification.WebhookPayload)
		if !ok || p.URL != "" {
			out = append(out, c)
			continue
		}
		matched := false
		for _, ep := range o.cfg.Endpoints {
			if !ep.Subscribed(string(req.EventType)) {
				continue
			}
			cp := *p
			cp.URL = ep.URL
			if cp.Secret == "" {
				cp.Secret = ep.Secret
			}
			out = append(out, notification.ChannelRequest{Channel: c.Channel, Payload: &cp})
			matched = true
		}
		if !matched {
			out = append(out, c)
		}
	}
	return out
}

func (o *Orchestrator) fanOut(ctx context.Context, ns []*notification.Notification) []notification.ChannelResult {
	results := make([]notification.ChannelResult, len(ns))
	var wg sync.WaitGroup
	for i, n := range ns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = o.Deliver(ctx, n)
		}()
	}
	wg.Wait()
	return results
}

func scheduledResults(ns []*notification.Notification) []notification.ChannelResult {
	out := make([]notification.ChannelResult, len(ns))
	for i, n := range ns {
		out[i] = notification.ChannelResult{NotificationID: n.ID, Channel: n.Channel, Status: notification.StatusScheduled}
	}
	return out
}

func (o *Orchestrator) finish(ns []*notification.Notification, results []notification.ChannelResult, start time.Time) *notification.DispatchResult {
	res := &notification.DispatchResult{Outcome: notification.Aggregate(results), Results: results}
	mDispatches.WithLabelValues(string(res.Outcome)).Inc()
	mDispatchDur.Observe(time.Since(start).Seconds())
	for _, r := range results {
		mResults.WithLabelValues(string(r.Channel), string(r.Status)).Inc()
	}
	if res.Outcome == notification.OutcomePartial || res.Outcome == notification.OutcomeFailed {
		o.log.Info("dispatch settled with failures",
			zap.String("outcome", string(res.Outcome)),
			zap.Int("channels", len(ns)),
			zap.Int("succeeded", res.Succeeded()))
	}
	return res
}

// Deliver attempts one notification and writes the outcome through the
// repository. It never panics: a panicking or erroring sender leaves the
// notification failed. The outcome is written even after ctx is cancelled.
func (o *Orchestrator) Deliver(ctx context.Context, n *notification.Notification) (res notification.ChannelResult) {
	ctx, span := tracer().Start(ctx, "dispatch.Deliver", trace.WithAttributes(
		attribute.String("notification.id", n.ID),
		attribute.String("notification.channel", string(n.Channel)),
	))
	defer span.End()
	log := obs.WithTrace(ctx, o.log).With(zap.String("notification_id", n.ID), zap.String("channel", string(n.Channel)))

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			mPanics.WithLabelValues(string(n.Channel)).Inc()
			reason := fmt.Sprintf("sender panic: %v", r)
			res = o.fail(pctx, n, reason, 0)
			log.Error("sender panicked", zap.Any("panic", r))
		}
		span.SetAttributes(attribute.String("result.status", string(res.Status)))
	}()

	if !n.Due(o.clock.Now()) {
		return o.postpone(pctx, n, log)
	}

	s, ok := o.senders.Get(n.Channel)
	if !ok {
		return o.fail(pctx, n, ReasonNoSender, 0)
	}

	var err error
	if rs, ok := s.(notification.RetryingSender); ok {
		res, err = rs.SendWithRetries(ctx, n, func(ctx context.Context) error {
			updated, err := o.repo.IncrementRetryCount(ctx, n.ID)
			if err != nil {
				return err
			}
			n = updated
			return nil
		})
	} else {
		res, err = s.Send(ctx, n)
	}
	if err != nil {
		span.RecordError(err)
		log.Error("sender failed unexpectedly", zap.Error(err))
		return o.fail(pctx, n, "sender error: "+err.Error(), 1)
	}
	res.NotificationID = n.ID
	res.Channel = n.Channel
	return o.settle(pctx, n, res, log)
}

// postpone puts a notification that is not yet due back on the schedule, so a
// row already released to pending is picked up again by the scheduled sweep.
func (o *Orchestrator) postpone(ctx context.Context, n *notification.Notification, log *zap.Logger) notification.ChannelResult {
	res := notification.ChannelResult{NotificationID: n.ID, Channel: n.Channel, Status: notification.StatusScheduled}
	if n.Status == notification.StatusScheduled {
		return res
	}
	if _, err := o.repo.Reschedule(ctx, n.ID, *n.ScheduledAt); err != nil {
		log.Warn("return early notification to schedule", zap.Error(err))
	}
	return res
}

func (o *Orchestrator) settle(ctx context.Context, n *notification.Notification, res notification.ChannelResult, log *zap.Logger) notification.ChannelResult {
	switch res.Status {
	case notification.StatusDelivered:
		if _, err := o.repo.MarkAsSent(ctx, n.ID); err != nil {
			log.Warn("mark sent", zap.Error(err))
		}
		updated, err := o.repo.MarkAsDelivered(ctx, n.ID)
		if err != nil {
			log.Warn("mark delivered", zap.Error(err))
			return res
		}
		res.DeliveredAt = updated.DeliveredAt
		return res

	case notification.StatusSent:
		if _, err := o.repo.MarkAsSent(ctx, n.ID); err != nil {
			log.Warn("mark sent", zap.Error(err))
		}
		return res
	}

	reason := res.Error
	if reason == "" {
		reason = "delivery failed"
	}
	res.Status = notification.StatusFailed
	if !res.Retryable {
		return o.fail(ctx, n, reason, res.Attempts, res)
	}

	delay := o.cfg.backoff(n.Channel, n.Priority).Next(n.RetryCount)
	at := o.clock.Now().Add(delay)
	_, err := o.repo.ScheduleRetry(ctx, n.ID, reason, at)
	switch {
	case errors.Is(err, notification.ErrRetriesExhausted):
		res.Error = notification.ReasonMaxRetriesExceeded
		res.Retryable = false
		log.Info("retries exhausted", zap.String("last_error", reason))
	case err != nil:
		log.Warn("schedule retry", zap.Error(err))
		return o.fail(ctx, n, reason, res.Attempts, res)
	default:
		log.Debug("retry scheduled", zap.Time("at", at), zap.String("reason", reason))
	}
	return res
}

// fail persists the failed state and returns the matching result. base, when
// given, keeps the sender's details.
func (o *Orchestrator) fail(ctx context.Context, n *notification.Notification, reason string, attempts int, base ...notification.ChannelResult) notification.ChannelResult {
	res := notification.ChannelResult{NotificationID: n.ID, Channel: n.Channel, Attempts: attempts}
	if len(base) > 0 {
		res = base[0]
	}
	res.Status = notification.StatusFailed
	res.Error = reason
	res.Retryable = false
	if _, err := o.repo.MarkAsFailed(ctx, n.ID, reason); err != nil {
		o.log.Warn("mark failed", zap.String("notification_id", n.ID), zap.Error(err))
	}
	return res
}
