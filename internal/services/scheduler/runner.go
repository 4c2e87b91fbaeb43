package scheduler

import (
	"context"
	"time"

	config "github.com/NordCoder/Herald/internal/config/herald"
	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/obs"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	mFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "herald_scheduler_fetched_total", Help: "Due notifications picked up by a sweep",
	}, []string{"sweep"})
	mProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "herald_scheduler_processed_total", Help: "Notifications a sweep delivered or settled",
	}, []string{"sweep"})
	mFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "herald_scheduler_failed_total", Help: "Notifications a sweep could not deliver",
	}, []string{"sweep"})
	mErr = promauto.NewCounter(prometheus.CounterOpts{
		Name: "herald_scheduler_errors_total", Help: "Errors in scheduler loop",
	})
	mLoopDur = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "herald_scheduler_loop_duration_seconds", Help: "Scheduler tick duration",
		Buckets: prometheus.DefBuckets,
	})
)

type Runner struct {
	Log   *zap.Logger
	UC    *Usecase
	Cfg   config.Scheduler
	Clock notification.Clock
}

func New(log *zap.Logger, uc *Usecase, cfg config.Scheduler, clock notification.Clock) *Runner {
	if clock == nil {
		clock = notification.SystemClock{}
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	return &Runner{Log: obs.Component(log, "scheduler.runner"), UC: uc, Cfg: cfg, Clock: clock}
}

func (r *Runner) tick(ctx context.Context) {
	start := time.Now()
	now := r.Clock.Now()

	sched, err := r.UC.SweepScheduled(ctx, now)
	r.observe("scheduled", sched, err)
	retries, err := r.UC.SweepRetries(ctx, now)
	r.observe("retries", retries, err)

	mLoopDur.Observe(time.Since(start).Seconds())
}

func (r *Runner) observe(sweep string, rep Report, err error) {
	if err != nil {
		mErr.Inc()
		r.Log.Warn("sweep error", zap.String("sweep", sweep), zap.Error(err))
		return
	}
	if rep.Total() == 0 {
		return
	}
	mFetched.WithLabelValues(sweep).Add(float64(rep.Total()))
	mProcessed.WithLabelValues(sweep).Add(float64(rep.Processed))
	mFailed.WithLabelValues(sweep).Add(float64(rep.Failed))
	r.Log.Debug("sweep batch", zap.String("sweep", sweep), zap.Int("processed", rep.Processed), zap.Int("failed", rep.Failed))
}

func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Cfg.Tick)
	defer ticker.Stop()

	r.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}
