package outbox

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/NordCoder/Herald/internal/domain/outbox"
	"github.com/NordCoder/Herald/internal/obs"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	mPicked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "herald_outbox_picked_total", Help: "Messages picked into processing.",
	})
	mOk = promauto.NewCounter(prometheus.CounterOpts{
		Name: "herald_outbox_processed_ok_total", Help: "Messages processed successfully.",
	})
	mErr = promauto.NewCounter(prometheus.CounterOpts{
		Name: "herald_outbox_processed_err_total", Help: "Handler errors.",
	})
	mPoison = promauto.NewCounter(prometheus.CounterOpts{
		Name: "herald_outbox_poison_total", Help: "Messages dropped as undecodable.",
	})
	mTickDur = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "herald_outbox_tick_duration_seconds", Help: "Tick duration.",
		Buckets: prometheus.DefBuckets,
	})
	mBatchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "herald_outbox_last_batch_size", Help: "Size of last picked batch.",
	})
)

// Runner relays outbox messages to their handlers. A message is marked done
// only after its handler succeeds; the rest are picked again once the
// in-progress TTL lapses.
type Runner struct {
	log      *zap.Logger
	repo     outbox.Repository
	dispatch outbox.GlobalHandler

	workers       int
	batchSize     int
	waitTime      time.Duration
	inProgressTTL time.Duration
}

func NewOutboxRunner(
	log *zap.Logger,
	repo outbox.Repository,
	dispatch outbox.GlobalHandler,
	workers int,
	batchSize int,
	waitTime time.Duration,
	inProgressTTL time.Duration,
) *Runner {
	if workers <= 0 {
		workers = 1
	}
	return &Runner{
		log: obs.Component(log, "outbox"), repo: repo, dispatch: dispatch,
		workers: workers, batchSize: batchSize, waitTime: waitTime, inProgressTTL: inProgressTTL,
	}
}

// Start runs the workers until ctx is done.
func (r *Runner) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go r.worker(ctx, &wg)
	}
	wg.Wait()
}

func (r *Runner) worker(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	r.log.Info("outbox worker started", zap.String("wait_ms", strconv.FormatInt(r.waitTime.Milliseconds(), 10)))

	ticker := time.NewTicker(r.waitTime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox worker stop")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick relays one batch and returns how many messages were published.
// Poison messages are marked done without being published.
func (r *Runner) tick(ctx context.Context) int {
	t0 := time.Now()
	defer func() { mTickDur.Observe(time.Since(t0).Seconds()) }()

	tr := otel.Tracer("outbox.runner")
	prop := otel.GetTextMapPropagator()

	ctxSpan, span := tr.Start(ctx, "outbox.tick")
	defer span.End()
	span.SetAttributes(
		attribute.Int("batch.limit", r.batchSize),
		attribute.String("in_progress_ttl", r.inProgressTTL.String()),
	)

	messages, err := r.repo.PickBatch(ctxSpan, r.batchSize, r.inProgressTTL)
	if err != nil {
		span.RecordError(err)
		mErr.Inc()
		obs.WithTrace(ctxSpan, r.log).Error("outbox pick error", zap.Error(err))
		return 0
	}
	mPicked.Add(float64(len(messages)))
	mBatchSize.Set(float64(len(messages)))
	if len(messages) == 0 {
		return 0
	}

	okKeys := make([]string, 0, len(messages))
	relayed := 0
	for _, m := range messages {
		parent := prop.Extract(ctx, propagation.MapCarrier{
			"traceparent": m.Traceparent,
			"tracestate":  m.Tracestate,
			"baggage":     m.Baggage,
		})

		msgCtx, msgSpan := tr.Start(parent, "outbox.dispatch",
			trace.WithAttributes(
				attribute.String("outbox.key", m.IdempotencyKey),
				attribute.Int("outbox.kind", int(m.Kind)),
			),
		)

		handler, herr := r.dispatch(m.Kind)
		if herr != nil {
			msgSpan.RecordError(herr)
			mErr.Inc()
			obs.WithTrace(msgCtx, r.log).Error("no handler for kind",
				zap.Int("kind", int(m.Kind)), zap.Error(herr))
			msgSpan.End()
			continue
		}

		if err := handler(msgCtx, m.Data); err != nil {
			msgSpan.RecordError(err)
			if IsPoison(err) {
				mPoison.Inc()
				obs.WithTrace(msgCtx, r.log).Warn("dropping poison message",
					zap.String("key", m.IdempotencyKey), zap.Error(err))
				okKeys = append(okKeys, m.IdempotencyKey)
			} else {
				mErr.Inc()
				obs.WithTrace(msgCtx, r.log).Error("handler error",
					zap.Int("kind", int(m.Kind)), zap.Error(err))
			}
			msgSpan.End()
			continue
		}

		msgSpan.End()
		okKeys = append(okKeys, m.IdempotencyKey)
		relayed++
		mOk.Inc()
	}

	if err := r.repo.MarkSuccess(ctxSpan, okKeys); err != nil {
		span.RecordError(err)
		mErr.Inc()
		obs.WithTrace(ctxSpan, r.log).Error("mark success error", zap.Error(err))
	}
	return relayed
}
