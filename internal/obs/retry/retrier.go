package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Backoff interface {
	Next(attempt int) time.Duration
}

// Exponential grows the delay as Base*Multiplier^attempt, capped at Max, and
// adds up to Jitter of uniform random noise on top of the capped value.
type Exponential struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     time.Duration
}

// Delay is the deterministic part of the backoff for a zero-based attempt.
func (b Exponential) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(b.Base) * math.Pow(mult, float64(attempt))
	if b.Max > 0 && (d > float64(b.Max) || math.IsInf(d, 1)) {
		return b.Max
	}
	return time.Duration(d)
}

func (b Exponential) Next(attempt int) time.Duration {
	d := b.Delay(attempt)
	if b.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(b.Jitter)))
	}
	return d
}

// Scaled stretches or shrinks another backoff by a constant factor.
type Scaled struct {
	Backoff Backoff
	Factor  float64
}

func (s Scaled) Next(attempt int) time.Duration {
	d := s.Backoff.Next(attempt)
	if s.Factor <= 0 {
		return d
	}
	return time.Duration(float64(d) * s.Factor)
}

type Policy struct {
	Name      string
	Attempts  int
	Backoff   Backoff
	Retryable func(error) bool
	OnAttempt func(attempt int, err error)
	OnExhaust func(lastErr error)
}

var (
	retryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retry_attempts_total",
		Help: "Total retry attempts (including final).",
	}, []string{"name"})
	retryExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retry_exhausted_total",
		Help: "Operations that gave up, either out of attempts or on a non-retryable error.",
	}, []string{"name"})
	retryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "retry_duration_seconds",
		Help:    "Total time spent inside retry.Do (success or fail).",
		Buckets: prometheus.DefBuckets,
	}, []string{"name"})
)

// Do runs fn until it succeeds, returns a non-retryable error, runs out of
// attempts or ctx is done. Attempts are strictly sequential.
func Do(ctx context.Context, fn func() error, p Policy) error {
	start := time.Now()
	name := p.Name
	if name == "" {
		name = "default"
	}
	defer func() { retryLatency.WithLabelValues(name).Observe(time.Since(start).Seconds()) }()

	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	isRetryable := p.Retryable
	if isRetryable == nil {
		isRetryable = func(err error) bool { return err != nil }
	}

	var err error
	span := trace.SpanFromContext(ctx)

	for i := 0; i < attempts; i++ {
		err = fn()
		retryAttempts.WithLabelValues(name).Inc()
		if err == nil {
			return nil
		}
		if p.OnAttempt != nil {
			p.OnAttempt(i, err)
		}
		if span.IsRecording() {
			span.AddEvent("retry.attempt", trace.WithAttributes(
				attribute.Int("retry.attempt", i+1),
				attribute.String("retry.error", err.Error()),
			))
		}
		if !isRetryable(err) || i == attempts-1 {
			retryExhausted.WithLabelValues(name).Inc()
			if p.OnExhaust != nil {
				p.OnExhaust(err)
			}
			return err
		}
		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff.Next(i)
		}
		if err := Sleep(ctx, wait); err != nil {
			return err
		}
	}
	return err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
