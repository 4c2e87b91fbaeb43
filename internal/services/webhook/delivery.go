package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	config "github.com/NordCoder/Herald/internal/config/herald"
	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/obs"
	"github.com/NordCoder/Herald/internal/obs/retry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var (
	mAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "herald_webhook_attempts_total",
		Help: "Webhook HTTP attempts by outcome",
	}, []string{"outcome"})
	mLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "herald_webhook_attempt_duration_seconds",
		Help:    "Webhook HTTP attempt latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})
)

var DefaultRetryableStatuses = []int{
	http.StatusRequestTimeout,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

type Config struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Multiplier        float64
	Jitter            time.Duration
	Timeout           time.Duration
	RetryableStatuses []int
	Source            Source
	UserAgent         string
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		Multiplier:        2,
		Jitter:            time.Second,
		Timeout:           30 * time.Second,
		RetryableStatuses: DefaultRetryableStatuses,
		Source:            Source{Name: "herald", Version: "1.0"},
	}
}

func ConfigFrom(c config.Webhook) Config {
	out := Config{
		MaxRetries:        c.MaxRetries,
		BaseDelay:         c.RetryBaseDelay,
		MaxDelay:          c.RetryMaxDelay,
		Multiplier:        c.RetryMultiplier,
		Jitter:            c.RetryJitter,
		Timeout:           c.Timeout,
		RetryableStatuses: c.RetryableStatuses,
		Source:            Source{Name: c.SourceName, Version: c.SourceVersion},
		UserAgent:         c.UserAgent,
	}
	if len(out.RetryableStatuses) == 0 {
		out.RetryableStatuses = DefaultRetryableStatuses
	}
	return out
}

// Request is one logical delivery. MaxRetries < 0 falls back to the service default.
type Request struct {
	ID         string
	URL        string
	Method     string
	Event      string
	Headers    map[string]string
	Body       []byte
	Secret     string
	Timeout    time.Duration
	MaxRetries int

	// BeforeRetry runs before every retry attempt; an error stops the loop.
	BeforeRetry func(ctx context.Context, attempt int) error
}

type Result struct {
	StatusCode int
	Attempts   int
	Latency    time.Duration
	Delivered  bool
	Retryable  bool
	Err        error
}

type Service struct {
	cfg       Config
	client    *http.Client
	retryable map[int]bool
	now       func() time.Time
	log       *zap.Logger
}

func New(cfg Config, client *http.Client, log *zap.Logger) *Service {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if len(cfg.RetryableStatuses) == 0 {
		cfg.RetryableStatuses = DefaultRetryableStatuses
	}
	if cfg.Source.Name == "" {
		cfg.Source = def.Source
	}
	if client == nil {
		client = NewHTTPClient(0)
	}
	rs := make(map[int]bool, len(cfg.RetryableStatuses))
	for _, c := range cfg.RetryableStatuses {
		rs[c] = true
	}
	return &Service{
		cfg:       cfg,
		client:    client,
		retryable: rs,
		now:       time.Now,
		log:       obs.Component(log, "webhook.delivery"),
	}
}

func (s *Service) Config() Config { return s.cfg }

// Backoff is the inter-attempt delay policy used for inline retries.
func (s *Service) Backoff() retry.Exponential {
	return retry.Exponential{
		Base:       s.cfg.BaseDelay,
		Max:        s.cfg.MaxDelay,
		Multiplier: s.cfg.Multiplier,
		Jitter:     s.cfg.Jitter,
	}
}

func (s *Service) Retryable(status int) bool { return s.retryable[status] }

type attemptError struct {
	status    int
	retryable bool
	err       error
}

func (e *attemptError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("webhook responded %d", e.status)
}

func (e *attemptError) Unwrap() error { return e.err }

// Deliver sends the body, retrying retryable statuses and transport errors
// with exponential backoff. Attempts run strictly one after another.
func (s *Service) Deliver(ctx context.Context, req Request) Result {
	ctx, span := otel.Tracer("herald/webhook").Start(ctx, "webhook.Deliver")
	defer span.End()
	span.SetAttributes(attribute.String("webhook.url", req.URL), attribute.String("webhook.event", req.Event))

	maxRetries := req.MaxRetries
	if maxRetries < 0 {
		maxRetries = s.cfg.MaxRetries
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}

	var res Result
	start := s.now()
	attempt := 0
	lastRetryable := false
	err := retry.Do(ctx, func() error {
		if attempt > 0 && req.BeforeRetry != nil {
			if err := req.BeforeRetry(ctx, attempt); err != nil {
				return &attemptError{err: fmt.Errorf("before retry: %w", err)}
			}
		}
		attempt++
		res.Attempts = attempt
		code, err := s.attempt(ctx, req, attempt, timeout)
		res.StatusCode = code
		var ae *attemptError
		lastRetryable = errors.As(err, &ae) && ae.retryable
		return err
	}, retry.Policy{
		Name:     "webhook_delivery",
		Attempts: maxRetries + 1,
		Backoff:  s.Backoff(),
		Retryable: func(err error) bool {
			var ae *attemptError
			return errors.As(err, &ae) && ae.retryable
		},
		OnAttempt: func(i int, err error) {
			obs.WithTrace(ctx, s.log).Debug("webhook attempt failed",
				zap.String("url", req.URL), zap.Int("attempt", i+1), zap.Error(err))
		},
	})
	res.Latency = s.now().Sub(start)

	if err == nil {
		res.Delivered = true
		span.SetAttributes(attribute.Int("webhook.attempts", res.Attempts), attribute.Int("http.status_code", res.StatusCode))
		return res
	}

	res.Err = err
	res.Retryable = lastRetryable
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	obs.WithTrace(ctx, s.log).Warn("webhook delivery failed",
		zap.String("url", req.URL), zap.Int("attempts", res.Attempts),
		zap.Int("status", res.StatusCode), zap.Bool("retryable", res.Retryable), zap.Error(err))
	return res
}

func (s *Service) attempt(ctx context.Context, req Request, n int, timeout time.Duration) (int, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	hr, err := http.NewRequestWithContext(actx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		mAttempts.WithLabelValues("invalid").Inc()
		return 0, &attemptError{err: fmt.Errorf("build request: %w", err)}
	}
	for k, v := range req.Headers {
		hr.Header.Set(k, v)
	}
	hr.Header.Set("Content-Type", "application/json")
	if req.Event != "" {
		hr.Header.Set(HeaderEvent, req.Event)
	}
	if req.ID != "" {
		hr.Header.Set(HeaderID, req.ID)
	}
	hr.Header.Set(HeaderAttempt, strconv.Itoa(n))
	if s.cfg.UserAgent != "" {
		hr.Header.Set("User-Agent", s.cfg.UserAgent)
	}
	if req.Secret != "" {
		hr.Header.Set(HeaderSignature, Sign(req.Secret, req.Body))
	}

	start := s.now()
	resp, err := s.client.Do(hr)
	elapsed := s.now().Sub(start).Seconds()
	if err != nil {
		outcome := "transport_error"
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			outcome = "timeout"
		}
		mAttempts.WithLabelValues(outcome).Inc()
		mLatency.WithLabelValues(outcome).Observe(elapsed)
		return 0, &attemptError{err: fmt.Errorf("%s: %w", outcome, err), retryable: true}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		mAttempts.WithLabelValues("success").Inc()
		mLatency.WithLabelValues("success").Observe(elapsed)
		return code, nil
	case s.retryable[code]:
		mAttempts.WithLabelValues("retryable").Inc()
		mLatency.WithLabelValues("retryable").Observe(elapsed)
		return code, &attemptError{status: code, retryable: true}
	default:
		mAttempts.WithLabelValues("rejected").Inc()
		mLatency.WithLabelValues("rejected").Observe(elapsed)
		return code, &attemptError{status: code}
	}
}

// RequestFor builds the wire request for a webhook notification. An empty
// secret on the payload falls back to secret.
func (s *Service) RequestFor(n *notification.Notification, secret string) (Request, error) {
	p, ok := n.Payload.(*notification.WebhookPayload)
	if !ok {
		return Request{}, fmt.Errorf("%w: webhook sender got %T", notification.ErrInvalidPayload, n.Payload)
	}
	if p.URL == "" {
		return Request{}, fmt.Errorf("%w: webhook url is empty", notification.ErrInvalidPayload)
	}
	data, err := notificationData(n, p)
	if err != nil {
		return Request{}, fmt.Errorf("encode data: %w", err)
	}
	body, err := Encode(string(n.EventType), data, s.cfg.Source, s.now())
	if err != nil {
		return Request{}, fmt.Errorf("encode envelope: %w", err)
	}
	if p.Secret != "" {
		secret = p.Secret
	}
	return Request{
		ID:         n.ID,
		URL:        p.URL,
		Method:     p.Method,
		Event:      string(n.EventType),
		Headers:    p.Headers,
		Body:       body,
		Secret:     secret,
		Timeout:    p.Timeout,
		MaxRetries: n.MaxRetries - n.RetryCount,
	}, nil
}

type HealthResult struct {
	URL        string        `json:"url"`
	Healthy    bool          `json:"healthy"`
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"latency_ns"`
	Error      string        `json:"error,omitempty"`
}

// HealthCheck posts a signed webhook.test event once, without retries, and
// reports how the endpoint answered. It touches no notification state.
func (s *Service) HealthCheck(ctx context.Context, url, secret string) HealthResult {
	out := HealthResult{URL: url}
	body, err := Encode(string(notification.EventWebhookTest),
		[]byte(`{"message":"This is a test webhook"}`), s.cfg.Source, s.now())
	if err != nil {
		out.Error = err.Error()
		return out
	}
	start := s.now()
	code, err := s.attempt(ctx, Request{
		URL:    url,
		Event:  string(notification.EventWebhookTest),
		Body:   body,
		Secret: secret,
	}, 1, s.cfg.Timeout)
	out.Latency = s.now().Sub(start)
	out.StatusCode = code
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Healthy = true
	return out
}
