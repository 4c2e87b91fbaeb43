package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NordCoder/Herald/internal/domain/notification"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scripted struct {
	mu       sync.Mutex
	codes    []int
	calls    int32
	bodies   [][]byte
	headers  []http.Header
	fallback int
}

func (s *scripted) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	i := int(atomic.AddInt32(&s.calls, 1)) - 1
	s.bodies = append(s.bodies, b)
	s.headers = append(s.headers, r.Header.Clone())
	code := s.fallback
	if i < len(s.codes) {
		code = s.codes[i]
	}
	s.mu.Unlock()
	w.WriteHeader(code)
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.Jitter = 0
	cfg.Timeout = 2 * time.Second
	return cfg
}

func TestDeliverRetriesRetryableStatuses(t *testing.T) {
	srv := &scripted{codes: []int{503, 503, 200}, fallback: 200}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	svc := New(fastConfig(), ts.Client(), nil)
	var retries []int
	res := svc.Deliver(context.Background(), Request{
		URL:        ts.URL,
		Event:      "lead.captured",
		Body:       []byte(`{"ok":true}`),
		Secret:     "s3cr3t",
		MaxRetries: 3,
		BeforeRetry: func(_ context.Context, attempt int) error {
			retries = append(retries, attempt)
			return nil
		},
	})

	require.True(t, res.Delivered, "err: %v", res.Err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, []int{1, 2}, retries)

	require.Len(t, srv.headers, 3)
	for i, h := range srv.headers {
		assert.Equal(t, "application/json", h.Get("Content-Type"))
		assert.Equal(t, "lead.captured", h.Get(HeaderEvent))
		assert.Equal(t, []string{"1", "2", "3"}[i], h.Get(HeaderAttempt))
		assert.True(t, Verify("s3cr3t", srv.bodies[i], h.Get(HeaderSignature)))
	}
}

func TestDeliverStopsOnNonRetryableStatus(t *testing.T) {
	srv := &scripted{codes: []int{404}, fallback: 200}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	svc := New(fastConfig(), ts.Client(), nil)
	res := svc.Deliver(context.Background(), Request{URL: ts.URL, Body: []byte(`{}`), MaxRetries: 3})

	assert.False(t, res.Delivered)
	assert.False(t, res.Retryable)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 404, res.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt32(&srv.calls))
}

func TestDeliverGivesUpAfterMaxRetries(t *testing.T) {
	srv := &scripted{fallback: 502}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	svc := New(fastConfig(), ts.Client(), nil)
	res := svc.Deliver(context.Background(), Request{URL: ts.URL, Body: []byte(`{}`), MaxRetries: 2})

	assert.False(t, res.Delivered)
	assert.True(t, res.Retryable)
	assert.Equal(t, 3, res.Attempts)
	assert.EqualValues(t, 3, atomic.LoadInt32(&srv.calls))
}

func TestDeliverBeforeRetryCanStop(t *testing.T) {
	srv := &scripted{fallback: 503}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	svc := New(fastConfig(), ts.Client(), nil)
	res := svc.Deliver(context.Background(), Request{
		URL: ts.URL, Body: []byte(`{}`), MaxRetries: 3,
		BeforeRetry: func(context.Context, int) error { return notification.ErrRetriesExhausted },
	})

	assert.False(t, res.Delivered)
	assert.True(t, res.Retryable)
	assert.Equal(t, 1, res.Attempts)
	assert.ErrorIs(t, res.Err, notification.ErrRetriesExhausted)
}

func TestDeliverTimeoutIsRetryable(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	svc := New(fastConfig(), ts.Client(), nil)
	res := svc.Deliver(context.Background(), Request{
		URL: ts.URL, Body: []byte(`{}`), MaxRetries: 1, Timeout: 50 * time.Millisecond,
	})

	require.True(t, res.Delivered, "err: %v", res.Err)
	assert.Equal(t, 2, res.Attempts)
}

func TestRequestForBuildsEnvelope(t *testing.T) {
	svc := New(fastConfig(), nil, nil)
	n := &notification.Notification{
		ID:         "n-1",
		Channel:    notification.ChannelWebhook,
		EventType:  notification.EventLeadCaptured,
		Priority:   notification.PriorityHigh,
		MaxRetries: 3,
		RetryCount: 1,
		Payload: &notification.WebhookPayload{
			URL:  "https://crm.example.com/hooks",
			Body: json.RawMessage(`{"lead_id":42}`),
		},
	}

	req, err := svc.RequestFor(n, "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", req.Secret)
	assert.Equal(t, 2, req.MaxRetries)

	var env Envelope
	require.NoError(t, json.Unmarshal(req.Body, &env))
	assert.Equal(t, "lead.captured", env.Event)
	assert.JSONEq(t, `{"lead_id":42}`, string(env.Data))
	assert.Equal(t, "herald", env.Source.Name)
	_, err = time.Parse(time.RFC3339, env.Timestamp)
	assert.NoError(t, err)

	n.Payload = &notification.WebhookPayload{}
	_, err = svc.RequestFor(n, "")
	assert.ErrorIs(t, err, notification.ErrInvalidPayload)
}

func TestHealthCheck(t *testing.T) {
	srv := &scripted{codes: []int{200, 500}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	svc := New(fastConfig(), ts.Client(), nil)

	ok := svc.HealthCheck(context.Background(), ts.URL, "s3cr3t")
	assert.True(t, ok.Healthy)
	assert.Equal(t, 200, ok.StatusCode)

	bad := svc.HealthCheck(context.Background(), ts.URL, "s3cr3t")
	assert.False(t, bad.Healthy)
	assert.Equal(t, 500, bad.StatusCode)
	assert.EqualValues(t, 2, atomic.LoadInt32(&srv.calls), "health checks never retry")

	require.Len(t, srv.headers, 2)
	assert.Equal(t, "webhook.test", srv.headers[0].Get(HeaderEvent))
	assert.True(t, Verify("s3cr3t", srv.bodies[0], srv.headers[0].Get(HeaderSignature)))
}
