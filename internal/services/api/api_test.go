package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/repository/memory"
	"github.com/NordCoder/Herald/internal/services/dispatch"
	"github.com/NordCoder/Herald/internal/services/inapp"
	"github.com/NordCoder/Herald/internal/services/sender"
	"github.com/NordCoder/Herald/internal/services/webhook"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type smsStub struct{}

func (smsStub) Channel() notification.Channel { return notification.ChannelSMS }

func (smsStub) Send(_ context.Context, n *notification.Notification) (notification.ChannelResult, error) {
	return notification.ChannelResult{NotificationID: n.ID, Channel: notification.ChannelSMS, Status: notification.StatusSent}, nil
}

type env struct {
	srv  *httptest.Server
	repo *memory.NotificationRepo
	mb   *inapp.Mailbox
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clk := fixedClock{t: t0}
	repo := memory.NewNotificationRepo(clk)
	mb := inapp.NewMailbox(10, nil, inapp.WithClock(func() time.Time { return t0 }))
	t.Cleanup(mb.Close)
	orch := dispatch.New(repo, sender.NewRegistry(inapp.NewSender(mb), smsStub{}), clk, dispatch.Config{}, nil)

	s := NewServer(Deps{
		Repo:          repo,
		Dispatch:      orch,
		Webhooks:      webhook.New(webhook.DefaultConfig(), http.DefaultClient, nil),
		InboundSecret: "inbound",
		Mailbox:       mb,
		Clock:         clk,
	})
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return &env{srv: srv, repo: repo, mb: mb}
}

func (e *env) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func inAppRequest(user string) map[string]any {
	return map[string]any{
		"event_type": "lead.captured",
		"priority":   "high",
		"metadata":   map[string]string{"lead_id": "42"},
		"channels": []map[string]any{
			{"channel": "in_app", "data": map[string]any{"user_id": user, "title": "New lead", "message": "Acme", "category": "sales"}},
			{"channel": "sms", "data": map[string]any{"phone": "+15550001111", "message": "New lead"}},
		},
	}
}

func TestCreateAndFetchNotification(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, http.MethodPost, "/v1/notifications", inAppRequest("u-1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[notification.DispatchResult](t, resp)
	assert.Equal(t, notification.OutcomeDelivered, res.Outcome)
	require.Len(t, res.Results, 2)

	id := res.Results[0].NotificationID
	resp = e.do(t, http.MethodGet, "/v1/notifications/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	n := decode[notification.Notification](t, resp)
	assert.Equal(t, notification.StatusDelivered, n.Status)
	assert.Equal(t, "42", n.Metadata["lead_id"])

	resp = e.do(t, http.MethodGet, "/v1/notifications/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateRejectsBadInput(t *testing.T) {
	e := newEnv(t)

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/v1/notifications", bytes.NewBufferString("{"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/v1/notifications", map[string]any{"event_type": "lead.captured"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateAsyncAccepts(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, http.MethodPost, "/v1/notifications?async=true", inAppRequest("u-1"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decode[acceptedResponse](t, resp)
	assert.Len(t, body.Notifications, 2)
}

func TestListFiltersAndPages(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/notifications", inAppRequest("u-1")).StatusCode)
	}

	resp := e.do(t, http.MethodGet, "/v1/notifications?channel=sms&limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[listResponse[*notification.Notification]](t, resp)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Items, 2)
	for _, n := range page.Items {
		assert.Equal(t, notification.ChannelSMS, n.Channel)
	}

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/notifications?channel=fax", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/notifications?limit=-1", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/notifications?from=yesterday", nil).StatusCode)
}

func TestDeliveryReceipt(t *testing.T) {
	e := newEnv(t)
	res := decode[notification.DispatchResult](t, e.do(t, http.MethodPost, "/v1/notifications", inAppRequest("u-1")))
	smsID := res.Results[1].NotificationID
	assert.Equal(t, notification.StatusSent, res.Results[1].Status)

	resp := e.do(t, http.MethodPost, "/v1/notifications/"+smsID+"/delivered", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	n := decode[notification.Notification](t, resp)
	assert.Equal(t, notification.StatusDelivered, n.Status)
	assert.NotNil(t, n.DeliveredAt)

	resp = e.do(t, http.MethodPost, "/v1/notifications/"+smsID+"/delivered", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestReschedule(t *testing.T) {
	e := newEnv(t)
	req := inAppRequest("u-1")
	req["scheduled_at"] = t0.Add(time.Hour)
	res := decode[notification.DispatchResult](t, e.do(t, http.MethodPost, "/v1/notifications", req))
	require.Equal(t, notification.OutcomeScheduled, res.Outcome)
	id := res.Results[0].NotificationID

	later := t0.Add(3 * time.Hour)
	resp := e.do(t, http.MethodPost, "/v1/notifications/"+id+"/reschedule", map[string]any{"scheduled_at": later})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	n := decode[notification.Notification](t, resp)
	assert.Equal(t, notification.StatusScheduled, n.Status)
	require.NotNil(t, n.ScheduledAt)
	assert.True(t, later.Equal(*n.ScheduledAt))

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/notifications/"+id+"/reschedule", map[string]any{}).StatusCode)
	assert.Equal(t, http.StatusNotFound,
		e.do(t, http.MethodPost, "/v1/notifications/missing/reschedule", map[string]any{"scheduled_at": later}).StatusCode)
}

func TestStats(t *testing.T) {
	e := newEnv(t)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/notifications", inAppRequest("u-1")).StatusCode)

	resp := e.do(t, http.MethodGet, "/v1/stats?since="+t0.Add(-time.Hour).Format(time.RFC3339), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[statsResponse](t, resp)
	assert.Equal(t, 2, st.Analytics.Total)
	assert.Equal(t, 1, st.Analytics.ByStatus[notification.StatusDelivered])
	assert.Equal(t, 1, st.Analytics.ByStatus[notification.StatusSent])

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/stats?since=soon", nil).StatusCode)
}

func TestInbox(t *testing.T) {
	e := newEnv(t)
	res := decode[notification.DispatchResult](t, e.do(t, http.MethodPost, "/v1/notifications", inAppRequest("u-1")))
	id := res.Results[0].NotificationID
	e.do(t, http.MethodPost, "/v1/notifications", inAppRequest("u-1"))

	unread := decode[map[string]int](t, e.do(t, http.MethodGet, "/v1/users/u-1/inbox/unread", nil))
	assert.Equal(t, 2, unread["unread"])

	assert.Equal(t, http.StatusNoContent, e.do(t, http.MethodPost, "/v1/users/u-1/inbox/"+id+"/read", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/v1/users/u-1/inbox/missing/read", nil).StatusCode)

	page := decode[listResponse[inapp.Entry]](t, e.do(t, http.MethodGet, "/v1/users/u-1/inbox?read=false", nil))
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Items, 1)
	assert.NotEqual(t, id, page.Items[0].ID)

	updated := decode[map[string]int](t, e.do(t, http.MethodPost, "/v1/users/u-1/inbox/read-all", nil))
	assert.Equal(t, 1, updated["updated"])

	assert.Equal(t, http.StatusNoContent, e.do(t, http.MethodPost, "/v1/users/u-1/inbox/"+id+"/dismiss", nil).StatusCode)
	page = decode[listResponse[inapp.Entry]](t, e.do(t, http.MethodGet, "/v1/users/u-1/inbox", nil))
	assert.Equal(t, 1, page.Total)

	empty := decode[listResponse[inapp.Entry]](t, e.do(t, http.MethodGet, "/v1/users/nobody/inbox", nil))
	assert.Equal(t, 0, empty.Total)
	assert.NotNil(t, empty.Items)
}

func TestWebhookHealth(t *testing.T) {
	e := newEnv(t)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer target.Close()

	resp := e.do(t, http.MethodPost, "/v1/webhooks/health", healthRequest{URL: target.URL, Secret: "s"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h := decode[webhook.HealthResult](t, resp)
	assert.True(t, h.Healthy)
	assert.Equal(t, http.StatusNoContent, h.StatusCode)

	assert.Equal(t, http.StatusBadRequest,
		e.do(t, http.MethodPost, "/v1/webhooks/health", healthRequest{URL: "ftp://example.com"}).StatusCode)
}

func TestInboundWebhookVerifiesSignature(t *testing.T) {
	e := newEnv(t)
	body, err := webhook.Encode("lead.captured", json.RawMessage(`{"id":"x"}`), webhook.Source{Name: "crm"}, t0)
	require.NoError(t, err)

	post := func(sig string) int {
		req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/v1/webhooks/inbound", bytes.NewReader(body))
		require.NoError(t, err)
		if sig != "" {
			req.Header.Set(webhook.HeaderSignature, sig)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusAccepted, post(webhook.Sign("inbound", body)))
	assert.Equal(t, http.StatusUnauthorized, post(webhook.Sign("other", body)))
	assert.Equal(t, http.StatusUnauthorized, post(""))
}
