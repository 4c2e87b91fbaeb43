package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	config "github.com/NordCoder/Herald/internal/config/herald"
	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/repository/memory"
	"github.com/NordCoder/Herald/internal/services/sender"
	"github.com/NordCoder/Herald/internal/services/webhook"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeSender struct {
	ch    notification.Channel
	calls int32
	fn    func(n *notification.Notification) (notification.ChannelResult, error)
}

func (f *fakeSender) Channel() notification.Channel { return f.ch }

func (f *fakeSender) Send(_ context.Context, n *notification.Notification) (notification.ChannelResult, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.fn(n)
}

func ok(status notification.Status) func(*notification.Notification) (notification.ChannelResult, error) {
	return func(n *notification.Notification) (notification.ChannelResult, error) {
		return notification.ChannelResult{Status: status}, nil
	}
}

func fails(retryable bool) func(*notification.Notification) (notification.ChannelResult, error) {
	return func(n *notification.Notification) (notification.ChannelResult, error) {
		return notification.ChannelResult{Status: notification.StatusFailed, Error: "provider said no", Retryable: retryable}, nil
	}
}

func emailReq() notification.ChannelRequest {
	return notification.ChannelRequest{Channel: notification.ChannelEmail,
		Payload: &notification.EmailPayload{To: "a@example.com", Subject: "s", Body: "b"}}
}

func slackReq() notification.ChannelRequest {
	return notification.ChannelRequest{Channel: notification.ChannelSlack,
		Payload: &notification.SlackPayload{Message: "hi"}}
}

func smsReq() notification.ChannelRequest {
	return notification.ChannelRequest{Channel: notification.ChannelSMS,
		Payload: &notification.SMSPayload{Phone: "+15550001111", Message: "hi"}}
}

func webhookReq(url string) notification.ChannelRequest {
	return notification.ChannelRequest{Channel: notification.ChannelWebhook,
		Payload: &notification.WebhookPayload{URL: url}}
}

func setup(t *testing.T, senders ...notification.Sender) (*Orchestrator, *memory.NotificationRepo) {
	t.Helper()
	clk := fixedClock{t: t0}
	repo := memory.NewNotificationRepo(clk)
	return New(repo, sender.NewRegistry(senders...), clk, Config{}, nil), repo
}

func fastWebhook(t *testing.T, codes ...int) (*sender.WebhookSender, string, *int32) {
	t.Helper()
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := int(atomic.AddInt32(&calls, 1)) - 1
		code := codes[len(codes)-1]
		if i < len(codes) {
			code = codes[i]
		}
		w.WriteHeader(code)
	}))
	t.Cleanup(ts.Close)
	cfg := webhook.DefaultConfig()
	cfg.BaseDelay, cfg.MaxDelay, cfg.Jitter = time.Millisecond, 2*time.Millisecond, 0
	return sender.NewWebhookSender(webhook.New(cfg, ts.Client(), nil), ""), ts.URL, &calls
}

func TestDispatchPartialSuccess(t *testing.T) {
	o, repo := setup(t,
		&fakeSender{ch: notification.ChannelEmail, fn: ok(notification.StatusDelivered)},
		&fakeSender{ch: notification.ChannelSlack, fn: fails(false)},
		&fakeSender{ch: notification.ChannelSMS, fn: ok(notification.StatusSent)},
	)
	res, err := o.Dispatch(context.Background(), &notification.NotificationRequest{
		EventType: notification.EventLeadCaptured,
		Channels:  []notification.ChannelRequest{emailReq(), slackReq(), smsReq()},
	})
	require.NoError(t, err)

	assert.Equal(t, notification.OutcomePartial, res.Outcome)
	require.Len(t, res.Results, 3)
	assert.Equal(t, 2, res.Succeeded())
	assert.Equal(t, notification.ChannelEmail, res.Results[0].Channel, "results keep request order")
	assert.Equal(t, notification.StatusFailed, res.Results[1].Status)

	email, _ := repo.FindByID(context.Background(), res.Results[0].NotificationID)
	assert.Equal(t, notification.StatusDelivered, email.Status)
	assert.NotNil(t, email.SentAt)
	assert.NotNil(t, email.DeliveredAt)

	sms, _ := repo.FindByID(context.Background(), res.Results[2].NotificationID)
	assert.Equal(t, notification.StatusSent, sms.Status, "sent and delivered stay distinct")
	assert.Nil(t, sms.DeliveredAt)

	slack, _ := repo.FindByID(context.Background(), res.Results[1].NotificationID)
	assert.Equal(t, notification.StatusFailed, slack.Status)
	assert.Equal(t, "provider said no", slack.FailureReason)
}

func TestDispatchAllFail(t *testing.T) {
	o, _ := setup(t,
		&fakeSender{ch: notification.ChannelEmail, fn: fails(false)},
		&fakeSender{ch: notification.ChannelSlack, fn: fails(false)},
	)
	res, err := o.Dispatch(context.Background(), &notification.NotificationRequest{
		EventType: notification.EventPaymentFailed,
		Channels:  []notification.ChannelRequest{emailReq(), slackReq()},
	})
	require.NoError(t, err)
	assert.Equal(t, notification.OutcomeFailed, res.Outcome)
	assert.Zero(t, res.Succeeded())
}

func TestDispatchRejectsInvalidRequest(t *testing.T) {
	o, _ := setup(t)
	_, err := o.Dispatch(context.Background(), &notification.NotificationRequest{EventType: notification.EventLeadCaptured})
	assert.ErrorIs(t, err, notification.ErrInvalidRequest)

	_, err = o.Dispatch(context.Background(), &notification.NotificationRequest{
		EventType: notification.EventLeadCaptured,
		Channels: []notification.ChannelRequest{{Channel: notification.ChannelEmail,
			Payload: &notification.EmailPayload{To: "nope"}}},
	})
	assert.ErrorIs(t, err, notification.ErrInvalidPayload)
}

func TestDispatchScheduledInFuture(t *testing.T) {
	email := &fakeSender{ch: notification.ChannelEmail, fn: ok(notification.StatusDelivered)}
	o, repo := setup(t, email)
	at := t0.Add(time.Hour)

	res, err := o.Dispatch(context.Background(), &notification.NotificationRequest{
		EventType:   notification.EventDemoScheduled,
		ScheduledAt: &at,
		Channels:    []notification.ChannelRequest{emailReq()},
	})
	require.NoError(t, err)
	assert.Equal(t, notification.OutcomeScheduled, res.Outcome)
	assert.Zero(t, atomic.LoadInt32(&email.calls))

	n, _ := repo.FindByID(context.Background(), res.Results[0].NotificationID)
	assert.Equal(t, notification.StatusScheduled, n.Status)
	assert.Equal(t, at, *n.ScheduledAt)
}

func TestSenderPanicAndErrorStillPersistFailed(t *testing.T) {
	o, repo := setup(t,
		&fakeSender{ch: notification.ChannelEmail, fn: func(*notification.Notification) (notification.ChannelResult, error) {
			panic("nil template")
		}},
		&fakeSender{ch: notification.ChannelSlack, fn: func(*notification.Notification) (notification.ChannelResult, error) {
			return notification.ChannelResult{}, errors.New("signature bug")
		}},
		&fakeSender{ch: notification.ChannelSMS, fn: ok(notification.StatusSent)},
	)
	res, err := o.Dispatch(context.Background(), &notification.NotificationRequest{
		EventType: notification.EventLeadCaptured,
		Channels:  []notification.ChannelRequest{emailReq(), slackReq(), smsReq()},
	})
	require.NoError(t, err)
	assert.Equal(t, notification.OutcomePartial, res.Outcome)

	for _, r := range res.Results[:2] {
		n, _ := repo.FindByID(context.Background(), r.NotificationID)
		assert.Equal(t, notification.StatusFailed, n.Status, r.Channel)
		assert.NotEmpty(t, n.FailureReason)
	}
	panicked, _ := repo.FindByID(context.Background(), res.Results[0].NotificationID)
	assert.Contains(t, panicked.FailureReason, "panic")
}

func TestMissingSenderIsPermanentFailure(t *testing.T) {
	o, repo := setup(t)
	res, err := o.Dispatch(context.Background(), &notification.NotificationRequest{
		EventType: notification.EventLeadCaptured,
		Channels:  []notification.ChannelRequest{slackReq()},
	})
	require.NoError(t, err)
	assert.Equal(t, notification.OutcomeFailed, res.Outcome)
	n, _ := repo.FindByID(context.Background(), res.Results[0].NotificationID)
	assert.Equal(t, ReasonNoSender, n.FailureReason)
}

func TestTransientFailureSchedulesRetry(t *testing.T) {
	o, repo := setup(t, &fakeSender{ch: notification.ChannelSlack, fn: fails(true)})
	res, err := o.Dispatch(context.Background(), &notification.NotificationRequest{
		EventType: notification.EventLeadCaptured,
		Priority:  notification.PriorityUrgent,
		Channels:  []notification.ChannelRequest{slackReq()},
	})
	require.NoError(t, err)
	assert.Equal(t, notification.OutcomeFailed, res.Outcome)
	assert.True(t, res.Results[0].Retryable)

	n, _ := repo.FindByID(context.Background(), res.Results[0].NotificationID)
	assert.Equal(t, notification.StatusRetry, n.Status)
	require.NotNil(t, n.NextRetryAt)
	// urgent halves the first 1s delay, plus at most 0.5s of scaled jitter
	assert.True(t, !n.NextRetryAt.Before(t0.Add(500*time.Millisecond)) && n.NextRetryAt.Before(t0.Add(time.Second+time.Millisecond)),
		"next retry at %s", n.NextRetryAt)
}

func TestWebhookRecoversAfterTwoUnavailable(t *testing.T) {
	wh, url, calls := fastWebhook(t, 503, 503, 200)
	o, repo := setup(t, wh)

	res, err := o.Dispatch(context.Background(), &notification.NotificationRequest{
		EventType: notification.EventLeadCaptured,
		Channels:  []notification.ChannelRequest{webhookReq(url)},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(calls))

	n, _ := repo.FindByID(context.Background(), res.Results[0].NotificationID)
	assert.Equal(t, notification.OutcomeDelivered, res.Outcome)
	assert.Equal(t, notification.StatusDelivered, n.Status)
	assert.Equal(t, 2, n.RetryCount)
	assert.Equal(t, 3, res.Results[0].Attempts)
	assert.Empty(t, n.FailureReason)
}

func TestWebhookNotFoundFailsImmediately(t *testing.T) {
	wh, url, calls := fastWebhook(t, 404)
	o, repo := setup(t, wh)

	res, err := o.Dispatch(context.Background(), &notification.NotificationRequest{
		EventType: notification.EventLeadCaptured,
		Channels:  []notification.ChannelRequest{webhookReq(url)},
	})
	require.NoError(t, err)

	n, _ := repo.FindByID(context.Background(), res.Results[0].NotificationID)
	assert.Equal(t, notification.OutcomeFailed, res.Outcome)
	assert.Equal(t, notification.StatusFailed, n.Status)
	assert.Zero(t, n.RetryCount)
	assert.EqualValues(t, 1, atomic.LoadInt32(calls))
}

func TestWebhookExhaustsBudget(t *testing.T) {
	wh, url, calls := fastWebhook(t, 503)
	o, repo := setup(t, wh)

	res, err := o.Dispatch(context.Background(), &notification.NotificationRequest{
		EventType: notification.EventLeadCaptured,
		Channels:  []notification.ChannelRequest{webhookReq(url)},
	})
	require.NoError(t, err)

	n, _ := repo.FindByID(context.Background(), res.Results[0].NotificationID)
	assert.Equal(t, notification.StatusFailed, n.Status)
	assert.Equal(t, 3, n.RetryCount)
	assert.Equal(t, notification.ReasonMaxRetriesExceeded, n.FailureReason)
	assert.Equal(t, notification.ReasonMaxRetriesExceeded, res.Results[0].Error)
	assert.EqualValues(t, 4, atomic.LoadInt32(calls))
}

func TestWebhookEndpointExpansion(t *testing.T) {
	var got []*notification.Notification
	hook := &fakeSender{ch: notification.ChannelWebhook, fn: func(n *notification.Notification) (notification.ChannelResult, error) {
		got = append(got, n)
		return notification.ChannelResult{Status: notification.StatusDelivered}, nil
	}}
	clk := fixedClock{t: t0}
	repo := memory.NewNotificationRepo(clk)
	o := New(repo, sender.NewRegistry(hook), clk, Config{Endpoints: []config.Endpoint{
		{URL: "https://crm.example.com/hooks", Secret: "crm", Events: []string{"lead.captured"}},
		{URL: "https://billing.example.com/hooks", Events: []string{"payment.failed"}},
	}}, nil)

	res, err := o.Dispatch(context.Background(), &notification.NotificationRequest{
		EventType: notification.EventLeadCaptured,
		Channels:  []notification.ChannelRequest{{Channel: notification.ChannelWebhook, Payload: &notification.WebhookPayload{}}},
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	require.Len(t, got, 1)
	p := got[0].Payload.(*notification.WebhookPayload)
	assert.Equal(t, "https://crm.example.com/hooks", p.URL)
	assert.Equal(t, "crm", p.Secret)
}

func TestPerChannelMaxRetries(t *testing.T) {
	clk := fixedClock{t: t0}
	repo := memory.NewNotificationRepo(clk)
	o := New(repo, sender.NewRegistry(), clk, Config{MaxRetries: map[notification.Channel]int{notification.ChannelSlack: 5}}, nil)
	at := t0.Add(time.Hour)
	res, err := o.Dispatch(context.Background(), &notification.NotificationRequest{
		EventType: notification.EventLeadCaptured, ScheduledAt: &at,
		Channels: []notification.ChannelRequest{slackReq(), {Channel: notification.ChannelInApp,
			Payload: &notification.InAppPayload{UserID: "u", Title: "t"}}},
	})
	require.NoError(t, err)
	slack, _ := repo.FindByID(context.Background(), res.Results[0].NotificationID)
	inapp, _ := repo.FindByID(context.Background(), res.Results[1].NotificationID)
	assert.Equal(t, 5, slack.MaxRetries)
	assert.Equal(t, 1, inapp.MaxRetries)
}

func TestDispatchAsync(t *testing.T) {
	email := &fakeSender{ch: notification.ChannelEmail, fn: ok(notification.StatusDelivered)}
	o, repo := setup(t, email)

	ctx, cancel := context.WithCancel(context.Background())
	ns, err := o.DispatchAsync(ctx, &notification.NotificationRequest{
		EventType: notification.EventWelcomeSequence,
		Channels:  []notification.ChannelRequest{emailReq()},
	})
	cancel()
	require.NoError(t, err)
	require.Len(t, ns, 1)

	wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer wcancel()
	require.NoError(t, o.Wait(wctx))

	n, _ := repo.FindByID(context.Background(), ns[0].ID)
	assert.Equal(t, notification.StatusDelivered, n.Status, "caller cancellation does not stop delivery")
}

// doneCtxRepo rejects outcome writes on a finished context, as a pooled
// database connection does.
type doneCtxRepo struct {
	*memory.NotificationRepo
}

func (r doneCtxRepo) MarkAsSent(ctx context.Context, id string) (*notification.Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.NotificationRepo.MarkAsSent(ctx, id)
}

func (r doneCtxRepo) MarkAsDelivered(ctx context.Context, id string) (*notification.Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.NotificationRepo.MarkAsDelivered(ctx, id)
}

func (r doneCtxRepo) MarkAsFailed(ctx context.Context, id, reason string) (*notification.Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.NotificationRepo.MarkAsFailed(ctx, id, reason)
}

func (r doneCtxRepo) ScheduleRetry(ctx context.Context, id, reason string, at time.Time) (*notification.Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.NotificationRepo.ScheduleRetry(ctx, id, reason, at)
}

// hangUpSender cancels the caller's context before answering.
type hangUpSender struct {
	cancel context.CancelFunc
	res    notification.ChannelResult
}

func (s *hangUpSender) Channel() notification.Channel { return notification.ChannelSlack }

func (s *hangUpSender) Send(context.Context, *notification.Notification) (notification.ChannelResult, error) {
	s.cancel()
	return s.res, nil
}

func TestOutcomeIsPersistedAfterCallerCancels(t *testing.T) {
	cases := []struct {
		name string
		res  notification.ChannelResult
		want notification.Status
	}{
		{"transient failure", notification.ChannelResult{Status: notification.StatusFailed, Error: "slack 503", Retryable: true}, notification.StatusRetry},
		{"permanent failure", notification.ChannelResult{Status: notification.StatusFailed, Error: "channel_not_found"}, notification.StatusFailed},
		{"delivered", notification.ChannelResult{Status: notification.StatusDelivered}, notification.StatusDelivered},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clk := fixedClock{t: t0}
			mem := memory.NewNotificationRepo(clk)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			s := &hangUpSender{cancel: cancel, res: tc.res}
			o := New(doneCtxRepo{mem}, sender.NewRegistry(s), clk, Config{}, nil)

			res, err := o.Dispatch(ctx, &notification.NotificationRequest{
				EventType: notification.EventLeadCaptured,
				Channels:  []notification.ChannelRequest{slackReq()},
			})
			require.NoError(t, err)
			require.Error(t, ctx.Err())

			n, err := mem.FindByID(context.Background(), res.Results[0].NotificationID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, n.Status)
		})
	}
}

func TestEarlyDeliveryReturnsNotificationToSchedule(t *testing.T) {
	email := &fakeSender{ch: notification.ChannelEmail, fn: ok(notification.StatusDelivered)}
	o, repo := setup(t, email)
	ctx := context.Background()
	at := t0.Add(time.Hour)
	n := &notification.Notification{
		ID: "early", Channel: notification.ChannelEmail, EventType: notification.EventDemoScheduled,
		Priority: notification.PriorityNormal, Status: notification.StatusPending,
		CreatedAt: t0, UpdatedAt: t0, ScheduledAt: &at, MaxRetries: 3,
		Payload: &notification.EmailPayload{To: "a@example.com", Subject: "s", Body: "b"},
	}
	require.NoError(t, repo.Create(ctx, n))

	res := o.Deliver(ctx, n)
	assert.Equal(t, notification.StatusScheduled, res.Status)
	assert.Zero(t, atomic.LoadInt32(&email.calls))

	got, err := repo.FindByID(ctx, "early")
	require.NoError(t, err)
	assert.Equal(t, notification.StatusScheduled, got.Status)
	require.NotNil(t, got.ScheduledAt)
	assert.Equal(t, at, *got.ScheduledAt)

	due, err := repo.FindScheduled(ctx, at, 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}
