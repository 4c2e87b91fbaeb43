package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	config "github.com/NordCoder/Herald/internal/config/herald"
	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/repository/memory"
	"github.com/NordCoder/Herald/internal/services/dispatch"
	"github.com/NordCoder/Herald/internal/services/sender"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type slackStub struct {
	calls int32
	// failFirst attempts fail transiently; the rest succeed. -1 fails forever.
	failFirst int32
	permanent bool
}

func (s *slackStub) Channel() notification.Channel { return notification.ChannelSlack }

func (s *slackStub) Send(_ context.Context, n *notification.Notification) (notification.ChannelResult, error) {
	c := atomic.AddInt32(&s.calls, 1)
	if s.failFirst < 0 || c <= s.failFirst {
		return notification.ChannelResult{Status: notification.StatusFailed, Error: "slack 503", Retryable: !s.permanent}, nil
	}
	return notification.ChannelResult{Status: notification.StatusDelivered}, nil
}

type fixture struct {
	clock *manualClock
	repo  *memory.NotificationRepo
	orch  *dispatch.Orchestrator
	slack *slackStub
}

func newFixture(slack *slackStub, maxRetries int) *fixture {
	clk := &manualClock{t: t0}
	repo := memory.NewNotificationRepo(clk)
	cfg := dispatch.Config{MaxRetries: map[notification.Channel]int{notification.ChannelSlack: maxRetries}}
	return &fixture{
		clock: clk,
		repo:  repo,
		orch:  dispatch.New(repo, sender.NewRegistry(slack), clk, cfg, nil),
		slack: slack,
	}
}

func (f *fixture) dispatch(t *testing.T, at *time.Time) *notification.Notification {
	t.Helper()
	res, err := f.orch.Dispatch(context.Background(), &notification.NotificationRequest{
		EventType:   notification.EventDemoScheduled,
		ScheduledAt: at,
		Channels: []notification.ChannelRequest{{Channel: notification.ChannelSlack,
			Payload: &notification.SlackPayload{Message: "demo in 15 minutes"}}},
	})
	require.NoError(t, err)
	n, err := f.repo.FindByID(context.Background(), res.Results[0].NotificationID)
	require.NoError(t, err)
	return n
}

func (f *fixture) get(t *testing.T, id string) *notification.Notification {
	t.Helper()
	n, err := f.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	return n
}

func TestScheduledNotificationWaitsForItsTime(t *testing.T) {
	f := newFixture(&slackStub{}, 3)
	at := t0.Add(time.Hour)
	n := f.dispatch(t, &at)
	uc := NewUC(f.repo, f.orch, 10, false, nil)

	f.clock.Set(t0.Add(30 * time.Minute))
	rep, err := uc.SweepScheduled(context.Background(), f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep)
	assert.Zero(t, atomic.LoadInt32(&f.slack.calls))
	assert.Equal(t, notification.StatusScheduled, f.get(t, n.ID).Status)

	f.clock.Set(at)
	rep, err = uc.SweepScheduled(context.Background(), f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, Report{Processed: 1}, rep)
	assert.EqualValues(t, 1, atomic.LoadInt32(&f.slack.calls))

	got := f.get(t, n.ID)
	assert.Equal(t, notification.StatusDelivered, got.Status)
	assert.Equal(t, at, *got.SentAt)
}

func TestRetrySweepRedeliversWhenDue(t *testing.T) {
	f := newFixture(&slackStub{failFirst: 1}, 3)
	n := f.dispatch(t, nil)
	require.Equal(t, notification.StatusRetry, n.Status)
	require.NotNil(t, n.NextRetryAt)
	uc := NewUC(f.repo, f.orch, 10, false, nil)

	rep, err := uc.SweepRetries(context.Background(), t0)
	require.NoError(t, err)
	assert.Zero(t, rep.Total(), "next retry is still in the future")

	f.clock.Set(t0.Add(time.Minute))
	rep, err = uc.SweepRetries(context.Background(), f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, Report{Processed: 1}, rep)

	got := f.get(t, n.ID)
	assert.Equal(t, notification.StatusDelivered, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, []string{"slack 503"}, got.FailureHistory)
}

func TestRetryBudgetIsNeverExceeded(t *testing.T) {
	f := newFixture(&slackStub{failFirst: -1}, 2)
	n := f.dispatch(t, nil)
	uc := NewUC(f.repo, f.orch, 10, false, nil)

	var reports []Report
	for i := 1; i <= 4; i++ {
		f.clock.Set(t0.Add(time.Duration(i) * time.Minute))
		rep, err := uc.SweepRetries(context.Background(), f.clock.Now())
		require.NoError(t, err)
		reports = append(reports, rep)
	}
	assert.Equal(t, []Report{{Failed: 1}, {Processed: 1}, {}, {}}, reports)

	got := f.get(t, n.ID)
	assert.Equal(t, notification.StatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, notification.ReasonMaxRetriesExceeded, got.FailureReason)
	assert.EqualValues(t, 3, atomic.LoadInt32(&f.slack.calls))
}

func TestExhaustedRetryIsFailedWithoutDelivery(t *testing.T) {
	f := newFixture(&slackStub{}, 3)
	past := t0.Add(-time.Minute)
	require.NoError(t, f.repo.Create(context.Background(), &notification.Notification{
		ID: "spent", Channel: notification.ChannelSlack, EventType: notification.EventLeadCaptured,
		Priority: notification.PriorityNormal, Status: notification.StatusRetry,
		CreatedAt: past, UpdatedAt: past, NextRetryAt: &past,
		RetryCount: 3, MaxRetries: 3, FailureReason: "slack 503",
		Payload: &notification.SlackPayload{Message: "x"},
	}))
	uc := NewUC(f.repo, f.orch, 10, false, nil)

	rep, err := uc.SweepRetries(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, Report{Processed: 1}, rep)
	assert.Zero(t, atomic.LoadInt32(&f.slack.calls))

	got := f.get(t, "spent")
	assert.Equal(t, notification.StatusFailed, got.Status)
	assert.Equal(t, notification.ReasonMaxRetriesExceeded, got.FailureReason)
}

func TestIncludeFailedRequeuesFailedNotifications(t *testing.T) {
	slack := &slackStub{failFirst: 1, permanent: true}
	f := newFixture(slack, 3)
	n := f.dispatch(t, nil)
	require.Equal(t, notification.StatusFailed, n.Status)

	rep, err := NewUC(f.repo, f.orch, 10, false, nil).SweepRetries(context.Background(), t0)
	require.NoError(t, err)
	assert.Zero(t, rep.Total())

	rep, err = NewUC(f.repo, f.orch, 10, true, nil).SweepRetries(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, Report{Processed: 1}, rep)

	got := f.get(t, n.ID)
	assert.Equal(t, notification.StatusDelivered, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

type flakyRepo struct {
	*memory.NotificationRepo
	broken string
}

func (r flakyRepo) UpdateStatus(ctx context.Context, id string, s notification.Status, m map[string]string) (*notification.Notification, error) {
	if id == r.broken {
		return nil, errors.New("connection reset")
	}
	return r.NotificationRepo.UpdateStatus(ctx, id, s, m)
}

func TestOneBadItemDoesNotAbortTheSweep(t *testing.T) {
	f := newFixture(&slackStub{}, 3)
	at := t0.Add(time.Minute)
	a := f.dispatch(t, &at)
	b := f.dispatch(t, &at)
	f.clock.Set(at)

	uc := NewUC(flakyRepo{NotificationRepo: f.repo, broken: a.ID}, f.orch, 10, false, nil)
	rep, err := uc.SweepScheduled(context.Background(), at)
	require.NoError(t, err)
	assert.Equal(t, Report{Processed: 1, Failed: 1}, rep)
	assert.Equal(t, notification.StatusScheduled, f.get(t, a.ID).Status)
	assert.Equal(t, notification.StatusDelivered, f.get(t, b.ID).Status)
}

func TestRunnerTicksImmediately(t *testing.T) {
	f := newFixture(&slackStub{}, 3)
	at := t0.Add(time.Minute)
	n := f.dispatch(t, &at)
	f.clock.Set(at)

	r := New(nil, NewUC(f.repo, f.orch, 10, false, nil), config.Scheduler{Tick: time.Hour}, f.clock)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Run(ctx), context.DeadlineExceeded)
	assert.Equal(t, notification.StatusDelivered, f.get(t, n.ID).Status)
}

// overlapDeliverer runs a competing sweep step while the first delivery is in flight.
type overlapDeliverer struct {
	inner  Deliverer
	during func()
	once   sync.Once
}

func (d *overlapDeliverer) Deliver(ctx context.Context, n *notification.Notification) notification.ChannelResult {
	d.once.Do(d.during)
	return d.inner.Deliver(ctx, n)
}

func TestOverlappingSweepsCountOneAttempt(t *testing.T) {
	f := newFixture(&slackStub{failFirst: 1}, 3)
	n := f.dispatch(t, nil)
	require.Equal(t, notification.StatusRetry, n.Status)
	f.clock.Set(t0.Add(time.Minute))

	ctx := context.Background()
	due, err := f.repo.FindPendingRetries(ctx, f.clock.Now(), 10, false)
	require.NoError(t, err)
	require.Len(t, due, 1)

	other := NewUC(f.repo, f.orch, 10, false, nil)
	first := NewUC(f.repo, &overlapDeliverer{inner: f.orch, during: func() {
		assert.False(t, other.retry(ctx, due[0]), "the row is already claimed")
	}}, 10, false, nil)
	assert.True(t, first.retry(ctx, due[0]))

	got := f.get(t, n.ID)
	assert.Equal(t, notification.StatusDelivered, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.EqualValues(t, 2, atomic.LoadInt32(&f.slack.calls))
}
