package inapp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/NordCoder/Herald/internal/obs"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const DefaultMaxPerUser = 100

var (
	ErrEntryNotFound = errors.New("inbox entry not found")
	ErrClosed        = errors.New("mailbox closed")
)

var (
	mStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "herald_inapp_stored_total",
		Help: "In-app entries stored",
	})
	mPushDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "herald_inapp_push_dropped_total",
		Help: "Live pushes dropped because the subscriber was too slow",
	})
	mSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "herald_inapp_subscribers",
		Help: "Users with an active live subscription",
	})
)

type Entry struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	EventType string     `json:"event_type,omitempty"`
	Priority  string     `json:"priority,omitempty"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	ActionURL string     `json:"action_url,omitempty"`
	Category  string     `json:"category,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Read      bool       `json:"read"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	Visible   bool       `json:"visible"`
}

func (e *Entry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

func (e *Entry) listed(now time.Time) bool { return e.Visible && !e.expired(now) }

type Query struct {
	Offset   int
	Limit    int
	Read     *bool
	Category string
}

// Subscriber receives live entries. It runs on the subscription's own goroutine.
type Subscriber func(Entry)

// DesktopNotifier mirrors stored entries to an OS-level notification service.
type DesktopNotifier interface {
	Notify(ctx context.Context, e Entry) error
}

type subscription struct {
	id   uint64
	fn   Subscriber
	ch   chan Entry
	done chan struct{}
}

type inbox struct {
	entries []*Entry // newest first
	sub     *subscription
}

// Mailbox keeps a bounded newest-first list per user and pushes new entries to
// at most one live subscriber per user. It is created at startup and closed on
// shutdown.
type Mailbox struct {
	mu      sync.Mutex
	users   map[string]*inbox
	max     int
	nextSub uint64
	closed  bool

	desktop DesktopNotifier
	wg      sync.WaitGroup
	now     func() time.Time
	log     *zap.Logger
}

type Option func(*Mailbox)

func WithDesktopNotifier(d DesktopNotifier) Option { return func(m *Mailbox) { m.desktop = d } }

func WithClock(now func() time.Time) Option { return func(m *Mailbox) { m.now = now } }

func NewMailbox(maxPerUser int, log *zap.Logger, opts ...Option) *Mailbox {
	if maxPerUser <= 0 {
		maxPerUser = DefaultMaxPerUser
	}
	m := &Mailbox{
		users: make(map[string]*inbox),
		max:   maxPerUser,
		now:   time.Now,
		log:   obs.Component(log, "inapp.mailbox"),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Mailbox) box(userID string) *inbox {
	b, ok := m.users[userID]
	if !ok {
		b = &inbox{}
		m.users[userID] = b
	}
	return b
}

// Send stores the entry first and only then attempts the live push, so a
// disconnected client still finds it on its next read.
func (m *Mailbox) Send(ctx context.Context, e Entry) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	e.Visible = true
	stored := e
	b := m.box(e.UserID)
	b.entries = append([]*Entry{&stored}, b.entries...)
	if len(b.entries) > m.max {
		for i := m.max; i < len(b.entries); i++ {
			b.entries[i] = nil
		}
		b.entries = b.entries[:m.max]
	}
	sub := b.sub
	if sub != nil {
		select {
		case sub.ch <- e:
		default:
			mPushDropped.Inc()
			m.log.Warn("live push dropped", zap.String("user_id", e.UserID), zap.String("entry_id", e.ID))
		}
	}
	desktop := m.desktop
	if desktop != nil {
		m.wg.Add(1)
	}
	m.mu.Unlock()
	mStored.Inc()

	if desktop != nil {
		go func() {
			defer m.wg.Done()
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := desktop.Notify(dctx, e); err != nil {
				m.log.Warn("desktop notification failed", zap.String("user_id", e.UserID), zap.Error(err))
			}
		}()
	}
	return nil
}

func (m *Mailbox) find(userID, id string) *Entry {
	b, ok := m.users[userID]
	if !ok {
		return nil
	}
	for _, e := range b.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (m *Mailbox) MarkAsRead(userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.find(userID, id)
	if e == nil || !e.listed(m.now()) {
		return ErrEntryNotFound
	}
	if !e.Read {
		t := m.now()
		e.Read = true
		e.ReadAt = &t
	}
	return nil
}

// MarkAllAsRead returns how many entries changed.
func (m *Mailbox) MarkAllAsRead(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.users[userID]
	if !ok {
		return 0
	}
	now := m.now()
	n := 0
	for _, e := range b.entries {
		if e.listed(now) && !e.Read {
			t := now
			e.Read = true
			e.ReadAt = &t
			n++
		}
	}
	return n
}

// Dismiss hides the entry without deleting it.
func (m *Mailbox) Dismiss(userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.find(userID, id)
	if e == nil || !e.Visible {
		return ErrEntryNotFound
	}
	e.Visible = false
	return nil
}

func (m *Mailbox) GetUnreadCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.users[userID]
	if !ok {
		return 0
	}
	now := m.now()
	n := 0
	for _, e := range b.entries {
		if e.listed(now) && !e.Read {
			n++
		}
	}
	return n
}

// GetNotifications returns one page of visible, unexpired entries, newest
// first, and the total number matching the query.
func (m *Mailbox) GetNotifications(userID string, q Query) ([]Entry, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.users[userID]
	if !ok {
		return []Entry{}, 0
	}
	now := m.now()
	var matched []Entry
	for _, e := range b.entries {
		if !e.listed(now) {
			continue
		}
		if q.Read != nil && e.Read != *q.Read {
			continue
		}
		if q.Category != "" && e.Category != q.Category {
			continue
		}
		matched = append(matched, *e)
	}
	total := len(matched)
	if q.Offset > 0 {
		if q.Offset >= total {
			return []Entry{}, total
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	if matched == nil {
		matched = []Entry{}
	}
	return matched, total
}

// ClearExpiredNotifications drops entries past their expiry for every user.
func (m *Mailbox) ClearExpiredNotifications(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for _, b := range m.users {
		kept := b.entries[:0]
		for _, e := range b.entries {
			if e.expired(now) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		for i := len(kept); i < len(b.entries); i++ {
			b.entries[i] = nil
		}
		b.entries = kept
	}
	return removed
}

// Subscribe installs fn as the user's only live subscriber, replacing any
// previous one. The returned func removes this subscription if it is still the
// current one.
func (m *Mailbox) Subscribe(userID string, fn Subscriber) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return func() {}, ErrClosed
	}
	b := m.box(userID)
	if b.sub != nil {
		m.stop(b.sub)
	} else {
		mSubscribers.Inc()
	}
	m.nextSub++
	sub := &subscription{id: m.nextSub, fn: fn, ch: make(chan Entry, 64), done: make(chan struct{})}
	b.sub = sub
	m.wg.Add(1)
	go m.pump(userID, sub)

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.users[userID]; ok && cur.sub != nil && cur.sub.id == sub.id {
			m.stop(cur.sub)
			cur.sub = nil
			mSubscribers.Dec()
		}
	}, nil
}

func (m *Mailbox) Unsubscribe(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.users[userID]; ok && b.sub != nil {
		m.stop(b.sub)
		b.sub = nil
		mSubscribers.Dec()
	}
}

func (m *Mailbox) stop(s *subscription) { close(s.done) }

func (m *Mailbox) pump(userID string, s *subscription) {
	defer m.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case e := <-s.ch:
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.log.Error("subscriber panicked", zap.String("user_id", userID), zap.Any("panic", r))
					}
				}()
				s.fn(e)
			}()
		}
	}
}

// Close stops every subscription and waits for in-flight pushes.
func (m *Mailbox) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, b := range m.users {
		if b.sub != nil {
			m.stop(b.sub)
			b.sub = nil
			mSubscribers.Dec()
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Run sweeps expired entries every interval until ctx is done.
func (m *Mailbox) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if n := m.ClearExpiredNotifications(m.now()); n > 0 {
				m.log.Debug("expired entries cleared", zap.Int("count", n))
			}
		}
	}
}
