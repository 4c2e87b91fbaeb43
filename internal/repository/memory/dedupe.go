package memory

import (
	"context"
	"sync"
	"time"

	"github.com/NordCoder/Herald/internal/domain/notification"
)

// Deduper is the in-process counterpart of the redis deduper, used when redis
// is disabled.
type Deduper struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	ttl   time.Duration
	clock notification.Clock
}

func NewDeduper(ttl time.Duration, clock notification.Clock) *Deduper {
	if clock == nil {
		clock = notification.SystemClock{}
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Deduper{seen: make(map[string]time.Time), ttl: ttl, clock: clock}
}

func (d *Deduper) Claim(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	d.seen[key] = now.Add(d.ttl)
	for k, exp := range d.seen {
		if !now.Before(exp) {
			delete(d.seen, k)
		}
	}
	return true, nil
}

func (d *Deduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	return nil
}
