package sender

import (
	"sort"
	"sync"

	"github.com/NordCoder/Herald/internal/domain/notification"
)

// Registry maps channels to senders. A channel without a sender is simply
// absent; Get reports that explicitly.
type Registry struct {
	mu      sync.RWMutex
	senders map[notification.Channel]notification.Sender
}

func NewRegistry(senders ...notification.Sender) *Registry {
	r := &Registry{senders: make(map[notification.Channel]notification.Sender)}
	for _, s := range senders {
		r.Register(s)
	}
	return r
}

func (r *Registry) Register(s notification.Sender) {
	if s == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[s.Channel()] = s
}

func (r *Registry) Get(c notification.Channel) (notification.Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[c]
	return s, ok
}

func (r *Registry) Channels() []notification.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]notification.Channel, 0, len(r.senders))
	for c := range r.senders {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
