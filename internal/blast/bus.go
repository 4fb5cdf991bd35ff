package blast

import (
	"sync"

	"blast/internal/model"
)

// Bus fans controller events out to subscribers. Publishing never blocks
// the send loop: a subscriber whose buffer is full misses that event.
type Bus struct {
	mu   sync.Mutex
	subs map[chan model.Event]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan model.Event]struct{})}
}

// Subscribe registers a buffered event channel. The returned cancel func
// must be called to release it; the channel is closed on cancel.
func (b *Bus) Subscribe(buffer int) (<-chan model.Event, func()) {
	ch := make(chan model.Event, buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that can take it.
func (b *Bus) Publish(ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
