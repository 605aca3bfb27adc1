package events

import "sync"

// Bus wakes in-process subscribers after events were committed. It carries
// no payload: subscribers read the event log from their own cursor.
type Bus struct {
	mu   sync.Mutex
	subs []chan struct{}
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel that receives at most one pending signal.
func (b *Bus) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe stops signalling ch.
func (b *Bus) Unsubscribe(ch <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish signals every subscriber without blocking. A nil Bus is a no-op.
func (b *Bus) Publish() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub <- struct{}{}:
		default:
		}
	}
}
