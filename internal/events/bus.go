package events

import (
	"sync"
	"sync/atomic"
)

// Message pairs a topic with the payload that was published on it.
type Message struct {
	Event   Event
	Payload any
}

// Bus is a lightweight pub/sub broker using channels. A subscriber receives
// all of its topics on a single merged channel, tagged with the topic.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Event][]chan Message
	dropped uint64
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan Message)}
}

// Subscribe registers one delivery channel for the given topics and returns
// it with an unsubscribe function. Unsubscribing detaches the channel from
// every topic and closes it.
func (b *Bus) Subscribe(buffer int, topics ...Event) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, buffer)
	for _, e := range topics {
		b.subs[e] = append(b.subs[e], ch)
	}

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, e := range topics {
				subs := b.subs[e]
				for i, c := range subs {
					if c == ch {
						b.subs[e] = append(subs[:i], subs[i+1:]...)
						break
					}
				}
			}
			close(ch)
		})
	}

	return ch, unsub
}

// Publish fan-outs the payload to subscribers without blocking. Messages to
// slow subscribers are dropped and counted.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- Message{Event: e, Payload: payload}:
		default:
			atomic.AddUint64(&b.dropped, 1)
		}
	}
}

// Dropped returns the number of messages discarded because a subscriber's
// buffer was full.
func (b *Bus) Dropped() uint64 {
	return atomic.LoadUint64(&b.dropped)
}

// Subscribers returns how many channels are attached to a topic.
func (b *Bus) Subscribers(e Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[e])
}
