// Package bus is a small in-process pub/sub used to fan memory and job
// lifecycle events out to observers such as the WebSocket stream.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// Event is one lifecycle event as delivered to subscribers.
type Event struct {
	Topic   string
	Payload SessionEvent
}

// Filter selects the events a subscription receives. Zero fields match
// everything.
type Filter struct {
	TopicPrefix string
	SessionKey  string
}

func (f Filter) matches(topic string, ev SessionEvent) bool {
	if f.TopicPrefix != "" && !strings.HasPrefix(topic, f.TopicPrefix) {
		return false
	}
	return f.SessionKey == "" || f.SessionKey == ev.SessionKey
}

// Subscription is an active subscription. Its channel is closed by
// Unsubscribe.
type Subscription struct {
	id      int
	filter  Filter
	ch      chan Event
	dropped atomic.Int64
}

func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped is the number of events discarded because the buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Bus fans events out to subscriptions. Delivery never blocks the publisher:
// a subscriber that falls more than defaultBufferSize events behind loses
// the overflow.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

func (b *Bus) Subscribe(f Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		filter: f,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel. It is safe to call twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers ev under topic to every matching subscription. A nil Bus
// drops everything so callers can leave the bus unset.
func (b *Bus) Publish(topic string, ev SessionEvent) {
	if b == nil {
		return
	}
	event := Event{Topic: topic, Payload: ev}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.filter.matches(topic, ev) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
