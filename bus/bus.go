// Package bus is the in-process system bus: topic-based publish/subscribe
// used to fan applied-state notifications out of the state machine to the
// task driver and API waiters.
package bus

import (
	"sync"
)

// Default topics published by the state machine.
const (
	TopicWallets    = "wallets"
	TopicOrders     = "orders"
	TopicPeers      = "peers"
	TopicTaskQueues = "task-queues"
)

// subscriberBuffer is each subscription's channel depth. Publish never
// blocks; a subscriber that falls this far behind loses the oldest-pending
// notification and must re-read authoritative state.
const subscriberBuffer = 64

// Event is one bus notification.
type Event struct {
	Topic string

	// Index is the log index of the apply that produced the event
	Index uint64

	// Payload is topic-specific: task ids, wallet ids, etc.
	Payload interface{}
}

// Subscription is a receive handle on one topic. Close through
// Bus.Unsubscribe.
type Subscription struct {
	Topic string
	C     <-chan Event

	ch chan Event
}

// Bus routes events to topic subscribers. The zero value is not usable;
// construct with New.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]*Subscription
	closed bool
}

func New() *Bus {
	return &Bus{
		topics: make(map[string][]*Subscription),
	}
}

// Subscribe registers for a topic. Events published before the call are not
// delivered.
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		Topic: topic,
		ch:    make(chan Event, subscriberBuffer),
	}
	sub.C = sub.ch

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.topics[topic] = append(b.topics[topic], sub)
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Idempotent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[sub.Topic]
	for i, cur := range subs {
		if cur == sub {
			b.topics[sub.Topic] = append(subs[:i], subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Publish delivers an event to every subscriber of its topic without
// blocking. A full subscriber drops its oldest pending event to make room,
// keeping the newest notification deliverable.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.topics[event.Topic] {
		select {
		case sub.ch <- event:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// Close shuts the bus down, closing every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.topics {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	b.topics = make(map[string][]*Subscription)
}
