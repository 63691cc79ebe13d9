package bus

import (
	"sync"
	"time"

	"tradepipe/internal/market"
)

// TopicAll receives every published event regardless of key.
const TopicAll = "*"

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 16

// CloseEvent announces that a bar's interval has finished and its values
// are final. Events are ephemeral and delivered at most once per subscriber.
type CloseEvent struct {
	Key       market.SeriesKey
	Bar       market.Bar
	EmittedAt time.Time
}

// Subscription is one subscriber's bounded event channel. Receive from C;
// the channel is closed when the bus shuts down.
type Subscription struct {
	C      chan CloseEvent
	topics []string
}

// Bus fans CloseEvents out to subscribers. Publish never blocks: a
// subscriber whose buffer is full loses its oldest buffered event, never
// anyone else's.
type Bus struct {
	buffer int

	mu     sync.RWMutex
	closed bool
	subs   map[string][]*Subscription
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		buffer: buffer,
		subs:   make(map[string][]*Subscription),
	}
}

// Subscribe registers a single channel under each of the given topics.
// Per-topic emission order is preserved on that channel.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	sub := &Subscription{
		C:      make(chan CloseEvent, b.buffer),
		topics: topics,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.C)
		return sub
	}
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], sub)
	}
	return sub
}

// Unsubscribe detaches the subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	removed := false
	for _, t := range sub.topics {
		list := b.subs[t]
		for i, s := range list {
			if s == sub {
				b.subs[t] = append(list[:i], list[i+1:]...)
				removed = true
				break
			}
		}
		if len(b.subs[t]) == 0 {
			delete(b.subs, t)
		}
	}
	if removed {
		close(sub.C)
	}
}

// Publish delivers ev to every subscriber of topic and of TopicAll without
// blocking. On a full buffer the subscriber's oldest event is dropped to
// make room for the new one.
func (b *Bus) Publish(topic string, ev CloseEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	deliver := func(sub *Subscription) {
		select {
		case sub.C <- ev:
			return
		default:
		}
		// Buffer full: drop the oldest, then try once more. The second
		// attempt can still lose to a concurrent consumer; give up rather
		// than block the publisher.
		select {
		case <-sub.C:
		default:
		}
		select {
		case sub.C <- ev:
		default:
		}
	}

	for _, sub := range b.subs[topic] {
		deliver(sub)
	}
	for _, sub := range b.subs[TopicAll] {
		deliver(sub)
	}
}

// Close shuts the bus down and closes every subscriber channel. Publish and
// Subscribe after Close are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	seen := make(map[*Subscription]struct{})
	for _, list := range b.subs {
		for _, sub := range list {
			if _, dup := seen[sub]; dup {
				continue
			}
			seen[sub] = struct{}{}
			close(sub.C)
		}
	}
	b.subs = make(map[string][]*Subscription)
}
