// Package eventbus implements a topic-addressed publish/subscribe
// fabric: hierarchical string topics, per-subscription demand
// signalling, synchronous in-topic-order delivery, and drop-not-block
// backpressure for subscribers with no outstanding demand.
package eventbus

import (
	"reflect"
	"sync"
	"sync/atomic"
)

// Subscription is a demand-controlled handle returned by Bus.Subscribe.
// Callers grant delivery capacity with Request and release it with
// Cancel; Bus.Publish never blocks on a subscription with zero demand.
type Subscription struct {
	id     int64
	topic  string
	types  []reflect.Type
	filter func(any) bool
	onNext func(any)

	bus *Bus

	mu        sync.Mutex
	demand    int64
	cancelled bool
}

// Request grants the subscription additional delivery capacity.
func (s *Subscription) Request(n int64) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.demand += n
	s.mu.Unlock()
}

// Dropped reports how many events have been dropped for this
// subscription due to zero demand.
func (s *Subscription) Dropped() int64 {
	return s.bus.counters.Get(s.id)
}

// Cancel unregisters the subscription. Any delivery already in
// progress for it is allowed to complete; no further events are
// delivered afterward.
func (s *Subscription) Cancel() {
	s.bus.cancel(s)
}

// tryDeliver attempts to hand event to the subscriber, consuming one
// unit of demand. It reports whether delivery happened.
func (s *Subscription) tryDeliver(event any) bool {
	s.mu.Lock()
	if s.cancelled || s.demand <= 0 {
		s.mu.Unlock()
		return false
	}
	s.demand--
	s.mu.Unlock()

	s.onNext(event)
	return true
}

func (s *Subscription) matches(event any) bool {
	if len(s.types) > 0 {
		et := reflect.TypeOf(event)
		ok := false
		for _, t := range s.types {
			if et == t || (t.Kind() == reflect.Interface && et.Implements(t)) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if s.filter != nil && !s.filter(event) {
		return false
	}
	return true
}

type topicState struct {
	mu   sync.Mutex // serializes Publish/Cancel so delivery order == publication order
	subs map[int64]*Subscription
}

// Bus is the topic-indexed subscription registry.
type Bus struct {
	mu       sync.Mutex
	topics   map[string]*topicState
	nextID   int64
	counters Counters
}

// New returns a Bus using the given Counters implementation for
// dropped-event tracking; pass nil for the default in-process one.
func New(counters Counters) *Bus {
	if counters == nil {
		counters = NewInProcessCounters()
	}
	return &Bus{topics: make(map[string]*topicState), counters: counters}
}

func (b *Bus) topicFor(topic string) *topicState {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topic]
	if !ok {
		t = &topicState{subs: make(map[int64]*Subscription)}
		b.topics[topic] = t
	}
	return t
}

// Subscribe registers onNext to be called for events published on
// topic whose runtime type is assignable to one of types (an empty
// types list matches every event) and for which filter (if non-nil)
// returns true. The subscription starts with zero demand; call
// Request to begin receiving events.
func (b *Bus) Subscribe(topic string, types []reflect.Type, filter func(any) bool, onNext func(any)) *Subscription {
	id := atomic.AddInt64(&b.nextID, 1)
	sub := &Subscription{id: id, topic: topic, types: types, filter: filter, onNext: onNext, bus: b}

	t := b.topicFor(topic)
	t.mu.Lock()
	t.subs[id] = sub
	t.mu.Unlock()
	return sub
}

// Publish fans event out to every matching subscription on topic, in
// subscription delivery order; a subscription with zero demand has the
// event dropped and its counter incremented rather than blocking the
// publisher.
func (b *Bus) Publish(topic string, event any) {
	t := b.topicFor(topic)
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, sub := range t.subs {
		if !sub.matches(event) {
			continue
		}
		if !sub.tryDeliver(event) {
			b.counters.Increment(sub.id)
		}
	}
}

func (b *Bus) cancel(sub *Subscription) {
	t := b.topicFor(sub.topic)
	t.mu.Lock()
	sub.mu.Lock()
	sub.cancelled = true
	sub.mu.Unlock()
	delete(t.subs, sub.id)
	t.mu.Unlock()
	b.counters.Remove(sub.id)
}
