// Package eventbus is the in-process hop between the ledger, the composer
// bridge, and the dispatch pipeline: transitions and delivery outcomes flow
// through it so the producers never block on the consumers.
package eventbus

import (
	"sync"
	"time"
)

// Topic names one event stream, e.g. a ledger transition or a delivery
// outcome. Producers declare their topics as typed constants.
type Topic string

// Event is one published signal. Data carries the topic's payload struct
// (ledger.Transition, dispatch.DeliveryEvent).
type Event struct {
	Topic Topic
	At    time.Time
	Data  any
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event, so durable state must never live
// only on the bus.
type Bus interface {
	Publish(ev Event)
	// Subscribe returns a receive channel and its cancel func. With no
	// topics every event is delivered; otherwise only the named ones.
	Subscribe(buffer int, topics ...Topic) (<-chan Event, func())
}

type subscriber struct {
	ch     chan Event
	topics map[Topic]struct{}
}

func (s *subscriber) wants(t Topic) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[t]
	return ok
}

type fanout struct {
	mu   sync.Mutex
	next int
	subs map[int]*subscriber
}

func New() Bus {
	return &fanout{subs: map[int]*subscriber{}}
}

func (b *fanout) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	// Sends happen under the lock; they are non-blocking, and holding the
	// lock keeps a concurrent cancel from closing a channel mid-send.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if !s.wants(ev.Topic) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
}

func (b *fanout) Subscribe(buffer int, topics ...Topic) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	if len(topics) > 0 {
		s.topics = make(map[Topic]struct{}, len(topics))
		for _, t := range topics {
			s.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
	return s.ch, cancel
}
