// Package eventbus decouples the scheduler core from monitoring consumers
// with a non-blocking in-process fanout. Publishing never waits: a subscriber
// that cannot keep up loses events instead of stalling the control loop.
package eventbus

import (
	"sync"
	"time"
)

// Event is one scheduler signal (run started, recorded, retried, ...).
// Data should be small and JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines; delivery happens on
// the publisher's stack.
func New() Bus {
	return &memBus{}
}

type memBus struct {
	mu   sync.Mutex
	subs []*subscriber
}

type subscriber struct {
	ch     chan Event
	closed bool
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.closed {
			continue
		}
		select {
		case s.ch <- e:
		default:
			// Full buffer: the subscriber is behind, drop for it.
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s.closed {
			return
		}
		s.closed = true
		for i, cur := range b.subs {
			if cur == s {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		// Marking closed under the lock first means Publish can never send
		// here again; closing wakes a blocked ranging consumer.
		close(s.ch)
	}
	return s.ch, unsub
}
