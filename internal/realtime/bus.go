package realtime

import (
	"context"
	"log"
	"sync"
)

const subscriptionBuffer = 256

// Bus is the in-process Conn. Every subscription has its own delivery
// goroutine, so events reach a handler in publish order and a handler may
// publish without blocking the publisher. A Bus is always connected.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[*busSub]struct{}
}

var _ Conn = (*Bus)(nil)

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[*busSub]struct{})}
}

type busSub struct {
	bus   *Bus
	topic string
	fn    Handler
	queue chan Event
	done  chan struct{}
	once  sync.Once
}

func (b *Bus) Subscribe(topic string, fn Handler) (Subscription, error) {
	s := &busSub{
		bus:   b,
		topic: topic,
		fn:    fn,
		queue: make(chan Event, subscriptionBuffer),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*busSub]struct{})
	}
	b.subs[topic][s] = struct{}{}
	b.mu.Unlock()

	go s.run()
	return s, nil
}

// Send publishes an event without a sender.
func (b *Bus) Send(_ context.Context, topic, event string, payload any) error {
	raw, err := EncodePayload(payload)
	if err != nil {
		return err
	}
	b.Publish(Event{Topic: topic, Name: event, Payload: raw})
	return nil
}

// Publish delivers ev to every subscriber of ev.Topic. A subscriber whose
// queue is full loses the event.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs[ev.Topic] {
		select {
		case s.queue <- ev:
		case <-s.done:
		default:
			log.Printf("realtime: dropping %q on %s, subscriber queue full", ev.Name, ev.Topic)
		}
	}
}

// Subscribers returns the number of live subscriptions on topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *Bus) Connected() bool { return true }

func (b *Bus) OnConnectivity(func(bool)) func() { return func() {} }

func (s *busSub) run() {
	for {
		select {
		case ev := <-s.queue:
			select {
			case <-s.done:
				return
			default:
			}
			s.fn(ev)
		case <-s.done:
			return
		}
	}
}

func (s *busSub) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if subs, ok := s.bus.subs[s.topic]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.bus.subs, s.topic)
			}
		}
		s.bus.mu.Unlock()
		close(s.done)
	})
}
