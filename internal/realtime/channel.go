package realtime

import (
	"context"
	"encoding/json"
	"sync"
)

// Handlers maps event names to callbacks. Events with no entry are ignored.
type Handlers map[string]func(payload json.RawMessage)

// Channel is the subscription to one topic. At most one subscription is
// active per Channel; subscribing again replaces the previous one.
type Channel struct {
	conn  Conn
	topic string

	mu  sync.Mutex
	sub Subscription
}

func NewChannel(conn Conn, topic string) *Channel {
	return &Channel{conn: conn, topic: topic}
}

func (c *Channel) Topic() string { return c.topic }

// Subscribe tears down any prior subscription on this topic, then routes
// the topic's events to h.
func (c *Channel) Subscribe(h Handlers) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sub != nil {
		c.sub.Unsubscribe()
		c.sub = nil
	}
	sub, err := c.conn.Subscribe(c.topic, func(ev Event) {
		if fn, ok := h[ev.Name]; ok {
			fn(ev.Payload)
		}
	})
	if err != nil {
		return err
	}
	c.sub = sub
	return nil
}

func (c *Channel) Send(ctx context.Context, event string, payload any) error {
	return c.conn.Send(ctx, c.topic, event, payload)
}

// Unsubscribe drops the active subscription, if any.
func (c *Channel) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		c.sub.Unsubscribe()
		c.sub = nil
	}
}

func (c *Channel) Connected() bool { return c.conn.Connected() }

func (c *Channel) OnConnectivity(fn func(bool)) func() { return c.conn.OnConnectivity(fn) }

// Registry hands out one Channel per topic over a shared Conn. Callers
// that take the same topic share its single subscription, so the last
// Subscribe wins.
type Registry struct {
	conn Conn

	mu       sync.Mutex
	channels map[string]*Channel
}

func NewRegistry(conn Conn) *Registry {
	return &Registry{conn: conn, channels: make(map[string]*Channel)}
}

// Channel returns the Channel for topic, creating it on first use.
func (r *Registry) Channel(topic string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[topic]
	if !ok {
		ch = NewChannel(r.conn, topic)
		r.channels[topic] = ch
	}
	return ch
}

// Release unsubscribes and forgets the Channel for topic.
func (r *Registry) Release(topic string) {
	r.mu.Lock()
	ch, ok := r.channels[topic]
	delete(r.channels, topic)
	r.mu.Unlock()
	if ok {
		ch.Unsubscribe()
	}
}

// Close releases every Channel.
func (r *Registry) Close() {
	r.mu.Lock()
	chans := r.channels
	r.channels = make(map[string]*Channel)
	r.mu.Unlock()
	for _, ch := range chans {
		ch.Unsubscribe()
	}
}
