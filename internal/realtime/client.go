package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// DefaultPongWait matches the server's pong wait; it pings at 9/10 of it.
	DefaultPongWait = 60 * time.Second
)

type ClientConfig struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8000/ws.
	URL   string
	Token string
	// Origin is sent as the Origin header; the server checks it against
	// its allow-list.
	Origin string

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// PongWait is how long the connection may stay silent, server pings
	// included, before it is considered dead.
	PongWait time.Duration
	Dialer   *websocket.Dialer
}

// Client is a Conn over the /ws endpoint. It reconnects with exponential
// backoff until closed and restores its topic subscriptions on every new
// connection.
type Client struct {
	cfg    ClientConfig
	dialer *websocket.Dialer
	bo     *backoff.ExponentialBackOff

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex

	mu        sync.Mutex
	ws        *websocket.Conn
	connected bool
	subs      map[string]map[*clientSub]struct{}
	listeners map[int]func(bool)
	nextID    int
}

var _ Conn = (*Client)(nil)

// Dial starts a Client. It returns immediately; the connection is
// established in the background and reported through OnConnectivity.
func Dial(ctx context.Context, cfg ClientConfig) *Client {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	if cfg.InitialBackoff > 0 {
		bo.InitialInterval = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		bo.MaxInterval = cfg.MaxBackoff
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = DefaultPongWait
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &Client{
		cfg:       cfg,
		dialer:    dialer,
		bo:        bo,
		ctx:       cctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		subs:      make(map[string]map[*clientSub]struct{}),
		listeners: make(map[int]func(bool)),
	}
	go c.run()
	return c
}

func (c *Client) run() {
	defer close(c.done)
	notify := func(err error, wait time.Duration) {
		log.Printf("realtime: connection lost: %v (retrying in %s)", err, wait)
	}
	_ = backoff.RetryNotify(c.session, backoff.WithContext(c.bo, c.ctx), notify)
}

// session runs one connection until it fails.
func (c *Client) session() error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)
	if c.cfg.Origin != "" {
		header.Set("Origin", c.cfg.Origin)
	}
	ws, _, err := c.dialer.DialContext(c.ctx, c.cfg.URL, header)
	if err != nil {
		if c.ctx.Err() != nil {
			return backoff.Permanent(c.ctx.Err())
		}
		return err
	}

	c.mu.Lock()
	c.ws = ws
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	for _, topic := range topics {
		if err := c.write(Frame{Type: FrameSubscribe, Topic: topic}); err != nil {
			c.drop(ws)
			return err
		}
	}
	c.bo.Reset()
	c.setConnected(true)

	err = c.readLoop(ws)
	c.drop(ws)
	c.setConnected(false)
	if c.ctx.Err() != nil {
		return backoff.Permanent(c.ctx.Err())
	}
	return err
}

func (c *Client) readLoop(ws *websocket.Conn) error {
	wait := c.cfg.PongWait
	_ = ws.SetReadDeadline(time.Now().Add(wait))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(wait))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	for {
		var f Frame
		if err := ws.ReadJSON(&f); err != nil {
			return err
		}
		_ = ws.SetReadDeadline(time.Now().Add(wait))
		switch f.Type {
		case FrameEvent:
			c.dispatch(Event{Topic: f.Topic, Name: f.Event, Payload: f.Payload})
		case FrameError:
			log.Printf("realtime: server error: %s", f.Message)
		}
	}
}

func (c *Client) dispatch(ev Event) {
	c.mu.Lock()
	subs := make([]*clientSub, 0, len(c.subs[ev.Topic]))
	for s := range c.subs[ev.Topic] {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	for _, s := range subs {
		s.fn(ev)
	}
}

func (c *Client) drop(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.mu.Unlock()
	ws.Close()
}

func (c *Client) write(f Frame) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(f)
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	changed := c.connected != v
	c.connected = v
	fns := make([]func(bool), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	if !changed {
		return
	}
	for _, fn := range fns {
		fn(v)
	}
}

type clientSub struct {
	c     *Client
	topic string
	fn    Handler
	once  sync.Once
}

func (c *Client) Subscribe(topic string, fn Handler) (Subscription, error) {
	s := &clientSub{c: c, topic: topic, fn: fn}

	c.mu.Lock()
	first := len(c.subs[topic]) == 0
	if first {
		c.subs[topic] = make(map[*clientSub]struct{})
	}
	c.subs[topic][s] = struct{}{}
	c.mu.Unlock()

	if first {
		// While disconnected the subscription is sent on reconnect.
		if err := c.write(Frame{Type: FrameSubscribe, Topic: topic}); err != nil && !errors.Is(err, ErrNotConnected) {
			log.Printf("realtime: subscribe %s: %v", topic, err)
		}
	}
	return s, nil
}

func (s *clientSub) Unsubscribe() {
	s.once.Do(func() {
		c := s.c
		c.mu.Lock()
		last := false
		if subs, ok := c.subs[s.topic]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(c.subs, s.topic)
				last = true
			}
		}
		c.mu.Unlock()
		if last {
			_ = c.write(Frame{Type: FrameUnsubscribe, Topic: s.topic})
		}
	})
}

// Send broadcasts an event on topic. The server relays it to the other
// subscribers of the topic.
func (c *Client) Send(_ context.Context, topic, event string, payload any) error {
	raw, err := EncodePayload(payload)
	if err != nil {
		return err
	}
	return c.write(Frame{Type: FrameBroadcast, Topic: topic, Event: event, Payload: raw})
}

// Request sends a frame of one of the message shortcut types.
func (c *Client) Request(frameType string, payload any) error {
	raw, err := EncodePayload(payload)
	if err != nil {
		return err
	}
	return c.write(Frame{Type: frameType, Payload: json.RawMessage(raw)})
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) OnConnectivity(fn func(bool)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Close stops reconnecting and closes the current connection.
func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		ws.Close()
	}
	<-c.done
	return nil
}
