package ws

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"campusdrop/internal/realtime"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// Conn is one authenticated websocket connection. All writes go through
// its writer goroutine.
type Conn struct {
	id     string
	userID string
	ws     *websocket.Conn
	send   chan realtime.Frame

	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	subs map[string]realtime.Subscription
}

func newConn(userID string, ws *websocket.Conn) *Conn {
	return &Conn{
		id:     uuid.NewString(),
		userID: userID,
		ws:     ws,
		send:   make(chan realtime.Frame, sendBuffer),
		done:   make(chan struct{}),
		subs:   make(map[string]realtime.Subscription),
	}
}

// enqueue hands f to the writer. A connection that cannot keep up is closed.
func (c *Conn) enqueue(f realtime.Frame) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- f:
	case <-c.done:
	default:
		log.Printf("ws: send buffer full for user %s, closing connection", c.userID)
		c.Close()
	}
}

func (c *Conn) sendError(msg string) {
	c.enqueue(realtime.Frame{Type: realtime.FrameError, Message: msg})
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// subscribe routes topic events from bus to this connection, replacing any
// earlier subscription to the same topic. Events this connection published
// itself are not echoed back.
func (c *Conn) subscribe(bus *realtime.Bus, topic string) error {
	sub, err := bus.Subscribe(topic, func(ev realtime.Event) {
		if ev.Sender == c.id {
			return
		}
		c.enqueue(realtime.Frame{Type: realtime.FrameEvent, Topic: ev.Topic, Event: ev.Name, Payload: ev.Payload})
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	prev := c.subs[topic]
	c.subs[topic] = sub
	c.mu.Unlock()
	if prev != nil {
		prev.Unsubscribe()
	}
	return nil
}

func (c *Conn) unsubscribe(topic string) {
	c.mu.Lock()
	sub := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

func (c *Conn) unsubscribeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]realtime.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// Close sends a close frame and tears the connection down. It is safe to
// call more than once and from any goroutine.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
		c.ws.Close()
	})
}
