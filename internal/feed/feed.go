// Package feed keeps the paginated, live-updating message history of one
// room on the client side.
//
// Pages are cached newest first. Live inserts only ever touch page 0,
// live updates replace a message wherever it is cached, and both are
// idempotent by message id, so an optimistic local insert and its
// realtime echo leave a single copy in either arrival order. While the
// realtime transport is down the head page is polled instead.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"campusdrop/internal/realtime"
	"campusdrop/internal/service"
)

// DefaultPollInterval is the head-page polling period while disconnected.
const DefaultPollInterval = time.Second

// ErrClosed is returned for work that completes after Close.
var ErrClosed = errors.New("feed: closed")

// Message is the cached form of a message.
type Message = service.MessageResponse

// Fetcher loads one history page, newest first. A nil cursor selects the
// newest page.
type Fetcher interface {
	FetchPage(ctx context.Context, roomID string, cursor *time.Time) (*service.PageResponse, error)
}

type Config struct {
	RoomID  string
	Fetcher Fetcher
	Conn    realtime.Conn
	// Registry, when set, provides the room's messages Channel. A topic
	// has one subscription per Registry: the most recently started feed
	// owns it, and an earlier feed on the same room stops receiving live
	// events. Closing any of them drops the subscription.
	Registry     *realtime.Registry
	PollInterval time.Duration
}

// Page is one cached history page.
type Page struct {
	Items      []*Message
	NextCursor *time.Time
}

type Feed struct {
	cfg     Config
	channel *realtime.Channel

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	pages       []*Page
	loading     bool
	closed      bool
	pollCancel  context.CancelFunc
	observers   map[int]func()
	nextObs     int
	stopConnSig func()
}

// New returns an empty feed. Start loads it.
func New(cfg Config) *Feed {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	topic := realtime.MessagesTopic(cfg.RoomID)
	var ch *realtime.Channel
	if cfg.Registry != nil {
		ch = cfg.Registry.Channel(topic)
	} else {
		ch = realtime.NewChannel(cfg.Conn, topic)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		cfg:       cfg,
		channel:   ch,
		ctx:       ctx,
		cancel:    cancel,
		observers: make(map[int]func()),
	}
}

// Open creates a feed and starts it.
func Open(ctx context.Context, cfg Config) (*Feed, error) {
	f := New(cfg)
	if err := f.Start(ctx); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// Start subscribes to live events, loads the head page and starts the
// connectivity supervisor.
func (f *Feed) Start(ctx context.Context) error {
	err := f.channel.Subscribe(realtime.Handlers{
		service.EventInsert: func(p json.RawMessage) {
			if m := f.decode(p); m != nil {
				f.ApplyInsert(m)
			}
		},
		service.EventUpdate: func(p json.RawMessage) {
			if m := f.decode(p); m != nil {
				f.ApplyUpdate(m)
			}
		},
	})
	if err != nil {
		return err
	}

	head, err := f.fetch(ctx, nil)
	if err != nil {
		return err
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	early := f.pages
	f.pages = []*Page{head}
	for _, p := range early {
		for _, m := range p.Items {
			f.mergeLocked(m)
		}
	}
	f.stopConnSig = f.cfg.Conn.OnConnectivity(f.onConnectivity)
	f.mu.Unlock()

	if !f.cfg.Conn.Connected() {
		f.startPolling()
	}
	f.notify()
	return nil
}

func (f *Feed) decode(p json.RawMessage) *Message {
	var m Message
	if err := json.Unmarshal(p, &m); err != nil || m.ID == "" {
		log.Printf("feed [%s]: dropping malformed event: %v", f.cfg.RoomID, err)
		return nil
	}
	if m.RoomID != f.cfg.RoomID {
		return nil
	}
	return &m
}

// ApplyInsert merges a newly created message. It reports whether the
// cache changed.
func (f *Feed) ApplyInsert(m *Message) bool {
	f.mu.Lock()
	changed := f.insertLocked(m)
	f.mu.Unlock()
	if changed {
		f.notify()
	}
	return changed
}

func (f *Feed) insertLocked(m *Message) bool {
	if f.closed {
		return false
	}
	if len(f.pages) == 0 {
		f.pages = []*Page{{Items: []*Message{m}}}
		return true
	}
	head := f.pages[0]
	if indexOf(head.Items, m.ID) >= 0 {
		return false
	}
	head.Items = append([]*Message{m}, head.Items...)
	return true
}

// ApplyUpdate replaces a cached message in place. Updates for messages
// that are not cached are dropped.
func (f *Feed) ApplyUpdate(m *Message) bool {
	f.mu.Lock()
	changed := !f.closed && f.replaceLocked(m)
	f.mu.Unlock()
	if changed {
		f.notify()
	}
	return changed
}

func (f *Feed) replaceLocked(m *Message) bool {
	for _, p := range f.pages {
		if i := indexOf(p.Items, m.ID); i >= 0 {
			p.Items[i] = m
			return true
		}
	}
	return false
}

// mergeLocked replaces m if cached, otherwise inserts it into page 0 at
// its createdAt position.
func (f *Feed) mergeLocked(m *Message) {
	if f.replaceLocked(m) {
		return
	}
	if len(f.pages) == 0 {
		f.pages = []*Page{{Items: []*Message{m}}}
		return
	}
	head := f.pages[0]
	i := 0
	for i < len(head.Items) && head.Items[i].Timestamp.After(m.Timestamp) {
		i++
	}
	head.Items = append(head.Items, nil)
	copy(head.Items[i+1:], head.Items[i:])
	head.Items[i] = m
}

// LoadOlder fetches the page preceding the oldest cached one. It is a
// no-op once history is exhausted or while another load is in flight.
func (f *Feed) LoadOlder(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if f.loading || len(f.pages) == 0 || f.pages[len(f.pages)-1].NextCursor == nil {
		f.mu.Unlock()
		return nil
	}
	cursor := *f.pages[len(f.pages)-1].NextCursor
	f.loading = true
	f.mu.Unlock()

	page, err := f.fetch(ctx, &cursor)

	f.mu.Lock()
	f.loading = false
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if err != nil {
		f.mu.Unlock()
		return err
	}
	f.pages = append(f.pages, page)
	f.mu.Unlock()
	f.notify()
	return nil
}

// fetch runs a page load bound to both ctx and the feed's lifetime.
func (f *Feed) fetch(ctx context.Context, cursor *time.Time) (*Page, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(f.ctx, cancel)
	defer stop()

	resp, err := f.cfg.Fetcher.FetchPage(ctx, f.cfg.RoomID, cursor)
	if err != nil {
		if f.ctx.Err() != nil {
			return nil, ErrClosed
		}
		return nil, err
	}
	return &Page{Items: resp.Items, NextCursor: resp.NextCursor}, nil
}

// HasMore reports whether older history remains to be loaded.
func (f *Feed) HasMore() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pages) > 0 && f.pages[len(f.pages)-1].NextCursor != nil
}

// Messages returns the cached messages in render order, oldest first.
func (f *Feed) Messages() []*Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Message
	for i := len(f.pages) - 1; i >= 0; i-- {
		items := f.pages[i].Items
		for j := len(items) - 1; j >= 0; j-- {
			out = append(out, items[j])
		}
	}
	return out
}

// Pages returns a copy of the page cache, newest page first.
func (f *Feed) Pages() []Page {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Page, len(f.pages))
	for i, p := range f.pages {
		out[i] = Page{Items: append([]*Message(nil), p.Items...), NextCursor: p.NextCursor}
	}
	return out
}

// OnChange registers fn to run after every cache change.
func (f *Feed) OnChange(fn func()) (cancel func()) {
	f.mu.Lock()
	id := f.nextObs
	f.nextObs++
	f.observers[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.observers, id)
		f.mu.Unlock()
	}
}

func (f *Feed) notify() {
	f.mu.Lock()
	fns := make([]func(), 0, len(f.observers))
	for _, fn := range f.observers {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Polling reports whether the disconnected fallback is running.
func (f *Feed) Polling() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollCancel != nil
}

func (f *Feed) onConnectivity(connected bool) {
	if connected {
		f.stopPolling()
	} else {
		f.startPolling()
	}
}

func (f *Feed) startPolling() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.pollCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(f.ctx)
	f.pollCancel = cancel
	f.wg.Add(1)
	go f.poll(ctx)
	log.Printf("feed [%s]: realtime down, polling every %s", f.cfg.RoomID, f.cfg.PollInterval)
}

func (f *Feed) stopPolling() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollCancel != nil {
		f.pollCancel()
		f.pollCancel = nil
	}
}

func (f *Feed) poll(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.refreshHead(ctx)
		}
	}
}

func (f *Feed) refreshHead(ctx context.Context) {
	head, err := f.fetch(ctx, nil)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("feed [%s]: poll: %v", f.cfg.RoomID, err)
		}
		return
	}
	f.mu.Lock()
	if f.closed || ctx.Err() != nil {
		f.mu.Unlock()
		return
	}
	if len(f.pages) == 0 {
		f.pages = []*Page{head}
	} else {
		// oldest first so that each insert lands ahead of older ones
		for i := len(head.Items) - 1; i >= 0; i-- {
			f.mergeLocked(head.Items[i])
		}
	}
	f.mu.Unlock()
	f.notify()
}

// Close unsubscribes, stops polling and discards any in-flight loads.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	stopSig := f.stopConnSig
	f.pollCancel = nil
	f.mu.Unlock()

	f.cancel()
	f.channel.Unsubscribe()
	if stopSig != nil {
		stopSig()
	}
	f.wg.Wait()
}

func indexOf(items []*Message, id string) int {
	for i, m := range items {
		if m.ID == id {
			return i
		}
	}
	return -1
}
