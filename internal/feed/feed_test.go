package feed_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusdrop/internal/domain"
	"campusdrop/internal/feed"
	"campusdrop/internal/realtime"
	"campusdrop/internal/service"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func msg(room string, i int) *feed.Message {
	return &feed.Message{
		ID:        fmt.Sprintf("m%d", i),
		RoomID:    room,
		SenderID:  "hosteller",
		Type:      domain.KindText,
		Content:   fmt.Sprintf("message %d", i),
		Timestamp: t0.Add(time.Duration(i) * time.Second),
	}
}

// memFetcher serves pages over an in-memory history with the server's
// cursor rules.
type memFetcher struct {
	mu    sync.Mutex
	msgs  []*feed.Message
	calls int
	gate  chan struct{} // when set, cursor fetches wait on it
}

func newMemFetcher(room string, n int) *memFetcher {
	f := &memFetcher{}
	for i := 1; i <= n; i++ {
		f.msgs = append(f.msgs, msg(room, i))
	}
	return f
}

func (f *memFetcher) add(m *feed.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
}

func (f *memFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *memFetcher) FetchPage(ctx context.Context, _ string, cursor *time.Time) (*service.PageResponse, error) {
	if cursor != nil && f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	sorted := append([]*feed.Message(nil), f.msgs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.After(sorted[j].Timestamp) })
	var items []*feed.Message
	for _, m := range sorted {
		if cursor != nil && !m.Timestamp.Before(*cursor) {
			continue
		}
		items = append(items, m)
		if len(items) == domain.PageSize {
			break
		}
	}
	resp := &service.PageResponse{Items: items}
	if len(items) == domain.PageSize {
		ts := items[len(items)-1].Timestamp
		resp.NextCursor = &ts
	}
	return resp, nil
}

// switchConn is a Bus whose connectivity can be toggled.
type switchConn struct {
	*realtime.Bus
	mu        sync.Mutex
	up        bool
	listeners map[int]func(bool)
	next      int
}

func newSwitchConn(up bool) *switchConn {
	return &switchConn{Bus: realtime.NewBus(), up: up, listeners: map[int]func(bool){}}
}

func (c *switchConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.up
}

func (c *switchConn) OnConnectivity(fn func(bool)) func() {
	c.mu.Lock()
	id := c.next
	c.next++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *switchConn) set(up bool) {
	c.mu.Lock()
	c.up = up
	var fns []func(bool)
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(up)
	}
}

func ids(msgs []*feed.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestOpenPaginatesAndRendersOldestFirst(t *testing.T) {
	fetcher := newMemFetcher("r1", 16)
	f, err := feed.Open(context.Background(), feed.Config{RoomID: "r1", Fetcher: fetcher, Conn: realtime.NewBus()})
	require.NoError(t, err)
	defer f.Close()

	pages := f.Pages()
	require.Len(t, pages, 1)
	require.Len(t, pages[0].Items, 15)
	assert.Equal(t, "m16", pages[0].Items[0].ID)
	require.NotNil(t, pages[0].NextCursor)
	assert.Equal(t, msg("r1", 2).Timestamp, *pages[0].NextCursor)
	assert.True(t, f.HasMore())

	require.NoError(t, f.LoadOlder(context.Background()))
	pages = f.Pages()
	require.Len(t, pages, 2)
	assert.Equal(t, []string{"m1"}, ids(pages[1].Items))
	assert.Nil(t, pages[1].NextCursor)
	assert.False(t, f.HasMore())

	rendered := ids(f.Messages())
	require.Len(t, rendered, 16)
	assert.Equal(t, "m1", rendered[0])
	assert.Equal(t, "m16", rendered[15])

	// exhausted: no further fetch
	calls := fetcher.Calls()
	require.NoError(t, f.LoadOlder(context.Background()))
	assert.Equal(t, calls, fetcher.Calls())
}

func TestInsertSeedsEmptyCache(t *testing.T) {
	f := feed.New(feed.Config{RoomID: "r1", Fetcher: newMemFetcher("r1", 0), Conn: realtime.NewBus()})
	defer f.Close()

	assert.True(t, f.ApplyInsert(msg("r1", 1)))
	pages := f.Pages()
	require.Len(t, pages, 1)
	assert.Equal(t, []string{"m1"}, ids(pages[0].Items))
	assert.Nil(t, pages[0].NextCursor)
}

func TestInsertIsIdempotentInBothArrivalOrders(t *testing.T) {
	for _, localFirst := range []bool{true, false} {
		t.Run(fmt.Sprintf("localFirst=%v", localFirst), func(t *testing.T) {
			bus := realtime.NewBus()
			fetcher := newMemFetcher("r1", 20)
			f, err := feed.Open(context.Background(), feed.Config{RoomID: "r1", Fetcher: fetcher, Conn: bus})
			require.NoError(t, err)
			defer f.Close()
			require.NoError(t, f.LoadOlder(context.Background()))
			before := f.Pages()

			m := msg("r1", 21)
			echo := func() {
				require.NoError(t, bus.Send(context.Background(), realtime.MessagesTopic("r1"), service.EventInsert, m))
				require.Eventually(t, func() bool { return f.Pages()[0].Items[0].ID == "m21" }, time.Second, 5*time.Millisecond)
			}
			if localFirst {
				assert.True(t, f.ApplyInsert(m))
				echo()
				time.Sleep(20 * time.Millisecond)
			} else {
				echo()
				assert.False(t, f.ApplyInsert(m))
			}

			after := f.Pages()
			require.Len(t, after, 2)
			assert.Equal(t, len(before[0].Items)+1, len(after[0].Items))
			assert.Equal(t, ids(before[1].Items), ids(after[1].Items), "older pages untouched")
			count := 0
			for _, x := range f.Messages() {
				if x.ID == "m21" {
					count++
				}
			}
			assert.Equal(t, 1, count)
		})
	}
}

func TestUpdateInOlderPageLeavesNewerPagesAlone(t *testing.T) {
	fetcher := newMemFetcher("r1", 61)
	f, err := feed.Open(context.Background(), feed.Config{RoomID: "r1", Fetcher: fetcher, Conn: realtime.NewBus()})
	require.NoError(t, err)
	defer f.Close()
	for i := 0; i < 3; i++ {
		require.NoError(t, f.LoadOlder(context.Background()))
	}
	before := f.Pages()
	require.Len(t, before, 4)

	target := before[3].Items[4]
	edited := *target
	edited.Content = "edited"
	now := time.Now()
	edited.UpdatedAt = &now
	assert.True(t, f.ApplyUpdate(&edited))

	after := f.Pages()
	for i := 0; i < 3; i++ {
		assert.Equal(t, before[i].Items, after[i].Items)
	}
	assert.Equal(t, ids(before[3].Items), ids(after[3].Items))
	assert.Equal(t, "edited", after[3].Items[4].Content)

	assert.False(t, f.ApplyUpdate(&feed.Message{ID: "never-loaded", RoomID: "r1"}))
}

func TestLiveEventsForOtherRoomsAndMalformedAreDropped(t *testing.T) {
	bus := realtime.NewBus()
	f, err := feed.Open(context.Background(), feed.Config{RoomID: "r1", Fetcher: newMemFetcher("r1", 3), Conn: bus})
	require.NoError(t, err)
	defer f.Close()

	topic := realtime.MessagesTopic("r1")
	require.NoError(t, bus.Send(context.Background(), topic, service.EventInsert, msg("r2", 99)))
	require.NoError(t, bus.Send(context.Background(), topic, service.EventInsert, []byte(`{"id":`)))
	require.NoError(t, bus.Send(context.Background(), topic, service.EventInsert, msg("r1", 4)))

	require.Eventually(t, func() bool { return len(f.Messages()) == 4 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(f.Messages()))
}

func TestPollingFollowsConnectivity(t *testing.T) {
	conn := newSwitchConn(true)
	fetcher := newMemFetcher("r1", 3)
	f, err := feed.Open(context.Background(), feed.Config{
		RoomID: "r1", Fetcher: fetcher, Conn: conn, PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer f.Close()

	time.Sleep(40 * time.Millisecond)
	assert.False(t, f.Polling())
	assert.Equal(t, 1, fetcher.Calls(), "no polling while connected")

	conn.set(false)
	assert.True(t, f.Polling())
	fetcher.add(msg("r1", 4))
	edited := *msg("r1", 2)
	edited.Content = "edited while offline"
	fetcher.mu.Lock()
	fetcher.msgs[1] = &edited
	fetcher.mu.Unlock()

	require.Eventually(t, func() bool { return len(f.Messages()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(f.Messages()))
	assert.Equal(t, "edited while offline", f.Messages()[1].Content)

	conn.set(true)
	assert.False(t, f.Polling())
	calls := fetcher.Calls()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, fetcher.Calls())
}

func TestOpenWhileDisconnectedPolls(t *testing.T) {
	conn := newSwitchConn(false)
	fetcher := newMemFetcher("r1", 1)
	f, err := feed.Open(context.Background(), feed.Config{
		RoomID: "r1", Fetcher: fetcher, Conn: conn, PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.True(t, f.Polling())
	require.Eventually(t, func() bool { return fetcher.Calls() >= 3 }, time.Second, 5*time.Millisecond)

	f.Close()
	assert.False(t, f.Polling())
	calls := fetcher.Calls()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, fetcher.Calls())
}

func TestCloseDiscardsInFlightLoad(t *testing.T) {
	fetcher := newMemFetcher("r1", 30)
	fetcher.gate = make(chan struct{})
	bus := realtime.NewBus()
	f, err := feed.Open(context.Background(), feed.Config{RoomID: "r1", Fetcher: fetcher, Conn: bus})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.LoadOlder(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	f.Close()
	close(fetcher.gate)
	assert.ErrorIs(t, <-done, feed.ErrClosed)
	assert.Len(t, f.Pages(), 1)

	assert.False(t, f.ApplyInsert(msg("r1", 31)))
	assert.Equal(t, 0, bus.Subscribers(realtime.MessagesTopic("r1")))
}

func TestOnChange(t *testing.T) {
	f := feed.New(feed.Config{RoomID: "r1", Fetcher: newMemFetcher("r1", 0), Conn: realtime.NewBus()})
	defer f.Close()

	n := 0
	cancel := f.OnChange(func() { n++ })
	f.ApplyInsert(msg("r1", 1))
	f.ApplyInsert(msg("r1", 1))
	assert.Equal(t, 1, n)
	cancel()
	f.ApplyInsert(msg("r1", 2))
	assert.Equal(t, 1, n)
}

func TestSharedRegistryLatestFeedOwnsTopic(t *testing.T) {
	bus := realtime.NewBus()
	registry := realtime.NewRegistry(bus)
	defer registry.Close()
	fetcher := newMemFetcher("r1", 3)

	older, err := feed.Open(context.Background(), feed.Config{RoomID: "r1", Fetcher: fetcher, Conn: bus, Registry: registry})
	require.NoError(t, err)
	defer older.Close()
	newer, err := feed.Open(context.Background(), feed.Config{RoomID: "r1", Fetcher: fetcher, Conn: bus, Registry: registry})
	require.NoError(t, err)

	topic := realtime.MessagesTopic("r1")
	require.NoError(t, bus.Send(context.Background(), topic, service.EventInsert, msg("r1", 4)))
	require.Eventually(t, func() bool { return len(newer.Messages()) == 4 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, older.Messages(), 3)

	newer.Close()
	require.NoError(t, bus.Send(context.Background(), topic, service.EventInsert, msg("r1", 5)))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, older.Messages(), 3)
}
