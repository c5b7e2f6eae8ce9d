package realtime_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusdrop/internal/realtime"
)

// echoServer speaks the /ws frame protocol and echoes broadcasts back to
// the sender. A broadcast named "kick" drops the connection.
type echoServer struct {
	upgrader   websocket.Upgrader
	auth       chan string
	subscribes chan string
}

func newEchoServer() *echoServer {
	return &echoServer{
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		auth:       make(chan string, 16),
		subscribes: make(chan string, 16),
	}
}

func (s *echoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.auth <- r.Header.Get("Authorization")
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	for {
		var f realtime.Frame
		if err := ws.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case realtime.FrameSubscribe:
			s.subscribes <- f.Topic
		case realtime.FrameBroadcast:
			if f.Event == "kick" {
				return
			}
			_ = ws.WriteJSON(realtime.Frame{Type: realtime.FrameEvent, Topic: f.Topic, Event: f.Event, Payload: f.Payload})
		}
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func TestClientSubscribeSendAndReconnect(t *testing.T) {
	srv := newEchoServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	events := make(chan realtime.Event, 16)
	client := realtime.Dial(context.Background(), realtime.ClientConfig{
		URL:            "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		Token:          "tok",
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	})
	defer client.Close()

	transitions := make(chan bool, 16)
	cancel := client.OnConnectivity(func(up bool) { transitions <- up })
	defer cancel()

	_, err := client.Subscribe("webrtc:r1", func(ev realtime.Event) { events <- ev })
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok", recv(t, srv.auth))
	assert.Equal(t, "webrtc:r1", recv(t, srv.subscribes))
	require.Eventually(t, client.Connected, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, client.Send(context.Background(), "webrtc:r1", "call-offer", map[string]string{"from": "a"}))
	ev := recv(t, events)
	assert.Equal(t, "call-offer", ev.Name)
	assert.JSONEq(t, `{"from":"a"}`, string(ev.Payload))

	// Server drops the connection; the client reconnects and resubscribes.
	require.NoError(t, client.Send(context.Background(), "webrtc:r1", "kick", nil))
	assert.False(t, recv(t, transitionsAfter(t, transitions, false)))
	recv(t, srv.auth)
	assert.Equal(t, "webrtc:r1", recv(t, srv.subscribes))
	require.Eventually(t, client.Connected, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, client.Send(context.Background(), "webrtc:r1", "call-end", nil))
	assert.Equal(t, "call-end", recv(t, events).Name)
}

// transitionsAfter drains ch until want is seen and returns a channel
// holding it.
func transitionsAfter(t *testing.T, ch <-chan bool, want bool) <-chan bool {
	t.Helper()
	out := make(chan bool, 1)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-ch:
			if v == want {
				out <- v
				return out
			}
		case <-deadline:
			t.Fatal("no connectivity transition")
		}
	}
}

func TestClientSendWhileDisconnected(t *testing.T) {
	client := realtime.Dial(context.Background(), realtime.ClientConfig{
		URL:            "ws://127.0.0.1:1/ws",
		InitialBackoff: 10 * time.Millisecond,
	})
	defer client.Close()

	assert.False(t, client.Connected())
	err := client.Send(context.Background(), "webrtc:r1", "call-end", nil)
	assert.ErrorIs(t, err, realtime.ErrNotConnected)
}

// quietServer accepts connections and never writes. When ping is set it
// pings at that period and counts pongs.
type quietServer struct {
	upgrader websocket.Upgrader
	ping     time.Duration
	pongs    atomic.Int32
}

func (s *quietServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	ws.SetPongHandler(func(string) error {
		s.pongs.Add(1)
		return nil
	})
	if s.ping > 0 {
		done := make(chan struct{})
		defer close(done)
		go func() {
			ticker := time.NewTicker(s.ping)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
						return
					}
				}
			}
		}()
	}
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func TestClientDetectsSilentConnection(t *testing.T) {
	srv := &quietServer{upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := realtime.Dial(context.Background(), realtime.ClientConfig{
		URL:            "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		InitialBackoff: time.Second,
		PongWait:       100 * time.Millisecond,
	})
	defer client.Close()

	transitions := make(chan bool, 16)
	cancel := client.OnConnectivity(func(up bool) { transitions <- up })
	defer cancel()

	require.Eventually(t, client.Connected, 2*time.Second, 5*time.Millisecond)
	assert.False(t, recv(t, transitionsAfter(t, transitions, false)))
	assert.False(t, client.Connected())
}

func TestClientServerPingsKeepConnectionAlive(t *testing.T) {
	srv := &quietServer{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		ping:     20 * time.Millisecond,
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := realtime.Dial(context.Background(), realtime.ClientConfig{
		URL:      "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		PongWait: 150 * time.Millisecond,
	})
	defer client.Close()

	transitions := make(chan bool, 16)
	cancel := client.OnConnectivity(func(up bool) { transitions <- up })
	defer cancel()
	require.Eventually(t, client.Connected, 2*time.Second, 5*time.Millisecond)

	time.Sleep(500 * time.Millisecond)
	assert.True(t, client.Connected())
	for len(transitions) > 0 {
		assert.True(t, <-transitions, "connection dropped despite server pings")
	}
	assert.Greater(t, srv.pongs.Load(), int32(5))
}
