package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusdrop/internal/realtime"
)

const room = "room-1"

type sent struct {
	event string
	sig   Signal
}

// fakeConn records sends and delivers inbound events synchronously.
type fakeConn struct {
	mu        sync.Mutex
	connected bool
	handler   realtime.Handler
	sent      []sent
}

type fakeSub struct{ c *fakeConn }

func (s fakeSub) Unsubscribe() {
	s.c.mu.Lock()
	s.c.handler = nil
	s.c.mu.Unlock()
}

func (c *fakeConn) Subscribe(_ string, fn realtime.Handler) (realtime.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
	return fakeSub{c}, nil
}

func (c *fakeConn) Send(_ context.Context, _ string, event string, payload any) error {
	raw, err := realtime.EncodePayload(payload)
	if err != nil {
		return err
	}
	var sig Signal
	if err := json.Unmarshal(raw, &sig); err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, sent{event: event, sig: sig})
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) OnConnectivity(func(bool)) func() { return func() {} }

func (c *fakeConn) deliverRaw(event string, raw json.RawMessage) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(realtime.Event{Topic: realtime.SignalingTopic(room), Name: event, Payload: raw})
	}
}

func (c *fakeConn) deliver(event string, sig Signal) {
	raw, _ := json.Marshal(sig)
	c.deliverRaw(event, raw)
}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, s := range c.sent {
		out[i] = s.event
	}
	return out
}

func (c *fakeConn) subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler != nil
}

type fakeLink struct {
	mu          sync.Mutex
	ops         []string
	tracks      int
	remoteErr   error
	closed      bool
	onCandidate func(webrtc.ICECandidateInit)
}

func (l *fakeLink) record(op string) {
	l.mu.Lock()
	l.ops = append(l.ops, op)
	l.mu.Unlock()
}

func (l *fakeLink) AddTrack(webrtc.TrackLocal) error {
	l.mu.Lock()
	l.tracks++
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) CreateOffer() (webrtc.SessionDescription, error) {
	l.record("offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (l *fakeLink) CreateAnswer() (webrtc.SessionDescription, error) {
	l.record("answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (l *fakeLink) SetRemoteDescription(desc webrtc.SessionDescription) error {
	l.record("remote:" + desc.Type.String())
	return l.remoteErr
}

func (l *fakeLink) AddICECandidate(c webrtc.ICECandidateInit) error {
	l.record("candidate:" + c.Candidate)
	return nil
}

func (l *fakeLink) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	l.mu.Lock()
	l.onCandidate = fn
	l.mu.Unlock()
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) Ops() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) gather(candidate string) {
	l.mu.Lock()
	fn := l.onCandidate
	l.mu.Unlock()
	fn(webrtc.ICECandidateInit{Candidate: candidate})
}

type fakeLinks struct {
	mu        sync.Mutex
	links     []*fakeLink
	remoteErr error
}

func (f *fakeLinks) NewLink(string) (PeerLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := &fakeLink{remoteErr: f.remoteErr}
	f.links = append(f.links, l)
	return l, nil
}

func (f *fakeLinks) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links)
}

func (f *fakeLinks) last() *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[len(f.links)-1]
}

type fakeMedia struct {
	mu      sync.Mutex
	err     error
	stopped int
}

type fakeLocal struct {
	m      *fakeMedia
	tracks []webrtc.TrackLocal
}

func (l *fakeLocal) Tracks() []webrtc.TrackLocal { return l.tracks }

func (l *fakeLocal) Stop() {
	l.m.mu.Lock()
	l.m.stopped++
	l.m.mu.Unlock()
}

func (m *fakeMedia) Acquire(context.Context) (LocalMedia, error) {
	if m.err != nil {
		return nil, m.err
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "test")
	if err != nil {
		return nil, err
	}
	return &fakeLocal{m: m, tracks: []webrtc.TrackLocal{track}}, nil
}

func (m *fakeMedia) Stopped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

type harness struct {
	conn  *fakeConn
	links *fakeLinks
	media *fakeMedia
	s     *Session
}

func newHarness(t *testing.T, ring time.Duration) *harness {
	t.Helper()
	h := &harness{conn: &fakeConn{connected: true}, links: &fakeLinks{}, media: &fakeMedia{}}
	s, err := Open(Config{
		RoomID: room, SelfID: "a", PeerID: "b",
		Conn: h.conn, Links: h.links, Media: h.media, RingTimeout: ring,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	h.s = s
	return h
}

func offerFrom(from, to string) Signal {
	return Signal{Offer: &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 remote"}, From: from, To: to}
}

func answerFrom(from, to string) Signal {
	return Signal{Answer: &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 remote"}, From: from, To: to}
}

func TestOpenRequiresPeer(t *testing.T) {
	_, err := Open(Config{RoomID: room, SelfID: "a", Conn: &fakeConn{}})
	assert.ErrorIs(t, err, ErrNotCallable)
	_, err = Open(Config{RoomID: room, SelfID: "a", PeerID: "a", Conn: &fakeConn{}})
	assert.ErrorIs(t, err, ErrNotCallable)
}

func TestStartCallSendsOffer(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.s.StartCall(context.Background()))

	assert.Equal(t, Outgoing, h.s.Phase())
	require.Len(t, h.conn.sent, 1)
	offer := h.conn.sent[0]
	assert.Equal(t, EventOffer, offer.event)
	assert.Equal(t, "a", offer.sig.From)
	assert.Equal(t, "b", offer.sig.To)
	require.NotNil(t, offer.sig.Offer)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.sig.Offer.Type)
	assert.Equal(t, 1, h.links.last().tracks)

	assert.ErrorIs(t, h.s.StartCall(context.Background()), ErrInvalidPhase)
	assert.Equal(t, 1, h.links.count())
}

func TestInboundOfferIgnoredWhileOutgoing(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.s.StartCall(context.Background()))

	h.conn.deliver(EventOffer, offerFrom("b", "a"))

	assert.Equal(t, Outgoing, h.s.Phase())
	assert.Equal(t, 1, h.links.count())
	assert.Equal(t, []string{"offer"}, h.links.last().Ops())
}

func TestMediaFailureStaysIdleWithoutSignaling(t *testing.T) {
	h := newHarness(t, 0)
	h.media.err = errors.New("camera denied")

	err := h.s.StartCall(context.Background())
	assert.ErrorIs(t, err, ErrMedia)
	assert.Equal(t, Idle, h.s.Phase())
	assert.Empty(t, h.conn.events())
	assert.Zero(t, h.links.count())

	h.conn.deliver(EventOffer, offerFrom("b", "a"))
	assert.Equal(t, Idle, h.s.Phase())
	assert.Empty(t, h.conn.events())
}

func TestIncomingAndAnswer(t *testing.T) {
	h := newHarness(t, 0)
	assert.ErrorIs(t, h.s.AnswerCall(context.Background()), ErrInvalidPhase)

	h.conn.deliver(EventOffer, offerFrom("b", "a"))
	require.Equal(t, Incoming, h.s.Phase())
	link := h.links.last()
	assert.Equal(t, []string{"remote:offer"}, link.Ops())
	assert.Zero(t, link.tracks, "tracks are attached on answer")

	require.NoError(t, h.s.AnswerCall(context.Background()))
	assert.Equal(t, Active, h.s.Phase())
	assert.Equal(t, 1, link.tracks)
	assert.Equal(t, []string{EventAnswer}, h.conn.events())
	assert.Equal(t, "b", h.conn.sent[0].sig.To)
}

func TestCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.s.StartCall(context.Background()))
	link := h.links.last()

	h.conn.deliver(EventCandidate, Signal{Candidate: &webrtc.ICECandidateInit{Candidate: "c1"}, From: "b", To: "a"})
	h.conn.deliver(EventCandidate, Signal{Candidate: &webrtc.ICECandidateInit{Candidate: "c2"}, From: "b", To: "a"})
	assert.Equal(t, []string{"offer"}, link.Ops())

	h.conn.deliver(EventAnswer, answerFrom("b", "a"))
	assert.Equal(t, Active, h.s.Phase())

	h.conn.deliver(EventCandidate, Signal{Candidate: &webrtc.ICECandidateInit{Candidate: "c3"}, From: "b", To: "a"})
	assert.Equal(t, []string{"offer", "remote:answer", "candidate:c1", "candidate:c2", "candidate:c3"}, link.Ops())
}

func TestLocalCandidatesTrickle(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.s.StartCall(context.Background()))
	link := h.links.last()

	link.gather("host-1")
	link.gather("srflx-1")
	assert.Equal(t, []string{EventOffer, EventCandidate, EventCandidate}, h.conn.events())
	assert.Equal(t, "srflx-1", h.conn.sent[2].sig.Candidate.Candidate)

	h.s.EndCall()
	link.gather("late")
	assert.Equal(t, []string{EventOffer, EventCandidate, EventCandidate, EventEnd}, h.conn.events())
}

func TestForeignAndMalformedSignalsDropped(t *testing.T) {
	h := newHarness(t, 0)

	h.conn.deliver(EventOffer, offerFrom("b", "someone-else"))
	h.conn.deliver(EventOffer, offerFrom("intruder", "a"))
	h.conn.deliver(EventOffer, offerFrom("a", "b"))
	h.conn.deliverRaw(EventOffer, json.RawMessage(`{"offer":`))
	h.conn.deliver(EventOffer, Signal{From: "b", To: "a"})
	h.conn.deliver(EventOffer, Signal{Offer: &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "x"}, From: "b", To: "a"})

	assert.Equal(t, Idle, h.s.Phase())
	assert.Zero(t, h.links.count())
	assert.Empty(t, h.conn.events())
}

func TestEndCallBroadcastsOnlyWhenLocal(t *testing.T) {
	h := newHarness(t, 0)
	h.s.EndCall()
	assert.Empty(t, h.conn.events(), "idle hangup is a no-op")

	require.NoError(t, h.s.StartCall(context.Background()))
	link := h.links.last()
	h.s.EndCall()
	assert.Equal(t, Idle, h.s.Phase())
	assert.True(t, link.isClosed())
	assert.Equal(t, 1, h.media.Stopped())
	assert.Equal(t, []string{EventOffer, EventEnd}, h.conn.events())

	h.conn.deliver(EventOffer, offerFrom("b", "a"))
	require.Equal(t, Incoming, h.s.Phase())
	h.conn.deliver(EventEnd, Signal{From: "b", To: "a"})
	assert.Equal(t, Idle, h.s.Phase())
	assert.True(t, h.links.last().isClosed())
	assert.Equal(t, 2, h.media.Stopped())
	assert.Equal(t, []string{EventOffer, EventEnd}, h.conn.events(), "remote hangup is silent")
}

func TestAnswerFailureAbandonsCall(t *testing.T) {
	h := newHarness(t, 0)
	h.links.remoteErr = errors.New("bad sdp")

	require.NoError(t, h.s.StartCall(context.Background()))
	h.conn.deliver(EventAnswer, answerFrom("b", "a"))

	assert.Equal(t, Idle, h.s.Phase())
	assert.True(t, h.links.last().isClosed())
	assert.Equal(t, []string{EventOffer, EventEnd}, h.conn.events())
}

func TestBadOfferAbandonsIncoming(t *testing.T) {
	h := newHarness(t, 0)
	h.links.remoteErr = errors.New("bad sdp")

	h.conn.deliver(EventOffer, offerFrom("b", "a"))

	assert.Equal(t, Idle, h.s.Phase())
	assert.Equal(t, []string{EventEnd}, h.conn.events())
}

func TestRingTimeout(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	require.NoError(t, h.s.StartCall(context.Background()))

	require.Eventually(t, func() bool { return h.s.Phase() == Idle }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{EventOffer, EventEnd}, h.conn.events())
}

func TestRingTimeoutStopsOnAnswer(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond)
	require.NoError(t, h.s.StartCall(context.Background()))
	h.conn.deliver(EventAnswer, answerFrom("b", "a"))
	require.Equal(t, Active, h.s.Phase())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, Active, h.s.Phase())
}

func TestCloseBroadcastsOnlyWhileConnected(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.s.StartCall(context.Background()))
	h.s.Close()
	assert.Equal(t, []string{EventOffer, EventEnd}, h.conn.events())
	assert.False(t, h.conn.subscribed())
	assert.ErrorIs(t, h.s.StartCall(context.Background()), ErrClosed)

	offline := newHarness(t, 0)
	require.NoError(t, offline.s.StartCall(context.Background()))
	offline.conn.mu.Lock()
	offline.conn.connected = false
	offline.conn.mu.Unlock()
	offline.s.Close()
	assert.Equal(t, Idle, offline.s.Phase())
	assert.Equal(t, []string{EventOffer}, offline.conn.events())
}

func TestOnPhase(t *testing.T) {
	h := newHarness(t, 0)
	var mu sync.Mutex
	var seen []Phase
	cancel := h.s.OnPhase(func(p Phase) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
	})

	require.NoError(t, h.s.StartCall(context.Background()))
	h.conn.deliver(EventAnswer, answerFrom("b", "a"))
	h.s.EndCall()
	cancel()
	h.conn.deliver(EventOffer, offerFrom("b", "a"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Phase{Outgoing, Active, Idle}, seen)
}

// Both participants over one in-process bus.
func TestCallHandshakeOverBus(t *testing.T) {
	bus := realtime.NewBus()
	var mu sync.Mutex
	var wire []sent
	sub, err := bus.Subscribe(realtime.SignalingTopic(room), func(ev realtime.Event) {
		var sig Signal
		_ = json.Unmarshal(ev.Payload, &sig)
		mu.Lock()
		wire = append(wire, sent{event: ev.Name, sig: sig})
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	open := func(self, peer string) *Session {
		s, err := Open(Config{RoomID: room, SelfID: self, PeerID: peer, Conn: bus, Links: &fakeLinks{}, Media: &fakeMedia{}})
		require.NoError(t, err)
		t.Cleanup(s.Close)
		return s
	}
	alice := open("a", "b")
	bob := open("b", "a")

	require.NoError(t, alice.StartCall(context.Background()))
	assert.Equal(t, Outgoing, alice.Phase())
	require.Eventually(t, func() bool { return bob.Phase() == Incoming }, time.Second, 5*time.Millisecond)

	require.NoError(t, bob.AnswerCall(context.Background()))
	assert.Equal(t, Active, bob.Phase())
	require.Eventually(t, func() bool { return alice.Phase() == Active }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(wire) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, EventOffer, wire[0].event)
	assert.Equal(t, "a", wire[0].sig.From)
	assert.Equal(t, "b", wire[0].sig.To)
	assert.Equal(t, EventAnswer, wire[1].event)
	assert.Equal(t, "b", wire[1].sig.From)
	assert.Equal(t, "a", wire[1].sig.To)
	mu.Unlock()

	alice.EndCall()
	require.Eventually(t, func() bool { return bob.Phase() == Idle }, time.Second, 5*time.Millisecond)
}
