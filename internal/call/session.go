// Package call drives a two-party WebRTC call over a room's signaling topic.
//
// A Session is owned by whoever opened the room and exists for the room's
// lifetime. Signaling is a broadcast relay, so every payload names its
// sender and recipient and a Session ignores anything not exchanged between
// its own participant and the room peer. This addressing does not extend
// past two participants.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"campusdrop/internal/realtime"
)

// DefaultRingTimeout bounds the Outgoing and Incoming phases.
const DefaultRingTimeout = 30 * time.Second

var (
	ErrInvalidPhase = errors.New("call: operation not allowed in current phase")
	ErrNotCallable  = errors.New("call: room has no peer to call")
	ErrMedia        = errors.New("call: local media unavailable")
	ErrClosed       = errors.New("call: session closed")
)

type Phase int

const (
	Idle Phase = iota
	Outgoing
	Incoming
	Active
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	case Active:
		return "active"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

type Config struct {
	RoomID string
	SelfID string
	PeerID string

	Conn realtime.Conn
	// Registry, when set, provides the signaling Channel instead of Conn.
	Registry *realtime.Registry

	Links LinkFactory
	Media MediaSource
	// RingTimeout ends an unanswered call. Zero disables it.
	RingTimeout time.Duration
}

type Session struct {
	cfg     Config
	channel *realtime.Channel

	ctx    context.Context
	cancel context.CancelFunc

	// gen identifies the current call attempt for callbacks that outlive it.
	gen atomic.Uint64

	mu        sync.Mutex
	phase     Phase
	link      PeerLink
	media     LocalMedia
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	ringTimer *time.Timer
	closed    bool
	observers map[int]func(Phase)
	nextObs   int
}

// Open creates a Session for the room and subscribes to its signaling topic.
func Open(cfg Config) (*Session, error) {
	if cfg.PeerID == "" || cfg.PeerID == cfg.SelfID {
		return nil, ErrNotCallable
	}
	topic := realtime.SignalingTopic(cfg.RoomID)
	var ch *realtime.Channel
	if cfg.Registry != nil {
		ch = cfg.Registry.Channel(topic)
	} else {
		ch = realtime.NewChannel(cfg.Conn, topic)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		channel:   ch,
		ctx:       ctx,
		cancel:    cancel,
		observers: make(map[int]func(Phase)),
	}
	err := ch.Subscribe(realtime.Handlers{
		EventOffer:     func(p json.RawMessage) { s.receive(EventOffer, p) },
		EventAnswer:    func(p json.RawMessage) { s.receive(EventAnswer, p) },
		EventCandidate: func(p json.RawMessage) { s.receive(EventCandidate, p) },
		EventEnd:       func(p json.RawMessage) { s.receive(EventEnd, p) },
	})
	if err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// OnPhase registers fn to run after every phase transition.
func (s *Session) OnPhase(fn func(Phase)) (cancel func()) {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// unlockAndNotify releases mu and reports a transition away from prev.
func (s *Session) unlockAndNotify(prev Phase) {
	cur := s.phase
	var fns []func(Phase)
	if cur != prev {
		for _, fn := range s.observers {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(cur)
	}
}

// StartCall acquires local media, sends an offer to the peer and enters
// Outgoing. On media failure nothing is signaled and the phase stays Idle.
func (s *Session) StartCall(ctx context.Context) error {
	s.mu.Lock()
	defer s.unlockAndNotify(s.phase)
	if s.closed {
		return ErrClosed
	}
	if s.phase != Idle || s.link != nil {
		return ErrInvalidPhase
	}

	if err := s.prepareLocked(ctx); err != nil {
		return err
	}
	if err := s.attachTracksLocked(); err != nil {
		s.teardownLocked(false)
		return err
	}
	offer, err := s.link.CreateOffer()
	if err != nil {
		s.teardownLocked(false)
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.signal(ctx, EventOffer, Signal{Offer: &offer}); err != nil {
		s.teardownLocked(false)
		return fmt.Errorf("send offer: %w", err)
	}
	s.phase = Outgoing
	s.armRingLocked()
	log.Printf("call [%s]: calling %s", s.cfg.RoomID, s.cfg.PeerID)
	return nil
}

// AnswerCall attaches local tracks to the incoming link, sends the answer
// and enters Active.
func (s *Session) AnswerCall(ctx context.Context) error {
	s.mu.Lock()
	defer s.unlockAndNotify(s.phase)
	if s.closed {
		return ErrClosed
	}
	if s.phase != Incoming {
		return ErrInvalidPhase
	}

	if err := s.attachTracksLocked(); err != nil {
		s.abandonLocked("attach tracks", err)
		return err
	}
	answer, err := s.link.CreateAnswer()
	if err != nil {
		s.abandonLocked("create answer", err)
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.signal(ctx, EventAnswer, Signal{Answer: &answer}); err != nil {
		s.teardownLocked(false)
		return fmt.Errorf("send answer: %w", err)
	}
	s.phase = Active
	s.disarmRingLocked()
	log.Printf("call [%s]: answered %s", s.cfg.RoomID, s.cfg.PeerID)
	return nil
}

// EndCall hangs up and tells the peer. It is a no-op while Idle.
func (s *Session) EndCall() {
	s.mu.Lock()
	defer s.unlockAndNotify(s.phase)
	if s.phase == Idle {
		return
	}
	s.teardownLocked(true)
}

// Close ends any call, telling the peer only if the transport is still up,
// and unsubscribes from the signaling topic.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	prev := s.phase
	if s.phase != Idle {
		s.teardownLocked(s.channel.Connected())
	}
	s.closed = true
	s.unlockAndNotify(prev)

	s.channel.Unsubscribe()
	s.cancel()
}

// prepareLocked acquires media and creates the link for a new attempt.
func (s *Session) prepareLocked(ctx context.Context) error {
	media, err := s.cfg.Media.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMedia, err)
	}
	link, err := s.cfg.Links.NewLink(s.cfg.RoomID)
	if err != nil {
		media.Stop()
		return fmt.Errorf("create peer link: %w", err)
	}

	gen := s.gen.Add(1)
	link.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if s.gen.Load() != gen {
			return
		}
		if err := s.signal(s.ctx, EventCandidate, Signal{Candidate: &c}); err != nil {
			log.Printf("call [%s]: send candidate: %v", s.cfg.RoomID, err)
		}
	})
	s.media = media
	s.link = link
	s.remoteSet = false
	s.pending = nil
	return nil
}

func (s *Session) attachTracksLocked() error {
	for _, t := range s.media.Tracks() {
		if err := s.link.AddTrack(t); err != nil {
			return fmt.Errorf("add track %s: %w", t.Kind(), err)
		}
	}
	return nil
}

// teardownLocked stops local media, closes the link and returns to Idle.
func (s *Session) teardownLocked(broadcast bool) {
	s.gen.Add(1)
	s.disarmRingLocked()
	if s.media != nil {
		s.media.Stop()
		s.media = nil
	}
	if s.link != nil {
		if err := s.link.Close(); err != nil {
			log.Printf("call [%s]: close link: %v", s.cfg.RoomID, err)
		}
		s.link = nil
	}
	s.remoteSet = false
	s.pending = nil
	wasActive := s.phase != Idle
	s.phase = Idle

	if broadcast && wasActive {
		if err := s.signal(s.ctx, EventEnd, Signal{}); err != nil {
			log.Printf("call [%s]: send call-end: %v", s.cfg.RoomID, err)
		}
	}
}

// abandonLocked ends a failed attempt the way a local hangup would.
func (s *Session) abandonLocked(step string, err error) {
	log.Printf("call [%s]: %s failed, ending call: %v", s.cfg.RoomID, step, err)
	s.teardownLocked(true)
}

func (s *Session) armRingLocked() {
	if s.cfg.RingTimeout <= 0 {
		return
	}
	gen := s.gen.Load()
	s.ringTimer = time.AfterFunc(s.cfg.RingTimeout, func() { s.ringExpired(gen) })
}

func (s *Session) disarmRingLocked() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func (s *Session) ringExpired(gen uint64) {
	s.mu.Lock()
	defer s.unlockAndNotify(s.phase)
	if s.gen.Load() != gen || (s.phase != Outgoing && s.phase != Incoming) {
		return
	}
	log.Printf("call [%s]: no answer after %s", s.cfg.RoomID, s.cfg.RingTimeout)
	s.teardownLocked(true)
}

func (s *Session) signal(ctx context.Context, event string, sig Signal) error {
	sig.From = s.cfg.SelfID
	sig.To = s.cfg.PeerID
	return s.channel.Send(ctx, event, sig)
}

// receive handles one inbound signaling event. Nothing here returns an
// error: bad or foreign events are logged and dropped.
func (s *Session) receive(event string, payload json.RawMessage) {
	var sig Signal
	if err := json.Unmarshal(payload, &sig); err != nil || !sig.valid(event) {
		log.Printf("call [%s]: dropping malformed %s", s.cfg.RoomID, event)
		return
	}
	if sig.From != s.cfg.PeerID || sig.To != s.cfg.SelfID {
		return
	}

	s.mu.Lock()
	defer s.unlockAndNotify(s.phase)
	if s.closed {
		return
	}
	switch event {
	case EventOffer:
		s.onOfferLocked(*sig.Offer)
	case EventAnswer:
		s.onAnswerLocked(*sig.Answer)
	case EventCandidate:
		s.onCandidateLocked(*sig.Candidate)
	case EventEnd:
		if s.phase != Idle {
			log.Printf("call [%s]: %s hung up", s.cfg.RoomID, s.cfg.PeerID)
			s.teardownLocked(false)
		}
	}
}

func (s *Session) onOfferLocked(offer webrtc.SessionDescription) {
	if s.link != nil || s.phase != Idle {
		log.Printf("call [%s]: ignoring offer in phase %s", s.cfg.RoomID, s.phase)
		return
	}
	if err := s.prepareLocked(s.ctx); err != nil {
		log.Printf("call [%s]: cannot take incoming call: %v", s.cfg.RoomID, err)
		return
	}
	// Incoming before the remote description so that a failure below is
	// announced to the caller.
	s.phase = Incoming
	if err := s.link.SetRemoteDescription(offer); err != nil {
		s.abandonLocked("apply offer", err)
		return
	}
	s.remoteSet = true
	s.armRingLocked()
	log.Printf("call [%s]: incoming call from %s", s.cfg.RoomID, s.cfg.PeerID)
}

func (s *Session) onAnswerLocked(answer webrtc.SessionDescription) {
	if s.phase != Outgoing {
		return
	}
	if err := s.link.SetRemoteDescription(answer); err != nil {
		s.abandonLocked("apply answer", err)
		return
	}
	s.remoteSet = true
	s.phase = Active
	s.disarmRingLocked()
	s.flushPendingLocked()
	log.Printf("call [%s]: connected to %s", s.cfg.RoomID, s.cfg.PeerID)
}

func (s *Session) onCandidateLocked(c webrtc.ICECandidateInit) {
	if s.link == nil {
		return
	}
	if !s.remoteSet {
		s.pending = append(s.pending, c)
		return
	}
	if err := s.link.AddICECandidate(c); err != nil {
		log.Printf("call [%s]: add candidate: %v", s.cfg.RoomID, err)
	}
}

func (s *Session) flushPendingLocked() {
	for _, c := range s.pending {
		if err := s.link.AddICECandidate(c); err != nil {
			log.Printf("call [%s]: add queued candidate: %v", s.cfg.RoomID, err)
		}
	}
	s.pending = nil
}
