package call

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// PionLinkFactory creates PeerLinks backed by pion PeerConnections.
type PionLinkFactory struct {
	api    *webrtc.API
	config webrtc.Configuration

	// OnTrack, when set, receives every remote track. Otherwise remote
	// tracks are read and discarded.
	OnTrack func(roomID string, track *webrtc.TrackRemote)
}

var _ LinkFactory = (*PionLinkFactory)(nil)

// NewPionLinkFactory builds a WebRTC API with the default codecs and
// interceptors, using stunURLs for ICE.
func NewPionLinkFactory(stunURLs []string) (*PionLinkFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Tolerate short relay outages before declaring the link dead.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	if len(stunURLs) > 0 {
		servers = []webrtc.ICEServer{{URLs: stunURLs}}
	}
	return &PionLinkFactory{api: api, config: webrtc.Configuration{ICEServers: servers}}, nil
}

func (f *PionLinkFactory) NewLink(roomID string) (PeerLink, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("call [%s]: peer connection %s", roomID, state)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("call [%s]: remote %s track %s", roomID, track.Kind(), track.Codec().MimeType)
		if f.OnTrack != nil {
			f.OnTrack(roomID, track)
			return
		}
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	})
	return &pionLink{pc: pc}, nil
}

type pionLink struct {
	pc *webrtc.PeerConnection
}

func (l *pionLink) AddTrack(track webrtc.TrackLocal) error {
	sender, err := l.pc.AddTrack(track)
	if err != nil {
		return err
	}
	// RTCP must be read for interceptors such as NACK to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (l *pionLink) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (l *pionLink) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (l *pionLink) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(desc)
}

func (l *pionLink) AddICECandidate(c webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(c)
}

func (l *pionLink) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (l *pionLink) Close() error {
	return l.pc.Close()
}

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// StaticMediaSource provides a VP8 video track and an Opus audio track
// without capture hardware. The audio track carries silence; the video
// track stays empty.
type StaticMediaSource struct{}

var _ MediaSource = StaticMediaSource{}

func (StaticMediaSource) Acquire(_ context.Context) (LocalMedia, error) {
	stream := "campusdrop-" + uuid.NewString()
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", stream)
	if err != nil {
		return nil, err
	}
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", stream)
	if err != nil {
		return nil, err
	}

	m := &staticMedia{video: video, audio: audio, done: make(chan struct{})}
	m.wg.Add(1)
	go m.pumpSilence()
	return m, nil
}

type staticMedia struct {
	video *webrtc.TrackLocalStaticSample
	audio *webrtc.TrackLocalStaticSample

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (m *staticMedia) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{m.video, m.audio}
}

func (m *staticMedia) pumpSilence() {
	defer m.wg.Done()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if err := m.audio.WriteSample(media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond}); err != nil {
				return
			}
		}
	}
}

func (m *staticMedia) Stop() {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
}
