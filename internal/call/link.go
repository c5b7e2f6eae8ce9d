package call

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// PeerLink is the media transport between the two participants.
type PeerLink interface {
	AddTrack(track webrtc.TrackLocal) error
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer creates an answer and applies it as the local description.
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	// OnICECandidate registers fn for every locally gathered candidate.
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	Close() error
}

// LinkFactory creates one PeerLink per call attempt.
type LinkFactory interface {
	NewLink(roomID string) (PeerLink, error)
}

// LocalMedia is the set of local tracks of one call attempt.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	Stop()
}

// MediaSource acquires local media.
type MediaSource interface {
	Acquire(ctx context.Context) (LocalMedia, error)
}
