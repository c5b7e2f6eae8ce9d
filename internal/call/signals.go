package call

import (
	"github.com/pion/webrtc/v4"
)

// Signaling event names on the room signaling topic.
const (
	EventOffer     = "call-offer"
	EventAnswer    = "call-answer"
	EventCandidate = "ice-candidate"
	EventEnd       = "call-end"
)

// Signal is the payload of every signaling event. From and To carry the
// participant ids so that both directions share one broadcast topic; only
// the field matching the event name is set.
type Signal struct {
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	From      string                     `json:"from"`
	To        string                     `json:"to"`
}

// valid reports whether s carries the field required by event.
func (s *Signal) valid(event string) bool {
	switch event {
	case EventOffer:
		return s.Offer != nil && s.Offer.Type == webrtc.SDPTypeOffer && s.Offer.SDP != ""
	case EventAnswer:
		return s.Answer != nil && s.Answer.Type == webrtc.SDPTypeAnswer && s.Answer.SDP != ""
	case EventCandidate:
		return s.Candidate != nil && s.Candidate.Candidate != ""
	case EventEnd:
		return true
	}
	return false
}
