package call_test

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"campusdrop/internal/call"
	"campusdrop/internal/realtime"
)

// audioWatcher returns a pion factory that reports the first RTP packet
// of a remote audio track.
func audioWatcher(t *testing.T) (*call.PionLinkFactory, <-chan struct{}) {
	t.Helper()
	links, err := call.NewPionLinkFactory(nil)
	require.NoError(t, err)
	heard := make(chan struct{}, 1)
	links.OnTrack = func(_ string, track *webrtc.TrackRemote) {
		buf := make([]byte, 1500)
		for first := true; ; first = false {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
			if first && track.Kind() == webrtc.RTPCodecTypeAudio {
				heard <- struct{}{}
			}
		}
	}
	return links, heard
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(15 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestPionCallOverBus(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}
	ctx := context.Background()
	bus := realtime.NewBus()
	callerLinks, callerHeard := audioWatcher(t)
	calleeLinks, calleeHeard := audioWatcher(t)

	caller, err := call.Open(call.Config{
		RoomID: "r1", SelfID: "hosteller", PeerID: "scholar",
		Conn: bus, Links: callerLinks, Media: call.StaticMediaSource{},
	})
	require.NoError(t, err)
	defer caller.Close()
	callee, err := call.Open(call.Config{
		RoomID: "r1", SelfID: "scholar", PeerID: "hosteller",
		Conn: bus, Links: calleeLinks, Media: call.StaticMediaSource{},
	})
	require.NoError(t, err)
	defer callee.Close()

	require.NoError(t, caller.StartCall(ctx))
	require.Equal(t, call.Outgoing, caller.Phase())
	require.Eventually(t, func() bool { return callee.Phase() == call.Incoming }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, callee.AnswerCall(ctx))
	require.Eventually(t, func() bool { return caller.Phase() == call.Active }, 5*time.Second, 5*time.Millisecond)

	// Static media sends Opus silence both ways once ICE connects.
	waitFor(t, calleeHeard, "caller audio at callee")
	waitFor(t, callerHeard, "callee audio at caller")

	caller.EndCall()
	require.Equal(t, call.Idle, caller.Phase())
	require.Eventually(t, func() bool { return callee.Phase() == call.Idle }, 5*time.Second, 5*time.Millisecond)
}
