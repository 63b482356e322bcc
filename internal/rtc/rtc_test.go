package rtc_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"meetgo/backend/internal/config"
	"meetgo/backend/internal/media"
	"meetgo/backend/internal/mesh"
	"meetgo/backend/internal/rtc"

	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type source struct {
	mic, video media.Track
}

func (s source) Mic() media.Track   { return s.mic }
func (s source) OnAir() media.Track { return s.video }

type otherTrack struct{ media.Track }

func (otherTrack) ID() string { return "foreign" }

func newSource(t *testing.T, stream string) (source, *rtc.LocalTrack) {
	t.Helper()
	mic, err := rtc.NewLocalTrack(media.KindAudio, stream)
	require.NoError(t, err)
	cam, err := rtc.NewLocalTrack(media.KindVideo, stream)
	require.NoError(t, err)
	return source{mic: mic, video: cam}, cam
}

func description(t *testing.T, raw json.RawMessage) (string, string) {
	t.Helper()
	var desc struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	require.NoError(t, json.Unmarshal(raw, &desc))
	return desc.Type, desc.SDP
}

func TestPeer_OfferAnswerExchange(t *testing.T) {
	api, err := rtc.NewAPI()
	require.NoError(t, err)

	srcA, _ := newSource(t, "alice")
	srcB, _ := newSource(t, "bob")
	a := rtc.NewDialer(api, nil, srcA)
	b := rtc.NewDialer(api, nil, srcB)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	offerer, err := a.Dial("bob", mesh.RoleInitiator, mesh.LinkEvents{})
	require.NoError(t, err)
	defer offerer.Close()
	answerer, err := b.Dial("alice", mesh.RoleResponder, mesh.LinkEvents{})
	require.NoError(t, err)
	defer answerer.Close()

	offer, err := offerer.Offer(ctx)
	require.NoError(t, err)
	kind, sdp := description(t, offer)
	assert.Equal(t, "offer", kind)
	assert.Contains(t, sdp, "m=audio")
	assert.Contains(t, sdp, "m=video")

	answer, err := answerer.Answer(ctx, offer)
	require.NoError(t, err)
	kind, _ = description(t, answer)
	assert.Equal(t, "answer", kind)

	require.NoError(t, offerer.Accept(answer))
}

func TestPeer_RejectsWrongDescription(t *testing.T) {
	api, err := rtc.NewAPI()
	require.NoError(t, err)
	src, _ := newSource(t, "alice")

	p, err := rtc.NewDialer(api, nil, src).Dial("bob", mesh.RoleResponder, mesh.LinkEvents{})
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Answer(context.Background(), json.RawMessage(`{"type":"answer","sdp":""}`))
	assert.Error(t, err)
	_, err = p.Answer(context.Background(), json.RawMessage(`not json`))
	assert.Error(t, err)
	assert.Error(t, p.Accept(json.RawMessage(`{"type":"offer","sdp":""}`)))
}

func TestPeer_ReplaceVideoTrack(t *testing.T) {
	api, err := rtc.NewAPI()
	require.NoError(t, err)
	src, cam := newSource(t, "alice")

	p, err := rtc.NewDialer(api, nil, src).Dial("bob", mesh.RoleInitiator, mesh.LinkEvents{})
	require.NoError(t, err)
	defer p.Close()

	screen, err := (&rtc.DisplayCapturer{StreamID: "alice"}).CaptureDisplay(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.ReplaceVideoTrack(screen))
	require.NoError(t, p.ReplaceVideoTrack(cam))
	assert.Error(t, p.ReplaceVideoTrack(otherTrack{}))

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestPeer_NoCameraIsReceiveOnly(t *testing.T) {
	api, err := rtc.NewAPI()
	require.NoError(t, err)

	p, err := rtc.NewDialer(api, nil, source{}).Dial("bob", mesh.RoleInitiator, mesh.LinkEvents{})
	require.NoError(t, err)
	defer p.Close()

	assert.ErrorIs(t, p.ReplaceVideoTrack(nil), rtc.ErrNoVideoSender)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	offer, err := p.Offer(ctx)
	require.NoError(t, err)
	_, sdp := description(t, offer)
	assert.True(t, strings.Contains(sdp, "a=recvonly"))
}

func TestLocalTrack(t *testing.T) {
	track, err := rtc.NewLocalTrack(media.KindVideo, "alice")
	require.NoError(t, err)
	assert.Equal(t, media.KindVideo, track.Kind())
	assert.True(t, strings.HasPrefix(track.ID(), "video-"))
	assert.Equal(t, "alice", track.TrackLocal().StreamID())

	track.SetEnabled(false)
	assert.False(t, track.Enabled())
	assert.NoError(t, track.WriteSample(pionmedia.Sample{Data: []byte{0}, Duration: time.Millisecond}))

	ended := 0
	track.OnEnded(func() { ended++ })
	track.Stop()
	track.Stop()
	assert.Equal(t, 1, ended)

	track.OnEnded(func() { ended++ })
	assert.Equal(t, 2, ended, "registering on an ended track runs at once")
	assert.ErrorIs(t, track.WriteSample(pionmedia.Sample{}), rtc.ErrTrackStopped)

	_, err = rtc.NewLocalTrack("data", "alice")
	assert.Error(t, err)
}

func TestDisplayCapturer_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&rtc.DisplayCapturer{}).CaptureDisplay(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestICEServers(t *testing.T) {
	got := rtc.ICEServers([]config.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"turn:turn.example.com"}, Username: "u", Credential: "p"},
	})
	require.Len(t, got, 2)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, got[0].URLs)
	assert.Empty(t, got[0].Username)
	assert.Equal(t, "u", got[1].Username)
	assert.Equal(t, "p", got[1].Credential)
}
