package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"meetgo/backend/internal/media"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

var ErrTrackStopped = errors.New("track stopped")

// LocalTrack is a sample-fed outgoing track. While disabled, samples are
// dropped instead of written so the remote side sees silence or a frozen frame.
type LocalTrack struct {
	local *pion.TrackLocalStaticSample
	kind  string

	mu      sync.Mutex
	enabled bool
	stopped bool
	ended   []func()
}

// NewLocalTrack creates an Opus audio or VP8 video track on streamID.
func NewLocalTrack(kind, streamID string) (*LocalTrack, error) {
	var codec pion.RTPCodecCapability
	switch kind {
	case media.KindAudio:
		codec = pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	case media.KindVideo:
		codec = pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8, ClockRate: 90000}
	default:
		return nil, fmt.Errorf("unsupported track kind %q", kind)
	}

	local, err := pion.NewTrackLocalStaticSample(codec, kind+"-"+uuid.NewString()[:8], streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	return &LocalTrack{local: local, kind: kind, enabled: true}, nil
}

func (t *LocalTrack) ID() string   { return t.local.ID() }
func (t *LocalTrack) Kind() string { return t.kind }

func (t *LocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *LocalTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

// Stop ends the track. OnEnded callbacks run once, on the first call.
func (t *LocalTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	callbacks := t.ended
	t.ended = nil
	t.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// OnEnded runs fn when the track stops, or right away if it already has.
func (t *LocalTrack) OnEnded(fn func()) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		fn()
		return
	}
	t.ended = append(t.ended, fn)
	t.mu.Unlock()
}

// WriteSample feeds one encoded sample to every link carrying the track.
func (t *LocalTrack) WriteSample(s pionmedia.Sample) error {
	t.mu.Lock()
	stopped, enabled := t.stopped, t.enabled
	t.mu.Unlock()

	if stopped {
		return ErrTrackStopped
	}
	if !enabled {
		return nil
	}
	return t.local.WriteSample(s)
}

// TrackLocal exposes the pion track for AddTrack and ReplaceTrack.
func (t *LocalTrack) TrackLocal() pion.TrackLocal {
	return t.local
}

func asLocal(track media.Track) (*LocalTrack, error) {
	lt, ok := track.(*LocalTrack)
	if !ok {
		return nil, fmt.Errorf("track %s is not an rtc track", track.ID())
	}
	return lt, nil
}

// DisplayCapturer hands out a fresh screen track per capture. Feeding it
// frames is up to the caller's capture source.
type DisplayCapturer struct {
	StreamID string
	// OnCapture, when set, receives every new track before it goes on air.
	OnCapture func(*LocalTrack)
}

func (c *DisplayCapturer) CaptureDisplay(ctx context.Context) (media.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	track, err := NewLocalTrack(media.KindVideo, c.StreamID)
	if err != nil {
		return nil, err
	}
	if c.OnCapture != nil {
		c.OnCapture(track)
	}
	return track, nil
}
