// Package media tracks local mic, camera and screen-share state and keeps
// the outgoing video source consistent across every peer link.
package media

import "context"

const (
	KindAudio = "audio"
	KindVideo = "video"
)

// Track is a local media track. Toggling Enabled mutes it in place without
// renegotiation.
type Track interface {
	ID() string
	Kind() string
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop ends the track for good and fires OnEnded callbacks once.
	Stop()
	// OnEnded registers fn to run when the track ends for any reason,
	// including the platform ending a display capture.
	OnEnded(fn func())
}

// Sender is the outgoing video slot of one peer link.
type Sender interface {
	ReplaceVideoTrack(track Track) error
}

// Capturer acquires a display-capture track. It may block until the user
// picks a source; cancelling ctx aborts the pick.
type Capturer interface {
	CaptureDisplay(ctx context.Context) (Track, error)
}

// Preview renders the local video source.
type Preview interface {
	ShowVideo(track Track)
}
