package media

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"meetgo/backend/internal/logging"

	"github.com/rs/zerolog"
)

var (
	ErrShareInProgress    = errors.New("screen share already active or starting")
	ErrNotSharing         = errors.New("screen share not active")
	ErrCaptureUnavailable = errors.New("display capture unavailable")
	ErrReleased           = errors.New("media released")
)

// Source names the video track currently on air.
type Source string

const (
	SourceCamera Source = "camera"
	SourceScreen Source = "screen"
)

// State is a snapshot of the control flags.
type State struct {
	MicEnabled    bool
	CameraEnabled bool
	ScreenSharing bool
	OnAir         Source
}

// Option configures a Controller.
type Option func(*Controller)

// WithPreview swaps the local preview along with the outgoing source.
func WithPreview(p Preview) Option {
	return func(c *Controller) { c.preview = p }
}

// WithObserver is called after every state change.
func WithObserver(fn func(State)) Option {
	return func(c *Controller) { c.observer = fn }
}

// Controller owns the local tracks. Every attached sender always carries the
// same video track: the camera, or the screen while sharing.
type Controller struct {
	mu        sync.Mutex
	mic       Track
	camera    Track
	screen    Track
	acquiring bool
	released  bool
	senders   map[string]Sender

	capturer Capturer
	preview  Preview
	observer func(State)
	log      zerolog.Logger
}

// NewController takes ownership of mic and camera; either may be nil.
func NewController(mic, camera Track, capturer Capturer, opts ...Option) *Controller {
	c := &Controller{
		mic:      mic,
		camera:   camera,
		capturer: capturer,
		senders:  make(map[string]Sender),
		log:      logging.L().With().Str("component", "media").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.preview != nil && camera != nil {
		c.preview.ShowVideo(camera)
	}
	return c
}

// HasLocalStream reports whether there is anything to send.
func (c *Controller) HasLocalStream() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.released && (c.mic != nil || c.camera != nil)
}

// Mic returns the local audio track.
func (c *Controller) Mic() Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mic
}

// Camera returns the local camera track.
func (c *Controller) Camera() Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.camera
}

// ToggleMic flips the mic track's enabled flag and returns the new value.
func (c *Controller) ToggleMic() bool {
	return c.toggle(func() Track { return c.mic }, "mic")
}

// ToggleCamera flips the camera track's enabled flag and returns the new value.
func (c *Controller) ToggleCamera() bool {
	return c.toggle(func() Track { return c.camera }, "camera")
}

func (c *Controller) toggle(track func() Track, name string) bool {
	c.mu.Lock()
	t := track()
	if t == nil || c.released {
		c.mu.Unlock()
		return false
	}
	enabled := !t.Enabled()
	t.SetEnabled(enabled)
	st := c.stateLocked()
	c.mu.Unlock()

	c.log.Debug().Bool("enabled", enabled).Msgf("%s toggled", name)
	c.notify(st)
	return enabled
}

// StartScreenShare acquires a display track and puts it on air for every
// attached sender. On any failure the camera stays on air everywhere and
// whatever the capturer returned is stopped.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.released:
		c.mu.Unlock()
		return ErrReleased
	case c.screen != nil || c.acquiring:
		c.mu.Unlock()
		return ErrShareInProgress
	case c.capturer == nil:
		c.mu.Unlock()
		return ErrCaptureUnavailable
	}
	c.acquiring = true
	c.mu.Unlock()

	// The picker may take a while; nothing else waits on it.
	track, err := c.capturer.CaptureDisplay(ctx)

	c.mu.Lock()
	c.acquiring = false
	if err != nil || track == nil {
		c.mu.Unlock()
		if track != nil {
			track.Stop()
		}
		if err == nil {
			err = ErrCaptureUnavailable
		}
		c.log.Info().Err(err).Msg("screen share aborted")
		return fmt.Errorf("capture display: %w", err)
	}
	if c.released {
		c.mu.Unlock()
		track.Stop()
		return ErrReleased
	}

	if err := c.switchLocked(track); err != nil {
		c.switchLocked(c.camera)
		c.mu.Unlock()
		track.Stop()
		c.log.Warn().Err(err).Msg("screen share rolled back")
		return err
	}
	c.screen = track
	if c.preview != nil {
		c.preview.ShowVideo(track)
	}
	links := len(c.senders)
	st := c.stateLocked()
	c.mu.Unlock()

	track.OnEnded(func() { c.screenEnded(track) })

	c.log.Info().Int("links", links).Msg("screen share started")
	c.notify(st)
	return nil
}

// StopScreenShare puts the camera back on air everywhere and stops the display track.
func (c *Controller) StopScreenShare() error {
	c.mu.Lock()
	if c.screen == nil {
		c.mu.Unlock()
		return ErrNotSharing
	}
	track := c.revertLocked()
	st := c.stateLocked()
	c.mu.Unlock()

	track.Stop()

	c.log.Info().Msg("screen share stopped")
	c.notify(st)
	return nil
}

// ToggleScreenShare starts or stops sharing and reports whether sharing is now active.
func (c *Controller) ToggleScreenShare(ctx context.Context) (bool, error) {
	c.mu.Lock()
	sharing := c.screen != nil
	c.mu.Unlock()

	if sharing {
		return false, c.StopScreenShare()
	}
	if err := c.StartScreenShare(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// screenEnded handles the platform ending the capture, e.g. an OS-level
// "stop sharing". It is a no-op once the share was already stopped.
func (c *Controller) screenEnded(track Track) {
	c.mu.Lock()
	if c.screen != track {
		c.mu.Unlock()
		return
	}
	c.revertLocked()
	st := c.stateLocked()
	c.mu.Unlock()

	c.log.Info().Msg("screen share ended externally")
	c.notify(st)
}

// Attach registers the video sender of link id and puts the current
// on-air track on it.
func (c *Controller) Attach(id string, s Sender) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return ErrReleased
	}
	if c.screen != nil {
		// A sender that cannot carry the screen is never registered; the
		// caller must not let it send the camera meanwhile.
		if err := s.ReplaceVideoTrack(c.screen); err != nil {
			return fmt.Errorf("attach %s: %w", id, err)
		}
	}
	c.senders[id] = s
	return nil
}

// Detach forgets the sender of link id.
func (c *Controller) Detach(id string) {
	c.mu.Lock()
	delete(c.senders, id)
	c.mu.Unlock()
}

// OnAir returns the video track every sender is carrying.
func (c *Controller) OnAir() Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.screen != nil {
		return c.screen
	}
	return c.camera
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Release stops sharing, stops every local track and refuses further use.
func (c *Controller) Release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	var screen Track
	if c.screen != nil {
		screen = c.revertLocked()
	}
	c.released = true
	c.senders = make(map[string]Sender)
	mic, camera := c.mic, c.camera
	c.mu.Unlock()

	for _, t := range []Track{screen, camera, mic} {
		if t != nil {
			t.Stop()
		}
	}
	c.log.Debug().Msg("local media released")
}

// switchLocked puts track on every sender. Moving to the screen stops at the
// first failure so the caller can roll back; moving to the camera tries every sender.
func (c *Controller) switchLocked(track Track) error {
	var firstErr error
	for _, id := range c.senderIDsLocked() {
		if err := c.senders[id].ReplaceVideoTrack(track); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("replace video track on %s: %w", id, err)
			}
			if track != c.camera {
				return firstErr
			}
		}
	}
	return firstErr
}

// revertLocked puts the camera back on every sender and returns the former screen track.
func (c *Controller) revertLocked() Track {
	if err := c.switchLocked(c.camera); err != nil {
		c.log.Error().Err(err).Msg("failed to restore camera track")
	}
	if c.preview != nil && c.camera != nil {
		c.preview.ShowVideo(c.camera)
	}
	track := c.screen
	c.screen = nil
	return track
}

func (c *Controller) senderIDsLocked() []string {
	ids := make([]string, 0, len(c.senders))
	for id := range c.senders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Controller) stateLocked() State {
	st := State{
		MicEnabled:    c.mic != nil && c.mic.Enabled(),
		CameraEnabled: c.camera != nil && c.camera.Enabled(),
		ScreenSharing: c.screen != nil,
		OnAir:         SourceCamera,
	}
	if c.screen != nil {
		st.OnAir = SourceScreen
	}
	return st
}

func (c *Controller) notify(st State) {
	if c.observer != nil {
		c.observer(st)
	}
}
