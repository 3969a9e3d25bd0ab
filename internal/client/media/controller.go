/*
Package media owns the local capture devices for a session: it acquires
camera and microphone, exposes mute/video toggles that change what is
transmitted without renegotiating any peer link, and guarantees every
acquired track is released exactly once on teardown.

No other component touches the raw device handles.
*/
package media

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"telecare/internal/pkg/logx"
)

// ErrAccessDenied indicates the local devices could not be acquired. It is
// surfaced to the user; the controller never retries on its own.
var ErrAccessDenied = errors.New("media access denied")

// Constraints describes the capture targets for acquisition.
type Constraints struct {
	// Width and Height are the requested video resolution.
	Width  int
	Height int
}

// DefaultConstraints targets 720p capture.
var DefaultConstraints = Constraints{Width: 1280, Height: 720}

// Track is one acquired local device track: attachable to a peer link and
// closable on release.
type Track interface {
	webrtc.TrackLocal
	Close() error
}

// Opener acquires local device tracks for the given constraints. The
// production opener wraps mediadevices.GetUserMedia; tests substitute fakes.
type Opener func(constraints Constraints) ([]Track, error)

// localTrack pairs a device track with its enabled bit. The track itself
// stays attached to its peer links; toggling notifies the subscribed peer
// manager, which mutes or resumes the RTP senders without renegotiation.
type localTrack struct {
	track   Track
	enabled bool
}

// Controller manages the acquire/toggle/release lifecycle of the local
// capture devices.
type Controller struct {
	opener Opener

	mu       sync.Mutex
	tracks   []*localTrack
	acquired bool
	released bool

	// onToggle is invoked after every enabled-bit change so the peer
	// manager can stop or resume the corresponding RTP senders. Set once
	// during session setup, before any toggle fires.
	onToggle func(kind webrtc.RTPCodecType, enabled bool)

	// releaseOnce enforces exactly one release per acquisition regardless of
	// which teardown path runs first.
	releaseOnce sync.Once

	logger zerolog.Logger
}

// NewController constructs a Controller over the given device opener.
func NewController(opener Opener) *Controller {
	return &Controller{
		opener: opener,
		logger: logx.Logger().With().Str("component", "MediaController").Logger(),
	}
}

// Acquire requests camera and microphone access. Failure is reported as
// ErrAccessDenied and leaves the controller unacquired; the user must grant
// access and retry explicitly.
func (c *Controller) Acquire(constraints Constraints) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.acquired {
		return fmt.Errorf("media already acquired")
	}

	tracks, err := c.opener(constraints)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Local media acquisition failed.")
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}

	c.tracks = make([]*localTrack, 0, len(tracks))
	for _, t := range tracks {
		c.tracks = append(c.tracks, &localTrack{track: t, enabled: true})
	}

	c.acquired = true
	c.released = false
	c.releaseOnce = sync.Once{}

	c.logger.Info().Int("track_count", len(tracks)).Msg("Local media acquired.")
	return nil
}

// OnToggle registers the observer notified after every toggle.
func (c *Controller) OnToggle(fn func(kind webrtc.RTPCodecType, enabled bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onToggle = fn
}

// Tracks returns the acquired tracks for attachment to peer links. Disabled
// kinds are included: their transceivers must be negotiated up front so a
// later unmute needs no renegotiation, and the transport withholds media
// for them until Enabled reports true.
func (c *Controller) Tracks() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]webrtc.TrackLocal, 0, len(c.tracks))
	for _, lt := range c.tracks {
		out = append(out, lt.track)
	}
	return out
}

// ToggleAudio flips the microphone's enabled bit and returns the new state.
func (c *Controller) ToggleAudio() bool {
	return c.toggleKind(webrtc.RTPCodecTypeAudio)
}

// ToggleVideo flips the camera's enabled bit and returns the new state.
func (c *Controller) ToggleVideo() bool {
	return c.toggleKind(webrtc.RTPCodecTypeVideo)
}

func (c *Controller) toggleKind(kind webrtc.RTPCodecType) bool {
	c.mu.Lock()

	newState := false
	for _, lt := range c.tracks {
		if lt.track.Kind() == kind {
			lt.enabled = !lt.enabled
			newState = lt.enabled
		}
	}
	notify := c.onToggle

	c.mu.Unlock()

	c.logger.Debug().
		Str("kind", kind.String()).
		Bool("enabled", newState).
		Msg("Local track toggled.")

	if notify != nil {
		notify(kind, newState)
	}

	return newState
}

// AudioEnabled reports whether the microphone is currently enabled.
func (c *Controller) AudioEnabled() bool {
	return c.Enabled(webrtc.RTPCodecTypeAudio)
}

// VideoEnabled reports whether the camera is currently enabled.
func (c *Controller) VideoEnabled() bool {
	return c.Enabled(webrtc.RTPCodecTypeVideo)
}

// Enabled reports whether tracks of the given kind are currently enabled.
// The transport consults this when attaching tracks to a new peer link, so
// a link created while muted starts muted.
func (c *Controller) Enabled(kind webrtc.RTPCodecType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, lt := range c.tracks {
		if lt.track.Kind() == kind {
			return lt.enabled
		}
	}
	return false
}

// Release stops every acquired track. It runs at most once per acquisition
// and is safe to call from every teardown path: normal session end, error
// paths and forced shutdown all funnel through here.
func (c *Controller) Release() {
	c.releaseOnce.Do(func() {
		c.mu.Lock()
		tracks := c.tracks
		c.tracks = nil
		c.acquired = false
		c.released = true
		c.mu.Unlock()

		for _, lt := range tracks {
			if err := lt.track.Close(); err != nil {
				c.logger.Warn().Err(err).Str("track_id", lt.track.ID()).Msg("Error closing local track.")
			}
		}

		c.logger.Info().Int("track_count", len(tracks)).Msg("Local media released.")
	})
}
