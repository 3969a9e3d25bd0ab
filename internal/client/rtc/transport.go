/*
Package rtc implements the client-side peer connection manager: one peer
link per counterpart in the room, driven by signaling events and bounded by
a negotiation timeout.

The link state machine is written against a narrow Transport interface so
its transitions can be exercised without the WebRTC implementation; the
pion-backed transport lives in transport_pion.go.
*/
package rtc

import (
	"encoding/json"

	"github.com/pion/webrtc/v3"
)

// TransportHandlers are the callbacks a Transport raises asynchronously.
// They may fire from transport-internal goroutines at any time relative to
// signaling events; the manager funnels them back into its dispatch loop.
type TransportHandlers struct {
	// OnCandidate reports a locally gathered network candidate to trickle
	// to the counterpart.
	OnCandidate func(candidate json.RawMessage)

	// OnConnected reports that a usable media path is established.
	OnConnected func()

	// OnFailed reports a transport-level failure.
	OnFailed func(err error)

	// OnRemoteTrack reports that remote media became available for
	// rendering.
	OnRemoteTrack func(trackID, kind string)
}

// Transport is the slice of the underlying WebRTC implementation one peer
// link needs. Negotiation payloads are opaque JSON end to end; the state
// machine never inspects them.
type Transport interface {
	// CreateOffer produces and locally applies an offer (initiator side).
	CreateOffer() (json.RawMessage, error)

	// AcceptOffer applies a remote offer and produces a locally applied
	// answer (responder side).
	AcceptOffer(offer json.RawMessage) (json.RawMessage, error)

	// AcceptAnswer applies the remote answer (initiator side).
	AcceptAnswer(answer json.RawMessage) error

	// AddCandidate applies one remote network candidate. Candidates
	// arriving before the remote description are buffered, not rejected.
	AddCandidate(candidate json.RawMessage) error

	// SetLocalEnabled starts or stops transmitting the local tracks of one
	// kind. The negotiated transceiver stays in place, so mute and unmute
	// never require a renegotiation round.
	SetLocalEnabled(kind webrtc.RTPCodecType, enabled bool) error

	// Close releases the transport and everything attached to it.
	Close() error
}

// TransportFactory creates a fresh Transport wired to the given handlers.
// Each peer link gets its own transport; a closed transport is never reused.
type TransportFactory func(handlers TransportHandlers) (Transport, error)

// LocalMedia supplies the local tracks attached to every new transport and
// the current enabled state per kind, so a link created while the camera or
// microphone is off starts without transmitting that kind.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	Enabled(kind webrtc.RTPCodecType) bool
}
