package rtc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v3"
)

// NewPionTransportFactory builds the production TransportFactory over pion.
// Every link gets its own PeerConnection with the shared codec selector and
// the current local tracks attached; local is consulted at construction
// time so a link created after a device re-acquire picks up fresh tracks
// and a link created while muted starts without transmitting that kind.
func NewPionTransportFactory(stunServers []string, selector *mediadevices.CodecSelector, local LocalMedia) TransportFactory {
	return func(handlers TransportHandlers) (Transport, error) {
		mediaEngine := webrtc.MediaEngine{}
		selector.Populate(&mediaEngine)

		api := webrtc.NewAPI(webrtc.WithMediaEngine(&mediaEngine))

		pc, err := api.NewPeerConnection(webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{
				{URLs: stunServers},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create peer connection: %w", err)
		}

		var senders []localSender
		for _, track := range local.Tracks() {
			transceiver, err := pc.AddTransceiverFromTrack(track,
				webrtc.RtpTransceiverInit{
					Direction: webrtc.RTPTransceiverDirectionSendrecv,
				},
			)
			if err != nil {
				pc.Close()
				return nil, fmt.Errorf("failed to attach local track: %w", err)
			}

			senders = append(senders, localSender{
				kind:   track.Kind(),
				sender: transceiver.Sender(),
				track:  track,
			})

			if !local.Enabled(track.Kind()) {
				if err := transceiver.Sender().ReplaceTrack(nil); err != nil {
					pc.Close()
					return nil, fmt.Errorf("failed to mute local track: %w", err)
				}
			}
		}

		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c == nil {
				return
			}

			raw, err := json.Marshal(c.ToJSON())
			if err != nil {
				return
			}
			handlers.OnCandidate(raw)
		})

		pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
			switch state {
			case webrtc.ICEConnectionStateConnected:
				handlers.OnConnected()
			case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected:
				handlers.OnFailed(fmt.Errorf("ice connection state %s", state))
			}
		})

		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			handlers.OnRemoteTrack(track.ID(), track.Kind().String())
		})

		return &pionTransport{pc: pc, senders: senders}, nil
	}
}

// localSender pairs one attached local track with its RTP sender, so the
// track can be withheld and restored without touching the transceiver.
type localSender struct {
	kind   webrtc.RTPCodecType
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

// pionTransport adapts *webrtc.PeerConnection to the Transport interface.
// Remote candidates arriving before the remote description are buffered and
// flushed once it is applied (trickle negotiation).
type pionTransport struct {
	pc      *webrtc.PeerConnection
	senders []localSender

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

func (t *pionTransport) CreateOffer() (json.RawMessage, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}

	if err := t.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to apply local offer: %w", err)
	}

	return json.Marshal(offer)
}

func (t *pionTransport) AcceptOffer(offer json.RawMessage) (json.RawMessage, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(offer, &desc); err != nil {
		return nil, fmt.Errorf("invalid offer payload: %w", err)
	}

	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return nil, fmt.Errorf("failed to apply remote offer: %w", err)
	}

	t.flushPendingCandidates()

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to apply local answer: %w", err)
	}

	return json.Marshal(answer)
}

func (t *pionTransport) AcceptAnswer(answer json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(answer, &desc); err != nil {
		return fmt.Errorf("invalid answer payload: %w", err)
	}

	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to apply remote answer: %w", err)
	}

	t.flushPendingCandidates()

	return nil
}

func (t *pionTransport) AddCandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("invalid candidate payload: %w", err)
	}

	t.mu.Lock()
	if !t.remoteSet {
		t.pending = append(t.pending, init)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	return t.pc.AddICECandidate(init)
}

// flushPendingCandidates applies candidates that arrived ahead of the
// remote description.
func (t *pionTransport) flushPendingCandidates() {
	t.mu.Lock()
	t.remoteSet = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, init := range pending {
		if err := t.pc.AddICECandidate(init); err != nil {
			// A bad buffered candidate is not fatal; later candidates may
			// still complete the path.
			continue
		}
	}
}

// SetLocalEnabled swaps each sender of the given kind between its real
// track and nil. The transceiver stays negotiated, so no renegotiation
// round is needed and a muted kind transmits nothing.
func (t *pionTransport) SetLocalEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	var firstErr error
	for _, s := range t.senders {
		if s.kind != kind {
			continue
		}

		var track webrtc.TrackLocal
		if enabled {
			track = s.track
		}
		if err := s.sender.ReplaceTrack(track); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}
