package rtc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"telecare/internal/app/session"
	"telecare/internal/pkg/logx"
)

// SignalingChannel is the explicit connection handle the manager drives.
// Events arrive in the order the server sent them; signals are addressed to
// exactly one counterpart connection.
type SignalingChannel interface {
	Events() <-chan session.Envelope
	SendSignal(event session.EventType, targetConnectionID string, signal json.RawMessage) error
}

// StatusUpdate reports a per-counterpart link transition to the UI layer.
// Failures carry the fallback URL so the UI can offer the external meeting
// link instead of a dead tile.
type StatusUpdate struct {
	Counterpart session.Participant
	State       LinkState
	Err         error
	FallbackURL string
}

// Callbacks are the notifications the manager raises toward the UI layer.
// They may be invoked from the dispatch goroutine or from link timers and
// must not block.
type Callbacks struct {
	// OnStatus reports link state transitions per counterpart.
	OnStatus func(update StatusUpdate)

	// OnRemoteTrack reports remote media ready for rendering.
	OnRemoteTrack func(counterpart session.Participant, trackID, kind string)

	// OnTokenUpdate delivers a refreshed room-access token.
	OnTokenUpdate func(token string)
}

// transportEventKind discriminates asynchronous transport callbacks.
type transportEventKind int

const (
	evCandidate transportEventKind = iota
	evConnected
	evFailed
	evRemoteTrack
)

// transportEvent funnels a transport callback into the dispatch loop so all
// link bookkeeping happens on one goroutine.
type transportEvent struct {
	connID    string
	kind      transportEventKind
	candidate json.RawMessage
	err       error
	trackID   string
	trackKind string
}

const transportEventBuffer = 64

// mediaToggle carries one local mute or camera change into the dispatch
// loop, which fans it out to every live link.
type mediaToggle struct {
	kind    webrtc.RTPCodecType
	enabled bool
}

const mediaToggleBuffer = 8

// Manager owns one peer link per counterpart known to the local
// participant. All signaling events are processed in arrival order on a
// single dispatch goroutine; transport callbacks are funneled into the same
// loop. A failure on one link never touches the other links or the local
// media stream.
type Manager struct {
	channel      SignalingChannel
	newTransport TransportFactory

	negotiationTimeout time.Duration

	// identityMu guards self and fallbackURL, which the dispatch loop sets
	// from the join snapshot while link timers read them for status updates.
	identityMu sync.RWMutex

	// self is the local participant as echoed in the join snapshot.
	self session.Participant

	// fallbackURL is the appointment's external meeting link, learned from
	// the join snapshot.
	fallbackURL string

	// links maps counterpart connection ids to their peer link.
	links map[string]*Link

	// roster tracks the participants currently known in the room.
	roster map[string]session.Participant

	transportEvents chan transportEvent
	mediaToggles    chan mediaToggle

	// done is closed when the dispatch loop exits, releasing any transport
	// callback still trying to post an event.
	done     chan struct{}
	doneOnce sync.Once

	callbacks Callbacks

	logger zerolog.Logger
}

// NewManager constructs a Manager over an established signaling channel.
func NewManager(channel SignalingChannel, newTransport TransportFactory, negotiationTimeout time.Duration, callbacks Callbacks) *Manager {
	return &Manager{
		channel:            channel,
		newTransport:       newTransport,
		negotiationTimeout: negotiationTimeout,
		links:              make(map[string]*Link),
		roster:             make(map[string]session.Participant),
		transportEvents:    make(chan transportEvent, transportEventBuffer),
		mediaToggles:       make(chan mediaToggle, mediaToggleBuffer),
		done:               make(chan struct{}),
		callbacks:          callbacks,
		logger:             logx.Logger().With().Str("component", "PeerManager").Logger(),
	}
}

// Self returns the local participant identity from the join snapshot.
func (m *Manager) Self() session.Participant {
	m.identityMu.RLock()
	defer m.identityMu.RUnlock()
	return m.self
}

// FallbackURL returns the appointment's external meeting link.
func (m *Manager) FallbackURL() string {
	m.identityMu.RLock()
	defer m.identityMu.RUnlock()
	return m.fallbackURL
}

// Link returns the peer link toward the given counterpart connection, or
// nil. The links map belongs to the dispatch goroutine; call this only
// after Run has returned.
func (m *Manager) Link(connID string) *Link {
	return m.links[connID]
}

// Run drives the dispatch loop until the signaling channel closes or the
// context is cancelled. On exit every link is closed; the local media
// controller is released by the session owner, not here.
func (m *Manager) Run(ctx context.Context) error {
	defer m.shutdown()

	for {
		select {
		case env, ok := <-m.channel.Events():
			if !ok {
				m.logger.Info().Msg("Signaling channel closed. Tearing down peer links.")
				return nil
			}
			m.handleEnvelope(env)

		case ev := <-m.transportEvents:
			m.handleTransportEvent(ev)

		case tg := <-m.mediaToggles:
			m.handleMediaToggle(tg)

		case <-ctx.Done():
			m.logger.Info().Msg("Session ended. Tearing down peer links.")
			return ctx.Err()
		}
	}
}

// shutdown closes all links and unblocks pending transport callbacks.
func (m *Manager) shutdown() {
	m.doneOnce.Do(func() {
		close(m.done)
	})

	for connID, link := range m.links {
		link.Close()
		delete(m.links, connID)
	}
}

// handleEnvelope dispatches one signaling event.
func (m *Manager) handleEnvelope(env session.Envelope) {
	switch env.Type {
	case session.EventRoomJoined:
		m.handleRoomJoined(env.Payload)

	case session.EventUserJoined:
		m.handleUserJoined(env.Payload)

	case session.EventUserLeft:
		m.handleUserLeft(env.Payload)

	case session.EventOffer:
		m.handleOffer(env.Payload)

	case session.EventAnswer:
		m.handleAnswer(env.Payload)

	case session.EventCandidate:
		m.handleCandidate(env.Payload)

	case session.EventError:
		var payload session.ErrorPayload
		if err := json.Unmarshal(env.Payload, &payload); err == nil {
			m.logger.Warn().Int("code", payload.Code).Str("message", payload.Message).Msg("Server reported channel error.")
		}

	case session.EventTokenUpdate:
		var payload session.TokenUpdatePayload
		if err := json.Unmarshal(env.Payload, &payload); err == nil && m.callbacks.OnTokenUpdate != nil {
			m.callbacks.OnTokenUpdate(payload.Token)
		}

	default:
		m.logger.Warn().Str("event", string(env.Type)).Msg("Unhandled signaling event.")
	}
}

// handleRoomJoined processes the membership snapshot: every member already
// present becomes a counterpart we initiate toward. Joining an empty room
// creates no links.
func (m *Manager) handleRoomJoined(raw json.RawMessage) {
	var payload session.RoomJoinedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		m.logger.Error().Err(err).Msg("Invalid room-joined payload.")
		return
	}

	m.identityMu.Lock()
	m.self = payload.Self
	m.fallbackURL = payload.FallbackURL
	m.identityMu.Unlock()

	m.logger.Info().
		Str("room_id", payload.RoomID).
		Str("connection_id", payload.Self.ConnectionID).
		Int("existing_participants", len(payload.Participants)).
		Msg("Joined room.")

	for _, counterpart := range payload.Participants {
		m.roster[counterpart.ConnectionID] = counterpart

		link := m.createLink(counterpart, true)
		if link == nil {
			continue
		}

		offer, err := link.StartNegotiation()
		if err != nil {
			// The link already failed and notified; other links proceed.
			continue
		}

		if err := m.channel.SendSignal(session.EventOffer, counterpart.ConnectionID, offer); err != nil {
			link.Fail(err)
		}
	}
}

// handleUserJoined records the new counterpart. The newcomer observed us as
// pre-existing, so it initiates; we respond when its offer arrives.
func (m *Manager) handleUserJoined(raw json.RawMessage) {
	var payload session.UserEventPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		m.logger.Error().Err(err).Msg("Invalid user-joined payload.")
		return
	}

	m.roster[payload.Participant.ConnectionID] = payload.Participant

	m.logger.Info().
		Str("connection_id", payload.Participant.ConnectionID).
		Str("display_name", payload.Participant.DisplayName).
		Msg("Participant joined. Awaiting their offer.")
}

// handleUserLeft closes the link tied to the departed connection id. A
// rejoin arrives as a fresh user-joined with a new connection id and gets a
// brand-new link.
func (m *Manager) handleUserLeft(raw json.RawMessage) {
	var payload session.UserEventPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		m.logger.Error().Err(err).Msg("Invalid user-left payload.")
		return
	}

	connID := payload.Participant.ConnectionID
	delete(m.roster, connID)

	if link, ok := m.links[connID]; ok {
		link.Close()
		delete(m.links, connID)
	}

	m.logger.Info().Str("connection_id", connID).Msg("Participant left. Link closed.")
}

// handleOffer creates the responder-side link and relays the answer back.
func (m *Manager) handleOffer(raw json.RawMessage) {
	var payload session.SignalPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		m.logger.Error().Err(err).Msg("Invalid offer payload.")
		return
	}

	sender := payload.SenderConnectionID
	if sender == "" {
		m.logger.Warn().Msg("Offer without sender connection id. Dropping.")
		return
	}

	if _, exists := m.links[sender]; exists {
		// Initiator assignment makes simultaneous offers impossible for a
		// healthy pair; an offer for an existing link means state drift.
		m.logger.Warn().Str("sender_connection_id", sender).Msg("Offer for existing link. Dropping.")
		return
	}

	counterpart, known := m.roster[sender]
	if !known {
		// Membership events precede relayed signals on the channel, so this
		// is unexpected; keep the link keyed correctly anyway.
		m.logger.Warn().Str("sender_connection_id", sender).Msg("Offer from unknown participant.")
		counterpart = session.Participant{ConnectionID: sender}
		m.roster[sender] = counterpart
	}

	link := m.createLink(counterpart, false)
	if link == nil {
		return
	}

	answer, err := link.HandleOffer(payload.Signal)
	if err != nil || answer == nil {
		return
	}

	if err := m.channel.SendSignal(session.EventAnswer, sender, answer); err != nil {
		link.Fail(err)
	}
}

// handleAnswer applies the counterpart's answer to the initiator-side link.
func (m *Manager) handleAnswer(raw json.RawMessage) {
	var payload session.SignalPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		m.logger.Error().Err(err).Msg("Invalid answer payload.")
		return
	}

	link, ok := m.links[payload.SenderConnectionID]
	if !ok {
		m.logger.Debug().Str("sender_connection_id", payload.SenderConnectionID).Msg("Answer for unknown link. Dropping.")
		return
	}

	link.HandleAnswer(payload.Signal)
}

// handleCandidate applies a trickled candidate. Candidates for links that
// are gone are dropped silently; the counterpart may have left meanwhile.
func (m *Manager) handleCandidate(raw json.RawMessage) {
	var payload session.SignalPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		m.logger.Error().Err(err).Msg("Invalid candidate payload.")
		return
	}

	link, ok := m.links[payload.SenderConnectionID]
	if !ok {
		m.logger.Debug().Str("sender_connection_id", payload.SenderConnectionID).Msg("Candidate for unknown link. Dropping.")
		return
	}

	link.HandleCandidate(payload.Signal)
}

// createLink builds a link plus its transport for the given counterpart.
// Transport construction failure is reported as a per-counterpart error and
// leaves the other links untouched.
func (m *Manager) createLink(counterpart session.Participant, initiator bool) *Link {
	connID := counterpart.ConnectionID

	handlers := TransportHandlers{
		OnCandidate: func(candidate json.RawMessage) {
			m.postTransportEvent(transportEvent{connID: connID, kind: evCandidate, candidate: candidate})
		},
		OnConnected: func() {
			m.postTransportEvent(transportEvent{connID: connID, kind: evConnected})
		},
		OnFailed: func(err error) {
			m.postTransportEvent(transportEvent{connID: connID, kind: evFailed, err: err})
		},
		OnRemoteTrack: func(trackID, kind string) {
			m.postTransportEvent(transportEvent{connID: connID, kind: evRemoteTrack, trackID: trackID, trackKind: kind})
		},
	}

	transport, err := m.newTransport(handlers)
	if err != nil {
		m.logger.Error().Err(err).Str("counterpart_connection_id", connID).Msg("Failed to create transport for counterpart.")
		m.notifyStatus(counterpart, StateError, err)
		return nil
	}

	link := newLink(counterpart, initiator, transport, m.negotiationTimeout, func(state LinkState, err error) {
		m.notifyStatus(counterpart, state, err)
	})

	m.links[connID] = link
	return link
}

// postTransportEvent hands a transport callback to the dispatch loop
// without blocking past manager shutdown.
func (m *Manager) postTransportEvent(ev transportEvent) {
	select {
	case m.transportEvents <- ev:
	case <-m.done:
	}
}

// handleTransportEvent applies one funneled transport callback.
func (m *Manager) handleTransportEvent(ev transportEvent) {
	link, ok := m.links[ev.connID]
	if !ok {
		// The link was already torn down; late transport callbacks are
		// expected and ignored.
		return
	}

	switch ev.kind {
	case evCandidate:
		if state := link.State(); state == StateClosed || state == StateError {
			return
		}
		if err := m.channel.SendSignal(session.EventCandidate, ev.connID, ev.candidate); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to send local candidate.")
		}

	case evConnected:
		link.MarkConnected()

	case evFailed:
		link.Fail(ev.err)

	case evRemoteTrack:
		if m.callbacks.OnRemoteTrack != nil {
			m.callbacks.OnRemoteTrack(link.Counterpart(), ev.trackID, ev.trackKind)
		}
	}
}

// SetLocalEnabled applies a local mute or camera toggle to every live peer
// link. Safe to call from any goroutine; the change runs on the dispatch
// loop. Links created afterwards pick the state up from the local media
// provider at transport construction.
func (m *Manager) SetLocalEnabled(kind webrtc.RTPCodecType, enabled bool) {
	select {
	case m.mediaToggles <- mediaToggle{kind: kind, enabled: enabled}:
	case <-m.done:
	}
}

// handleMediaToggle fans one local media change out to all links.
func (m *Manager) handleMediaToggle(tg mediaToggle) {
	m.logger.Info().
		Str("kind", tg.kind.String()).
		Bool("enabled", tg.enabled).
		Int("links", len(m.links)).
		Msg("Applying local media toggle to peer links.")

	for _, link := range m.links {
		link.SetLocalEnabled(tg.kind, tg.enabled)
	}
}

// notifyStatus reports a link transition to the UI layer.
func (m *Manager) notifyStatus(counterpart session.Participant, state LinkState, err error) {
	if m.callbacks.OnStatus == nil {
		return
	}

	m.callbacks.OnStatus(StatusUpdate{
		Counterpart: counterpart,
		State:       state,
		Err:         err,
		FallbackURL: m.FallbackURL(),
	})
}
