package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"telecare/internal/pkg/errs"
	"telecare/internal/pkg/logx"
)

const (
	// relayChannelBuffer sizes the queue of negotiation messages waiting to
	// be forwarded. Trickle negotiation produces short bursts of candidates.
	relayChannelBuffer = 256

	// RoomInactivityTimeout is how long an empty room survives before its
	// run loop shuts down and the registry drops it.
	RoomInactivityTimeout = 2 * time.Minute
)

// relayRequest asks the room to forward one negotiation message to exactly
// one member connection.
type relayRequest struct {
	from    *Client
	event   EventType
	payload SignalPayload
}

// Room owns the membership of one appointment's video session and relays
// negotiation messages between member connections. All membership mutations
// are applied by the single Run loop, so every member observes joins and
// leaves in the same order.
type Room struct {
	// ID is the appointment identifier backing this room.
	ID string

	// FallbackURL is the precomputed external meeting link for this
	// appointment, included in the join snapshot.
	FallbackURL string

	// jwtSecret signs refreshed room-access tokens for connected clients.
	jwtSecret string

	// clients maps channel connection ids to their Client.
	clients map[string]*Client

	// register queues clients waiting to join the room.
	register chan *Client

	// unregister queues clients leaving the room.
	unregister chan *Client

	// relay queues negotiation messages waiting to be forwarded.
	relay chan relayRequest

	// cleanupChan notifies the Registry that this room has shut down.
	cleanupChan chan<- string

	// stopChan is closed once the Run loop is gone, whether it was stopped
	// explicitly or exited on the inactivity timer. Register and unregister
	// attempts select against it so nothing ever blocks on a dead room.
	stopChan chan struct{}
	stopOnce sync.Once

	// shutdownTimer tracks how long the room has been empty.
	shutdownTimer *time.Timer

	// mu protects the clients map for readers outside the Run loop.
	mu sync.RWMutex

	logger zerolog.Logger
}

// NewRoom creates a Room for the given appointment.
func NewRoom(roomID, fallbackURL, jwtSecret string, cleanupChan chan<- string) *Room {
	roomLogger := logx.Logger().With().
		Str("room_id", roomID).
		Logger()

	return &Room{
		ID:            roomID,
		FallbackURL:   fallbackURL,
		jwtSecret:     jwtSecret,
		clients:       make(map[string]*Client),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		relay:         make(chan relayRequest, relayChannelBuffer),
		cleanupChan:   cleanupChan,
		stopChan:      make(chan struct{}),
		shutdownTimer: time.NewTimer(RoomInactivityTimeout),
		logger:        roomLogger,
	}
}

// Stop terminates the Room's Run loop immediately.
func (r *Room) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
}

// Stopped reports whether the Run loop has terminated. A stopped room must
// not be handed to new clients; the registry replaces it.
func (r *Room) Stopped() bool {
	select {
	case <-r.stopChan:
		return true
	default:
		return false
	}
}

// Run is the room's event loop. It serializes membership mutations, sends
// the join snapshot, broadcasts membership events and forwards negotiation
// messages. It returns when the room has been empty past the inactivity
// timeout or when stopped.
func (r *Room) Run() {
	defer r.shutdownCleanup()

	timerChan := r.shutdownTimer.C

	for {
		select {
		case client := <-r.register:
			r.handleRegister(client)

		case client := <-r.unregister:
			r.handleUnregister(client)

		case req := <-r.relay:
			r.handleRelay(req)

		case <-timerChan:
			r.logger.Info().Msgf("Room inactivity timeout (%s) reached. Shutting down room loop.", RoomInactivityTimeout)
			return

		case <-r.stopChan:
			r.logger.Info().Msg("Room forced stop initiated.")
			return
		}
	}
}

// handleRegister admits a client, replaces any stale connection for the same
// user, sends the membership snapshot to the joiner and announces it to the
// other members.
func (r *Room) handleRegister(client *Client) {
	r.mu.Lock()

	// A user rejoining (new tab, network recovery) kicks their previous
	// connection. Counterparts see user-left for the stale connection id so
	// they tear down the peer link tied to it, then user-joined for the new
	// one.
	var stale *Client
	for connID, existing := range r.clients {
		if existing.participant.UserID == client.participant.UserID {
			delete(r.clients, connID)
			stale = existing
			break
		}
	}

	if r.shutdownTimer.Stop() {
		select {
		case <-r.shutdownTimer.C:
		default:
		}
	}

	r.clients[client.participant.ConnectionID] = client

	others := make([]Participant, 0, len(r.clients)-1)
	for connID, c := range r.clients {
		if connID != client.participant.ConnectionID {
			others = append(others, c.participant)
		}
	}

	total := len(r.clients)
	r.mu.Unlock()

	if stale != nil {
		r.logger.Warn().
			Str("user_id", stale.participant.UserID).
			Str("stale_connection_id", stale.participant.ConnectionID).
			Msg("User reconnected. Kicking stale connection.")

		stale.Kick("Session replaced by a new connection. Check other tabs.")
		r.broadcastEvent(EventUserLeft, UserEventPayload{Participant: stale.participant}, client.participant.ConnectionID)
	}

	r.logger.Info().
		Str("connection_id", client.participant.ConnectionID).
		Str("user_id", client.participant.UserID).
		Int("total_participants", total).
		Msg("Participant joined room.")

	snapshot := RoomJoinedPayload{
		RoomID:       r.ID,
		Self:         client.participant,
		Participants: others,
		FallbackURL:  r.FallbackURL,
	}

	if err := client.SendRoomJoined(snapshot); err != nil {
		// The joiner's queue is already unusable. Undo the admission.
		r.handleUnregister(client)
		return
	}

	r.broadcastEvent(EventUserJoined, UserEventPayload{Participant: client.participant}, client.participant.ConnectionID)
}

// handleUnregister removes a client and announces its departure. Unregisters
// for connections that were already replaced are ignored.
func (r *Room) handleUnregister(client *Client) {
	connID := client.participant.ConnectionID

	r.mu.Lock()

	current, ok := r.clients[connID]
	if !ok || current != client {
		r.mu.Unlock()
		r.logger.Debug().
			Str("connection_id", connID).
			Msg("Ignoring unregister for stale or unknown connection.")
		return
	}

	delete(r.clients, connID)
	empty := len(r.clients) == 0
	total := len(r.clients)

	r.mu.Unlock()

	client.closeSend()

	r.logger.Info().
		Str("connection_id", connID).
		Str("user_id", client.participant.UserID).
		Int("total_participants", total).
		Msg("Participant left room.")

	r.broadcastEvent(EventUserLeft, UserEventPayload{Participant: client.participant}, connID)

	if empty {
		if r.shutdownTimer.Stop() {
			select {
			case <-r.shutdownTimer.C:
			default:
			}
		}
		r.shutdownTimer.Reset(RoomInactivityTimeout)
	}
}

// handleRelay forwards one negotiation message to its target connection.
// Both sender and target must currently be members; otherwise the message
// is dropped silently. A target that just left is an expected race, not an
// error: the initiator's link times out and renegotiates on the next join.
func (r *Room) handleRelay(req relayRequest) {
	senderID := req.from.participant.ConnectionID

	r.mu.RLock()
	sender, senderOK := r.clients[senderID]
	target, targetOK := r.clients[req.payload.TargetConnectionID]
	r.mu.RUnlock()

	if !senderOK || sender != req.from {
		r.logger.Debug().
			Str("sender_connection_id", senderID).
			Str("event", string(req.event)).
			Msg("Dropping relay from a connection that is no longer a member.")
		return
	}

	if !targetOK {
		r.logger.Debug().
			Str("target_connection_id", req.payload.TargetConnectionID).
			Str("event", string(req.event)).
			Msg("Relay target gone. Dropping negotiation message.")
		return
	}

	forwarded := SignalPayload{
		SenderConnectionID: senderID,
		Signal:             req.payload.Signal,
	}

	if err := target.sendEvent(req.event, forwarded); err != nil {
		r.logger.Warn().
			Str("target_connection_id", req.payload.TargetConnectionID).
			Err(err).
			Msg("Failed to queue relayed negotiation message.")
	}
}

// broadcastEvent sends one event to every member except excludeConnID.
func (r *Room) broadcastEvent(eventType EventType, payload any, excludeConnID string) {
	messageBytes, err := EncodeEnvelope(eventType, payload)
	if err != nil {
		r.logger.Error().Err(err).Str("event", string(eventType)).Msg("Error marshaling broadcast event.")
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for connID, client := range r.clients {
		if connID == excludeConnID {
			continue
		}
		if err := client.enqueue(messageBytes); err != nil {
			r.logger.Warn().
				Str("connection_id", connID).
				Str("event", string(eventType)).
				Msg("Member send queue full. Dropping broadcast event.")
		}
	}
}

// shutdownCleanup runs when the Run loop exits: it marks the room stopped,
// notifies the registry and releases every remaining client queue. Closing
// stopChan first means a register or unregister racing the inactivity
// timeout takes the stop path instead of blocking on a loop that is gone.
func (r *Room) shutdownCleanup() {
	r.logger.Info().Msg("Room loop finished. Notifying registry for cleanup.")

	r.Stop()

	if r.shutdownTimer != nil {
		r.shutdownTimer.Stop()
	}

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				logx.Warn("Recovered from panic during registry cleanup notification (channel likely closed).")
			}
		}()

		select {
		case r.cleanupChan <- r.ID:
		default:
			r.logger.Warn().Msg("Registry cleanup channel blocked. Skipping cleanup notification.")
		}
	}()

	r.mu.Lock()
	for _, client := range r.clients {
		client.closeSend()
	}
	r.clients = make(map[string]*Client)
	r.mu.Unlock()
}

// RegisterClient queues a client for admission to the room.
func (r *Room) RegisterClient(client *Client) {
	select {
	case r.register <- client:
	case <-r.stopChan:
		r.logger.Warn().Msg("Register rejected: room is stopping.")
		client.SendError(errs.NewError(errs.ErrRoomNotJoinable))
		client.closeSend()
	}
}

// Relay queues one negotiation message for forwarding. The call never
// blocks the sender's read pump; when the relay queue is saturated the
// message is dropped and the initiator's timeout recovers.
func (r *Room) Relay(from *Client, event EventType, payload SignalPayload) {
	select {
	case r.relay <- relayRequest{from: from, event: event, payload: payload}:
	default:
		r.logger.Warn().
			Str("event", string(event)).
			Msg("Relay queue full. Dropping negotiation message.")
	}
}

// Len returns the current number of members.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
