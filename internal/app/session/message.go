package session

import "encoding/json"

// EventType names an event on the signaling channel.
type EventType string

// Channel events. Joining a room is implicit in the channel URL
// (GET /ws/{roomID}), so there is no explicit join event; everything else
// travels as an Envelope.
const (
	// EventRoomJoined carries the membership snapshot to a joining client.
	EventRoomJoined EventType = "room-joined"

	// EventUserJoined announces a new participant to the other members.
	EventUserJoined EventType = "user-joined"

	// EventUserLeft announces a departed participant to the remaining members.
	EventUserLeft EventType = "user-left"

	// EventOffer, EventAnswer and EventCandidate carry negotiation payloads
	// between exactly one pair of connections. The server treats the payload
	// as opaque and never broadcasts it.
	EventOffer     EventType = "webrtc-offer"
	EventAnswer    EventType = "webrtc-answer"
	EventCandidate EventType = "ice-candidate"

	// EventError carries a coded error to one client.
	EventError EventType = "error"

	// EventTokenUpdate delivers a refreshed room-access token before the
	// current one expires.
	EventTokenUpdate EventType = "token-update"
)

// Envelope is the frame for every message on the signaling channel.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RoomJoinedPayload is the snapshot sent to a client that just joined.
type RoomJoinedPayload struct {
	RoomID string `json:"roomId"`

	// Self echoes the joining participant, including the connection id the
	// server assigned to it.
	Self Participant `json:"self"`

	// Participants lists the members present before this join. The joining
	// client initiates one peer link toward each of them.
	Participants []Participant `json:"participants"`

	// FallbackURL is the external meeting link the UI offers when a peer
	// link cannot be established.
	FallbackURL string `json:"fallbackUrl,omitempty"`
}

// UserEventPayload accompanies user-joined and user-left events.
type UserEventPayload struct {
	Participant Participant `json:"participant"`
}

// SignalPayload wraps one negotiation message (offer, answer or candidate).
// Clients set TargetConnectionID; the relay strips it and stamps
// SenderConnectionID on the forwarded copy so the receiver knows which
// counterpart the signal belongs to.
type SignalPayload struct {
	TargetConnectionID string `json:"targetConnectionId,omitempty"`
	SenderConnectionID string `json:"senderConnectionId,omitempty"`

	// Signal is the opaque negotiation payload. The server never inspects it.
	Signal json.RawMessage `json:"signal"`
}

// ErrorPayload carries a coded error over the channel.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// TokenUpdatePayload carries a refreshed room-access token.
type TokenUpdatePayload struct {
	Token string `json:"token"`
}

// NewEnvelope marshals payload and wraps it in an Envelope of the given type.
func NewEnvelope(eventType EventType, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{Type: eventType, Payload: raw}, nil
}

// EncodeEnvelope marshals payload and the surrounding Envelope in one step,
// returning the bytes to put on the wire.
func EncodeEnvelope(eventType EventType, payload any) ([]byte, error) {
	env, err := NewEnvelope(eventType, payload)
	if err != nil {
		return nil, err
	}

	return json.Marshal(env)
}
