/*
Package session contains the server-side core of the real-time video session
layer: the room registry, the per-room membership and relay loop, the channel
client pumps, and the wire contract shared with clients.
*/
package session

// Participant roles within an appointment room.
const (
	RoleTherapist = "therapist"
	RolePatient   = "patient"
)

// Participant is one authenticated user attached to a room through one
// channel connection.
type Participant struct {
	// ConnectionID uniquely identifies the physical channel connection.
	// It is ephemeral: a reconnecting user receives a fresh one, and
	// counterparts key their peer links by it.
	ConnectionID string `json:"connectionId"`

	// UserID is the stable identity supplied by the identity provider.
	UserID string `json:"userId"`

	// Role is the participant's role in the appointment.
	Role string `json:"role"`

	// DisplayName is shown to the other session participants.
	DisplayName string `json:"displayName"`
}
