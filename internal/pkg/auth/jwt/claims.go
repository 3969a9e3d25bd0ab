package jwt

import "github.com/golang-jwt/jwt"

// Payload defines the JWT claims used by the session service.
// It combines the standard claims with the fields needed to identify a
// participant and scope a token to one appointment room.
type Payload struct {
	// StandardClaims embeds Exp, Iat and Iss, used for validity checks.
	jwt.StandardClaims `json:"standard_claims"`

	// ID is the stable user identifier supplied by the identity provider.
	ID string `json:"id"`

	// RoomID is the appointment room this token grants access to.
	// Empty for long-lived identity tokens, which are not room-scoped.
	RoomID string `json:"room_id,omitempty"`

	// Role is the participant role within the appointment
	// ("therapist" or "patient").
	Role string `json:"role"`

	// DisplayName is the name shown to other session participants.
	DisplayName string `json:"display_name"`
}
