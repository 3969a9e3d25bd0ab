/*
Package randx provides generation and validation helpers for the identifiers
used by the session layer: per-connection channel ids and appointment room
ids.
*/
package randx

import (
	"github.com/google/uuid"
)

// ConnectionID generates a fresh channel connection identifier.
// Connection ids are ephemeral: a reconnecting user always receives a new
// one, and counterparts key their peer links by it.
func ConnectionID() string {
	return uuid.New().String()
}

// IsValidRoomID reports whether the given string is a well-formed room id.
// Room ids are appointment identifiers, which are UUIDs.
func IsValidRoomID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
