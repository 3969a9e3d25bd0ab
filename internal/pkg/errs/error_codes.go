/*
Package errs provides custom error types and application-level error code constants.

These codes identify specific business or system errors both inside the
server and in responses and channel messages sent to clients.
*/
package errs

// 1xxx: General Request Handling Errors
const (
	// ErrInvalidParams indicates that request parameter validation failed.
	ErrInvalidParams = 1001

	// ErrUnsupportedMediaType indicates that the request Content-Type is not supported.
	ErrUnsupportedMediaType = 1002

	// ErrInvalidJSONFormat indicates that the request body JSON is malformed.
	ErrInvalidJSONFormat = 1003

	// ErrExtraContentInBody indicates trailing content after valid JSON data.
	ErrExtraContentInBody = 1004

	// ErrRateLimitExceeded indicates that the request rate exceeded the limit.
	ErrRateLimitExceeded = 1005
)

// 2xxx: Session and Room Business Logic Errors
const (
	// ErrAppointmentNotFound indicates that the referenced appointment does not exist.
	ErrAppointmentNotFound = 2101

	// ErrRoomForbidden indicates that the caller is not a participant of the
	// appointment backing the requested room.
	ErrRoomForbidden = 2102

	// ErrRoomNotJoinable indicates that the room rejected the join attempt
	// (e.g. the session has ended or the room is shutting down).
	ErrRoomNotJoinable = 2103

	// ErrSessionKicked indicates that the current channel connection was
	// replaced by a newer connection for the same user.
	ErrSessionKicked = 2201
)

// 3xxx: Authentication and Token Errors
const (
	// ErrUnauthorized indicates a missing or invalid identity token.
	ErrUnauthorized = 3001

	// ErrRoomTokenInvalid indicates an invalid or expired room-access token.
	ErrRoomTokenInvalid = 3002

	// ErrRoomTokenMismatch indicates a room-access token presented for a
	// different room than it was issued for.
	ErrRoomTokenMismatch = 3003
)

// 5xxx: Internal System Errors
const (
	// ErrUnknown represents an unclassified internal server error.
	ErrUnknown = 5000
)
