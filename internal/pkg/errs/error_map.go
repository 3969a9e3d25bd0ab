/*
Package errs provides custom error types and application-level error code constants.

This file defines the map from error codes to CustomError templates, used to
standardize HTTP responses and channel error payloads.
*/
package errs

import "net/http"

// errorMap stores the CustomError template for every application error code.
var errorMap = map[int]CustomError{
	// 1xxx: General Request Handling Errors
	ErrInvalidParams:        {Code: ErrInvalidParams, Message: "Invalid request parameters."},
	ErrUnsupportedMediaType: {Code: ErrUnsupportedMediaType, Message: "Unsupported request format."},
	ErrInvalidJSONFormat:    {Code: ErrInvalidJSONFormat, Message: "Unsupported request format."},
	ErrExtraContentInBody:   {Code: ErrExtraContentInBody, Message: "Request contains unexpected data."},
	ErrRateLimitExceeded:    {Code: ErrRateLimitExceeded, Message: "Too many requests. Please try again later.", Status: http.StatusTooManyRequests},

	// 2xxx: Session and Room Business Logic Errors
	ErrAppointmentNotFound: {Code: ErrAppointmentNotFound, Message: "Appointment not found.", Status: http.StatusNotFound},
	ErrRoomForbidden:       {Code: ErrRoomForbidden, Message: "You are not a participant of this session.", Status: http.StatusForbidden},
	ErrRoomNotJoinable:     {Code: ErrRoomNotJoinable, Message: "This session cannot be joined right now."},
	ErrSessionKicked:       {Code: ErrSessionKicked, Message: "You joined this session from another device or tab."},

	// 3xxx: Authentication and Token Errors
	ErrUnauthorized:      {Code: ErrUnauthorized, Message: "Please sign in to continue.", Status: http.StatusUnauthorized},
	ErrRoomTokenInvalid:  {Code: ErrRoomTokenInvalid, Message: "Your session link has expired. Please rejoin.", Status: http.StatusUnauthorized},
	ErrRoomTokenMismatch: {Code: ErrRoomTokenMismatch, Message: "This session link is for a different appointment.", Status: http.StatusForbidden},

	// 5xxx: Internal System Errors
	ErrUnknown: {Code: ErrUnknown, Message: "Something went wrong. Please try again.", Status: http.StatusInternalServerError},
}
