/*
Package handler provides the HTTP handlers and routing setup for the
Telecare Session Server.

This file contains the REST handlers around session access: issuing
room-scoped tokens for an appointment and exposing the appointment's
fallback meeting link.
*/
package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"telecare/internal/app/appt"
	"telecare/internal/pkg/auth/jwt"
	"telecare/internal/pkg/errs"
	"telecare/internal/pkg/logx"
	"telecare/internal/pkg/randx"
	"telecare/internal/pkg/req"
	"telecare/internal/pkg/resp"
)

type SessionTokenInput struct {
	// AppointmentID identifies the appointment whose room is being joined.
	AppointmentID string `json:"appointmentId"`
}

// HandleSessionToken issues a short-lived room-access token for one
// appointment room. The caller must present a valid identity token and be a
// party to the appointment; authorization is delegated to the appointment
// store.
func HandleSessionToken(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := jwt.GetPayloadFromContext(r)
		if identity == nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrUnauthorized))
			return
		}

		var input SessionTokenInput
		if customErr := req.BindJSON(r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		if !randx.IsValidRoomID(input.AppointmentID) {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		appointment, err := deps.Appointments.GetAppointment(r.Context(), input.AppointmentID)
		if err != nil {
			if errors.Is(err, appt.ErrNotFound) {
				resp.RespondError(w, r, errs.NewError(errs.ErrAppointmentNotFound))
				return
			}
			logx.Error(err, "Failed to fetch appointment", "appointment_id", input.AppointmentID)
			resp.RespondError(w, r, errs.NewError(errs.ErrUnknown))
			return
		}

		role := appointment.Role(identity.ID)
		if role == "" {
			logx.Warn("Session token rejected: caller not a party to appointment",
				"appointment_id", input.AppointmentID, "user_id", identity.ID)
			resp.RespondError(w, r, errs.NewError(errs.ErrRoomForbidden))
			return
		}

		payload := &jwt.Payload{
			ID:          identity.ID,
			RoomID:      appointment.ID,
			Role:        role,
			DisplayName: identity.DisplayName,
		}

		tokenString, err := jwt.GenerateToken(payload, deps.Config.JWTSecret, jwt.RoomAccessExpiration)
		if err != nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrUnknown))
			return
		}

		resp.RespondSuccess(w, r, map[string]any{
			"token":                     tokenString,
			"roomId":                    appointment.ID,
			"fallbackUrl":               appointment.FallbackURL,
			"stunServers":               deps.Config.STUNServers,
			"negotiationTimeoutSeconds": int(deps.Config.NegotiationTimeout / time.Second),
		})
	}
}

// HandleSessionFallback returns the precomputed external meeting link for an
// appointment, so the UI can offer it after a peer link failure without
// re-issuing a token.
func HandleSessionFallback(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := jwt.GetPayloadFromContext(r)
		if identity == nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrUnauthorized))
			return
		}

		appointmentID := chi.URLParam(r, "appointmentID")
		if !randx.IsValidRoomID(appointmentID) {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		appointment, err := deps.Appointments.GetAppointment(r.Context(), appointmentID)
		if err != nil {
			if errors.Is(err, appt.ErrNotFound) {
				resp.RespondError(w, r, errs.NewError(errs.ErrAppointmentNotFound))
				return
			}
			logx.Error(err, "Failed to fetch appointment", "appointment_id", appointmentID)
			resp.RespondError(w, r, errs.NewError(errs.ErrUnknown))
			return
		}

		if appointment.Role(identity.ID) == "" {
			resp.RespondError(w, r, errs.NewError(errs.ErrRoomForbidden))
			return
		}

		resp.RespondSuccess(w, r, map[string]any{
			"fallbackUrl": appointment.FallbackURL,
		})
	}
}
