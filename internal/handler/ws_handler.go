/*
Package handler provides the HTTP handlers and routing setup for the
Telecare Session Server.

This file contains the signaling channel endpoint: it validates the
room-access token, re-checks appointment authorization, upgrades the
connection to WebSocket and starts the client pumps.
*/
package handler

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"telecare/internal/app/appt"
	"telecare/internal/app/session"
	"telecare/internal/pkg/auth/jwt"
	"telecare/internal/pkg/errs"
	"telecare/internal/pkg/limiter"
	"telecare/internal/pkg/logx"
	"telecare/internal/pkg/randx"
	"telecare/internal/pkg/resp"
)

// HandleChannel processes signaling channel connection requests on
// GET /ws/{roomID}?token=... . Browsers cannot set headers on a WebSocket
// handshake, so the room-access token travels as a query parameter.
func HandleChannel(upgrader websocket.Upgrader, rateLimiter *limiter.IPRateLimiter, deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}

		if ip == "" {
			ip = "unknown_ip"
		}

		if !rateLimiter.GetLimiter(ip).Allow() {
			logx.Warn("Channel connection rejected: rate limit exceeded.", "ip", ip)
			resp.RespondError(w, r, errs.NewError(errs.ErrRateLimitExceeded))
			return
		}

		roomID := chi.URLParam(r, "roomID")
		if !randx.IsValidRoomID(roomID) {
			logx.Warn("Channel request rejected: invalid room id")
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		tokenString := r.URL.Query().Get("token")
		if tokenString == "" {
			resp.RespondError(w, r, errs.NewError(errs.ErrRoomTokenInvalid))
			return
		}

		payload, err := jwt.ParseToken(tokenString, deps.Config.JWTSecret)
		if err != nil {
			logx.Warn("Channel request rejected: invalid room token", "error", err)
			resp.RespondError(w, r, errs.NewError(errs.ErrRoomTokenInvalid))
			return
		}

		if payload.RoomID != roomID {
			logx.Warn("Channel request rejected: token issued for different room",
				"room_id", roomID, "token_room_id", payload.RoomID)
			resp.RespondError(w, r, errs.NewError(errs.ErrRoomTokenMismatch))
			return
		}

		// The token already proves the caller was authorized at issuance;
		// re-check against the appointment record so a reassigned or
		// cancelled appointment cannot be joined with an old token.
		appointment, err := deps.Appointments.GetAppointment(r.Context(), roomID)
		if err != nil {
			if errors.Is(err, appt.ErrNotFound) {
				resp.RespondError(w, r, errs.NewError(errs.ErrAppointmentNotFound))
				return
			}
			logx.Error(err, "Failed to fetch appointment for channel join", "room_id", roomID)
			resp.RespondError(w, r, errs.NewError(errs.ErrUnknown))
			return
		}

		role := appointment.Role(payload.ID)
		if role == "" {
			logx.Warn("Channel request rejected: user no longer authorized for room",
				"room_id", roomID, "user_id", payload.ID)
			resp.RespondError(w, r, errs.NewError(errs.ErrRoomForbidden))
			return
		}

		participant := session.Participant{
			ConnectionID: randx.ConnectionID(),
			UserID:       payload.ID,
			Role:         role,
			DisplayName:  payload.DisplayName,
		}

		logx.Info("Attempting to upgrade channel connection",
			"room_id", roomID, "user_id", payload.ID, "connection_id", participant.ConnectionID)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logx.Error(err, "Failed to upgrade connection to WebSocket")
			return
		}

		room := deps.Registry.GetOrCreateRoom(roomID, appointment.FallbackURL)

		tokenExpiry := time.Unix(payload.ExpiresAt, 0)
		client := session.NewClient(room, conn, participant, tokenExpiry)

		go client.WritePump()

		room.RegisterClient(client)

		client.ReadPump()
	}
}
