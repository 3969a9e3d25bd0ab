/*
Package handler provides the HTTP handlers and routing setup for the
Telecare Session Server.

This file defines the main Router, applying logging, CORS and per-IP rate
limiting before delegating to the REST and channel handlers.
*/
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"telecare/internal/pkg/auth/jwt"
	"telecare/internal/pkg/limiter"
	"telecare/internal/pkg/logx"
	"telecare/internal/pkg/resp"
)

const (
	TokenRate    = 0.2
	TokenBurst   = 5
	ChannelRate  = 0.2
	ChannelBurst = 5
)

// Router sets up the chi routing table: CORS, request logging, identity
// extraction for the REST API, rate limiting on token issuance and channel
// upgrades.
func Router(deps *AppDeps) http.Handler {
	tokenLimiter := limiter.NewIPRateLimiter(rate.Limit(TokenRate), TokenBurst)
	channelLimiter := limiter.NewIPRateLimiter(rate.Limit(ChannelRate), ChannelBurst)

	r := chi.NewRouter()

	allowedOrigins := make(map[string]struct{})
	for _, origin := range deps.Config.AllowedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	var wsUpgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if deps.Config.Environment == "development" {
				return true
			}

			origin := r.Header.Get("Origin")
			if _, ok := allowedOrigins[origin]; ok {
				return true
			}

			logx.Warn("Channel connection rejected: origin not allowed.", "origin", origin)
			return false
		},
	}

	corsAllowedOrigins := []string{}
	if deps.Config.Environment == "development" {
		corsAllowedOrigins = []string{"*"}
	} else if len(deps.Config.AllowedOrigins) > 0 {
		corsAllowedOrigins = deps.Config.AllowedOrigins
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{},
		AllowCredentials: true,
		MaxAge:           300,
	})
	r.Use(c.Handler)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logx.RequestLogger())
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		data := map[string]string{
			"status":  "ok",
			"service": "Telecare Session Server",
		}
		resp.RespondSuccess(w, r, data)
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(jwt.IdentityExtractorMiddleware(deps.Config.JWTSecret))

		api.Route("/session", func(sess chi.Router) {
			rateLimitedToken := tokenLimiter.Middleware(HandleSessionToken(deps))
			sess.Post("/token", http.HandlerFunc(rateLimitedToken.ServeHTTP))
			sess.Get("/{appointmentID}/fallback", HandleSessionFallback(deps))
		})
	})

	r.Get("/ws/{roomID}", HandleChannel(wsUpgrader, channelLimiter, deps))

	return r
}
