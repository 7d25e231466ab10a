package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Emailed approval links land here; must match the link format
	// built by the challenge flow. Status only: approval requires the
	// POST below so link prefetchers cannot approve.
	r.Get("/auth/verify", s.handleVerifyStatus)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Hub-facing endpoints. No operator auth: each request carries
		// its own proof (HMAC pairing signature or a hub token).
		r.Route("/hub", func(r chi.Router) {
			r.Post("/pair", s.handlePair)
			r.Post("/token-ack", s.handleTokenAck)
			r.Post("/verify-token", s.handleVerifyToken)
		})

		// Login and challenge polling (no auth required: a device
		// waiting on its first trust approval has no token yet).
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/verify", s.handleApprove)
		r.Get("/auth/challenges/{id}", s.handleChallengeStatus)
		r.Get("/auth/challenges/{id}/ws", s.handleChallengeWS)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/auth/me", s.handleMe)
			r.Post("/auth/logout-all", s.handleLogoutAll)

			// In-session step-up challenges
			r.Route("/challenges", func(r chi.Router) {
				r.Post("/", s.handleCreateChallenge)
				r.Get("/{id}", s.handleGetChallenge)
				r.Post("/{id}/consume", s.handleConsumeChallenge)
			})

			// Trusted device management
			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.Delete("/{deviceID}", s.handleRevokeDevice)
			})

			// Hub administration
			r.Route("/hubs", func(r chi.Router) {
				r.Use(s.requireAdmin)

				r.Get("/", s.handleListHubs)
				r.Post("/", s.handleRegisterHub)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetHub)
					r.Post("/rotate", s.handleRotateHub)
					r.Post("/deactivate", s.handleDeactivateHub)

					r.Route("/credentials", func(r chi.Router) {
						r.Get("/", s.handleListCredentials)
						r.Put("/{name}", s.handlePutCredential)
						r.Delete("/{name}", s.handleDeleteCredential)
						r.Post("/{name}/reveal", s.handleRevealCredential)
					})
				})
			})

			// Audit trail
			r.With(s.requireAdmin).Get("/audit", s.handleListAudit)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
