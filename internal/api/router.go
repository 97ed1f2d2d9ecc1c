package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Unauthenticated
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		// WebSocket authenticates with a ticket, checked in the handler.
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Route("/pairing", func(r chi.Router) {
				r.Get("/", s.handleGetPairing)
				r.Post("/", s.handleStartPairing)
				r.Delete("/", s.handleCancelPairing)
				r.Post("/wifi", s.handleProvisionWifi)
			})

			r.Post("/claim", s.handleClaim)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Delete("/", s.handleDeleteDevice)
					r.Get("/local", s.handleLocalLookup)

					// Proxied to the device's own HTTP API.
					r.Get("/config", s.handleFetchDeviceConfig)
					r.Put("/config", s.handleSaveDeviceConfig)
					r.Post("/restart", s.handleRestartDevice)
					r.Post("/logout", s.handleDeviceLogout)
					r.Route("/files", func(r chi.Router) {
						r.Get("/", s.handleListDeviceFiles)
						r.Post("/mkdir", s.handleDeviceMkdir)
						r.Post("/rename", s.handleRenameDeviceFile)
						r.Post("/delete", s.handleDeleteDeviceFile)
						r.Post("/upload", s.handleUploadDeviceFile)
					})
				})
			})

			r.Route("/channels", func(r chi.Router) {
				r.Get("/", s.handleListChannels)
				r.Post("/", s.handleOpenChannel)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetChannel)
					r.Delete("/", s.handleCloseChannel)
					r.Post("/send", s.handleSendChannel)
				})
			})

			r.Get("/frames/{handle}", s.handleGetFrame)

			r.Get("/activity", s.handleListActivity)
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
