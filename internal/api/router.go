package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prefix is the mount point of the client API.
const Prefix = "/_matrix/client/v3"

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)
	r.Use(s.instrument)

	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route(Prefix, func(r chi.Router) {
		r.Use(s.jwt.AuthMiddleware)
		r.Use(s.limiter.middleware)

		r.Route("/keys", func(r chi.Router) {
			r.Post("/upload", s.uploadKeys)
			r.Post("/query", s.queryKeys)
			r.Post("/claim", s.claimKeys)
			r.Get("/changes", s.keyChanges)

			r.Post("/device_signing/upload", s.uploadCrossSigningKeys)
			r.Delete("/device_signing", s.deleteCrossSigningKeys)
			r.Post("/signatures/upload", s.uploadSignatures)
			r.Post("/signatures/verify", s.verifySignature)
			r.Get("/trust/{userID}/{deviceID}", s.deviceTrust)
		})
		r.Delete("/devices/{deviceID}/keys", s.deleteDeviceKeys)

		r.Route("/room_keys", func(r chi.Router) {
			r.Post("/version", s.createBackupVersion)
			r.Get("/version", s.getBackupVersion)
			r.Get("/version/{version}", s.getBackupVersion)
			r.Put("/version/{version}", s.updateBackupVersion)
			r.Delete("/version/{version}", s.deleteBackupVersion)

			r.Put("/keys", s.putBackupKeys)
			r.Get("/keys", s.getBackupKeys)
			r.Delete("/keys", s.deleteBackupKeys)
			r.Put("/keys/{roomID}", s.putBackupKeys)
			r.Get("/keys/{roomID}", s.getBackupKeys)
			r.Delete("/keys/{roomID}", s.deleteBackupKeys)
			r.Put("/keys/{roomID}/{sessionID}", s.putBackupKeys)
			r.Get("/keys/{roomID}/{sessionID}", s.getBackupKeys)
			r.Delete("/keys/{roomID}/{sessionID}", s.deleteBackupKeys)

			r.Post("/requests", s.createKeyRequest)
			r.Get("/requests", s.pendingKeyRequests)
			r.Post("/requests/{requestID}/fulfill", s.fulfillKeyRequest)
			r.Delete("/requests/{requestID}", s.cancelKeyRequest)
		})

		r.Route("/secret_storage", func(r chi.Router) {
			r.Post("/keys", s.createStorageKey)
			r.Get("/keys", s.getStorageKeys)
			r.Get("/keys/{keyID}", s.getStorageKey)
			r.Delete("/keys/{keyID}", s.deleteStorageKey)
			r.Get("/secrets", s.listSecrets)
			r.Put("/secrets/{name}", s.storeSecret)
			r.Post("/secrets/get", s.getSecrets)
			r.Post("/secrets/delete", s.deleteSecrets)
			r.Get("/has_secrets", s.hasSecrets)
		})

		r.Put("/sendToDevice/{eventType}/{txnID}", s.sendToDevice)
		r.Get("/to_device", s.getToDevice)
		r.Post("/to_device/delete", s.deleteToDevice)

		r.Put("/events/{eventID}/signature", s.signEvent)
		r.Get("/events/{eventID}/signatures", s.eventSignatures)
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.svc.Ping != nil {
		if err := s.svc.Ping(r.Context()); err != nil {
			s.log.Error("health check failed", "error", err)
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
