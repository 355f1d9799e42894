/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/friendsincode/skald_jukebox/internal/audit"
	"github.com/friendsincode/skald_jukebox/internal/auth"
	"github.com/friendsincode/skald_jukebox/internal/catalog"
	"github.com/friendsincode/skald_jukebox/internal/engine"
	"github.com/friendsincode/skald_jukebox/internal/eventbus"
	"github.com/friendsincode/skald_jukebox/internal/integrity"
	"github.com/friendsincode/skald_jukebox/internal/logbuffer"
	"github.com/friendsincode/skald_jukebox/internal/webhooks"
)

// Limits are the playlist quotas enforced on user requests.
type Limits struct {
	MaxQueueDepth int
	TitlesPerUser int
}

// API exposes HTTP handlers.
type API struct {
	store          *catalog.Store
	manager        *engine.Manager
	bus            eventbus.EventBus
	users          *auth.Users
	hooks          *webhooks.Service
	integrity      *integrity.Service
	logs           *logbuffer.Buffer
	audit          *audit.Service
	jwtSecret      []byte
	limits         Limits
	longPollWindow time.Duration
	logger         zerolog.Logger
}

// New creates the API router wrapper.
func New(store *catalog.Store, manager *engine.Manager, bus eventbus.EventBus, users *auth.Users, hooks *webhooks.Service, checker *integrity.Service, logs *logbuffer.Buffer, auditor *audit.Service, jwtSecret []byte, limits Limits, longPollWindow time.Duration, logger zerolog.Logger) *API {
	if longPollWindow <= 0 {
		longPollWindow = 30 * time.Second
	}
	return &API{
		store:          store,
		manager:        manager,
		bus:            bus,
		users:          users,
		hooks:          hooks,
		integrity:      checker,
		logs:           logs,
		audit:          auditor,
		jwtSecret:      jwtSecret,
		limits:         limits,
		longPollWindow: longPollWindow,
		logger:         logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts API routes on provided router.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)
		r.Post("/auth/login", a.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(auth.Identify(a.jwtSecret))

			r.Route("/streams/{streamID}", func(r chi.Router) {
				r.Get("/state", a.handleGetState)
				r.Get("/ws", a.handleStateSocket)

				r.Route("/playlist", func(r chi.Router) {
					r.Post("/", a.handleAddToPlaylist)
					r.Delete("/{itemID}", a.handleRemoveFromPlaylist)
				})

				r.Post("/skip", a.handleSkip)
				r.With(auth.RequireAdmin).Post("/stop", a.handleStop)
			})

			r.Get("/tracks", a.handleSearchTracks)

			r.Route("/admin", func(r chi.Router) {
				r.Use(auth.RequireAdmin)

				r.Route("/webhooks", func(r chi.Router) {
					r.Get("/", a.handleListWebhooks)
					r.Post("/", a.handleCreateWebhook)
					r.Delete("/{webhookID}", a.handleDeleteWebhook)
					r.Post("/{webhookID}/test", a.handleTestWebhook)
				})

				r.Get("/integrity", a.handleIntegrityScan)
				r.Post("/integrity/repair", a.handleIntegrityRepair)

				r.Get("/logs", a.handleQueryLogs)
				r.Get("/logs/stats", a.handleLogStats)

				r.Get("/audit", a.handleQueryAudit)
			})
		})
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
