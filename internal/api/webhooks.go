/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/friendsincode/skald_jukebox/internal/models"
)

type createWebhookRequest struct {
	StreamID int64  `json:"stream_id"`
	URL      string `json:"url"`
	Secret   string `json:"secret"`
	Events   string `json:"events"`
}

func (a *API) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	var streamID int64
	if raw := r.URL.Query().Get("stream_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid stream_id")
			return
		}
		streamID = id
	}

	targets, err := a.hooks.Targets(r.Context(), streamID)
	if err != nil {
		a.logger.Error().Err(err).Msg("listing webhook targets failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, targets)
}

func (a *API) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	target := models.WebhookTarget{
		StreamID: req.StreamID,
		URL:      req.URL,
		Secret:   req.Secret,
		Events:   req.Events,
		Active:   true,
	}
	if err := a.hooks.CreateTarget(r.Context(), &target); err != nil {
		a.logger.Error().Err(err).Msg("creating webhook target failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.audit.Record(r, models.AuditActionWebhookCreate, target.StreamID, target.ID, map[string]any{"url": target.URL})
	writeJSON(w, http.StatusCreated, target)
}

func (a *API) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "webhookID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid webhook id")
		return
	}

	if err := a.hooks.DeleteTarget(r.Context(), id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "webhook not found")
			return
		}
		a.logger.Error().Err(err).Msg("deleting webhook target failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.audit.Record(r, models.AuditActionWebhookDelete, 0, id, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "webhookID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid webhook id")
		return
	}

	target, err := a.hooks.Target(r.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "webhook not found")
			return
		}
		a.logger.Error().Err(err).Msg("loading webhook target failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := a.hooks.TestTarget(r.Context(), &target); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}
