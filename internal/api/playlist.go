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

	"github.com/friendsincode/skald_jukebox/internal/auth"
	"github.com/friendsincode/skald_jukebox/internal/catalog"
	"github.com/friendsincode/skald_jukebox/internal/events"
	"github.com/friendsincode/skald_jukebox/internal/models"
)

type addToPlaylistRequest struct {
	TrackID int64 `json:"track_id"`
}

func (a *API) handleAddToPlaylist(w http.ResponseWriter, r *http.Request) {
	streamID, ok := streamIDParam(w, r)
	if !ok {
		return
	}
	identity, _ := auth.IdentityFromContext(r.Context())

	var req addToPlaylistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TrackID <= 0 {
		writeError(w, http.StatusBadRequest, "track_id required")
		return
	}

	if _, err := a.store.Track(r.Context(), req.TrackID); err != nil {
		writeError(w, http.StatusNotFound, "unknown track")
		return
	}

	item, err := a.store.EnqueueUser(r.Context(), streamID, identity.OwnerID, req.TrackID, a.limits.MaxQueueDepth, a.limits.TitlesPerUser)
	switch {
	case errors.Is(err, catalog.ErrAlreadyPresent):
		writeError(w, http.StatusConflict, "track already queued or playing")
		return
	case errors.Is(err, catalog.ErrQuotaExceeded):
		writeError(w, http.StatusTooManyRequests, "playlist quota exceeded")
		return
	case err != nil:
		a.logger.Error().Err(err).Int64("stream", streamID).Msg("enqueue failed")
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	a.bus.Publish(events.EventTrackQueued, events.Payload{
		"stream_id": streamID,
		"track_id":  req.TrackID,
		"owner_id":  identity.OwnerID,
	})
	a.bus.Publish(events.EventPlaylistChanged, events.Payload{"stream_id": streamID})
	a.audit.Record(r, models.AuditActionPlaylistAdd, streamID, item.ID, map[string]any{"track_id": req.TrackID})

	writeJSON(w, http.StatusCreated, item)
}

func (a *API) handleRemoveFromPlaylist(w http.ResponseWriter, r *http.Request) {
	streamID, ok := streamIDParam(w, r)
	if !ok {
		return
	}
	identity, _ := auth.IdentityFromContext(r.Context())

	itemID, err := strconv.ParseInt(chi.URLParam(r, "itemID"), 10, 64)
	if err != nil || itemID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid playlist item id")
		return
	}

	err = a.store.RemoveItem(r.Context(), streamID, itemID, identity.OwnerID, identity.Admin)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "playlist entry not found")
		return
	case errors.Is(err, catalog.ErrForbidden):
		writeError(w, http.StatusForbidden, "not allowed to remove this entry")
		return
	case err != nil:
		a.logger.Error().Err(err).Int64("stream", streamID).Msg("remove failed")
		writeError(w, http.StatusInternalServerError, "remove failed")
		return
	}

	a.bus.Publish(events.EventTrackRemoved, events.Payload{
		"stream_id": streamID,
		"item_id":   itemID,
	})
	a.bus.Publish(events.EventPlaylistChanged, events.Payload{"stream_id": streamID})
	a.audit.Record(r, models.AuditActionPlaylistRemove, streamID, itemID, nil)

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSkip(w http.ResponseWriter, r *http.Request) {
	streamID, ok := streamIDParam(w, r)
	if !ok {
		return
	}

	if err := a.manager.Skip(streamID); err != nil {
		writeError(w, http.StatusNotFound, "stream is not running")
		return
	}

	a.bus.Publish(events.EventStreamSkipped, events.Payload{"stream_id": streamID})
	a.audit.Record(r, models.AuditActionStreamSkip, streamID, 0, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "skipping"})
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	streamID, ok := streamIDParam(w, r)
	if !ok {
		return
	}

	if err := a.manager.StopStream(streamID); err != nil {
		writeError(w, http.StatusNotFound, "stream is not running")
		return
	}

	a.bus.Publish(events.EventStreamStopped, events.Payload{"stream_id": streamID})
	a.audit.Record(r, models.AuditActionStreamStop, streamID, 0, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}
