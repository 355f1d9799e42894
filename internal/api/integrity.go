/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"net/http"

	"github.com/friendsincode/skald_jukebox/internal/integrity"
	"github.com/friendsincode/skald_jukebox/internal/models"
)

type repairRequest struct {
	Type       string `json:"type"`
	ResourceID int64  `json:"resource_id"`
}

func (a *API) handleIntegrityScan(w http.ResponseWriter, r *http.Request) {
	report, err := a.integrity.Scan(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("integrity scan failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleIntegrityRepair(w http.ResponseWriter, r *http.Request) {
	var req repairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" || req.ResourceID == 0 {
		writeError(w, http.StatusBadRequest, "type and resource_id are required")
		return
	}

	result, err := a.integrity.Repair(r.Context(), integrity.RepairInput{
		Type:       integrity.FindingType(req.Type),
		ResourceID: req.ResourceID,
	})
	if err != nil {
		a.logger.Error().Err(err).Str("type", req.Type).Msg("integrity repair failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.audit.Record(r, models.AuditActionIntegrityRepair, 0, req.ResourceID, map[string]any{
		"type":    req.Type,
		"changed": result.Changed,
	})
	writeJSON(w, http.StatusOK, result)
}
