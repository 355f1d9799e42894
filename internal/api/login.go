package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/friendsincode/skald_jukebox/internal/auth"
	"github.com/friendsincode/skald_jukebox/internal/models"
)

const tokenTTL = 24 * time.Hour

type loginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token  string `json:"token"`
	UserID int64  `json:"user_id"`
	Name   string `json:"name"`
	Admin  bool   `json:"admin"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name and password required")
		return
	}

	user, err := a.users.Authenticate(r.Context(), req.Name, req.Password)
	if errors.Is(err, auth.ErrBadCredentials) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("login failed")
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	token, err := auth.Issue(a.jwtSecret, auth.Claims{UserID: user.ID, Name: user.Name, Admin: user.Admin}, tokenTTL)
	if err != nil {
		a.logger.Error().Err(err).Msg("token issue failed")
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	a.audit.Record(r, models.AuditActionLogin, 0, user.ID, map[string]any{"name": user.Name})

	writeJSON(w, http.StatusOK, loginResponse{
		Token:  token,
		UserID: user.ID,
		Name:   user.Name,
		Admin:  user.Admin,
	})
}
