/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package auth

import (
	"hash/fnv"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// sessionCookie carries the anonymous session id for browsers without an
// account.
const sessionCookie = "skald_session"

// Identify resolves a request to an Identity. A valid JWT Bearer token
// yields the account identity; everything else gets an anonymous session
// keyed by a uuid cookie. Requests are never rejected here so listeners
// can queue tracks without an account.
func Identify(jwtSecret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token := extractToken(r); token != "" {
				if claims, err := Parse(jwtSecret, token); err == nil {
					id := Identity{OwnerID: claims.UserID, Name: claims.Name, Admin: claims.Admin}
					next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
					return
				}
			}

			id := Identity{OwnerID: anonymousOwnerID(sessionID(w, r)), Anonymous: true}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireAdmin rejects requests whose identity is not an admin account.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromContext(r.Context())
		if !ok || !id.Admin {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"admin required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sessionID returns the anonymous session uuid, setting the cookie on
// first contact.
func sessionID(w http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		Expires:  time.Now().Add(365 * 24 * time.Hour),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// anonymousOwnerID maps a session uuid onto the negative owner id range.
// Zero is reserved for auto-filled entries, so the result is always
// strictly negative.
func anonymousOwnerID(session string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(session))
	id := int64(h.Sum64() & 0x7fffffffffffffff)
	if id == 0 {
		id = 1
	}
	return -id
}

func extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}

	// Browser WebSocket clients cannot set arbitrary Authorization
	// headers, so the upgrade endpoint accepts a query token.
	if isWebSocketUpgrade(r) {
		if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
			return token
		}
	}
	return ""
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}
