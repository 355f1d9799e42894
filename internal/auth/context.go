/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package auth

import "context"

// Identity is who a request acts as. OwnerID follows the sign convention:
// positive for authenticated users, negative for anonymous sessions.
type Identity struct {
	OwnerID   int64
	Name      string
	Admin     bool
	Anonymous bool
}

type contextKey string

const identityContextKey contextKey = "skaldIdentity"

// WithIdentity attaches the request identity to the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// IdentityFromContext retrieves the request identity if present.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	return id, ok
}
