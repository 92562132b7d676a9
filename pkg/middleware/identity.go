// Package middleware provides context helpers shared by the HTTP layer and
// anything embedding the server.
package middleware

import (
	"context"

	"github.com/agentoven/datachat/pkg/contracts"
)

type contextKey string

const identityKey contextKey = "identity"

// SetIdentity stores the authenticated Identity in the context.
// Called by the auth middleware after successful authentication.
func SetIdentity(ctx context.Context, identity *contracts.Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, identityKey, identity)
}

// GetIdentity retrieves the authenticated Identity from the context.
// Returns nil if no identity is set.
func GetIdentity(ctx context.Context) *contracts.Identity {
	if v, ok := ctx.Value(identityKey).(*contracts.Identity); ok {
		return v
	}
	return nil
}

// Owner returns the owner id of the authenticated caller, or "" if none.
func Owner(ctx context.Context) string {
	if id := GetIdentity(ctx); id != nil {
		return id.Owner
	}
	return ""
}
