package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentoven/datachat/pkg/contracts"
	pkgmw "github.com/agentoven/datachat/pkg/middleware"
)

// AuthMiddleware authenticates requests using the AuthProviderChain and
// stores the resulting Identity, and with it the owner, in the context.
type AuthMiddleware struct {
	chain       contracts.AuthProviderChain
	requireAuth bool
	devOwner    string
}

// NewAuthMiddleware creates the auth middleware.
//
// If requireAuth is true, unauthenticated requests to non-public paths are
// rejected. Otherwise they run as devOwner, or are rejected when it is empty.
func NewAuthMiddleware(chain contracts.AuthProviderChain, requireAuth bool, devOwner string) *AuthMiddleware {
	return &AuthMiddleware{
		chain:       chain,
		requireAuth: requireAuth,
		devOwner:    devOwner,
	}
}

// Handler returns the HTTP handler middleware that authenticates requests.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isAuthPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := am.chain.Authenticate(r.Context(), r)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("Authentication failed")
			unauthorized(w, "authentication_failed", err.Error())
			return
		}

		if identity == nil && !am.requireAuth && am.devOwner != "" {
			identity = &contracts.Identity{
				Subject:  "dev:" + am.devOwner,
				Owner:    am.devOwner,
				Provider: "dev",
			}
		}

		if identity == nil || identity.Owner == "" {
			unauthorized(w, "authentication_required",
				"This endpoint requires authentication. Set Authorization: Bearer <key>, X-API-Key, or X-Service-Token header.")
			return
		}

		trace.SpanFromContext(r.Context()).SetAttributes(
			attribute.String("datachat.owner", identity.Owner),
			attribute.String("datachat.auth_provider", identity.Provider),
		)
		next.ServeHTTP(w, r.WithContext(pkgmw.SetIdentity(r.Context(), identity)))
	})
}

func unauthorized(w http.ResponseWriter, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="datachat"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   code,
		"message": msg,
	})
}

// isAuthPublicPath returns true for paths that should skip authentication.
func isAuthPublicPath(path string) bool {
	switch path {
	case "/health", "/version", "/metrics":
		return true
	}
	return false
}
