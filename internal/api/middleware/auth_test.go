package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentoven/datachat/internal/api/middleware"
	"github.com/agentoven/datachat/internal/auth"
	pkgmw "github.com/agentoven/datachat/pkg/middleware"
)

func ownerEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(pkgmw.Owner(r.Context())))
	})
}

func newChain() *auth.ProviderChain {
	chain := auth.NewProviderChain()
	chain.RegisterProvider(auth.NewAPIKeyProvider(map[string]string{"k1": "alice"}))
	return chain
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		requireAuth bool
		devOwner    string
		path        string
		key         string
		wantStatus  int
		wantOwner   string
	}{
		{"valid key", true, "", "/api/v1/schema", "k1", http.StatusOK, "alice"},
		{"invalid key", true, "", "/api/v1/schema", "nope", http.StatusUnauthorized, ""},
		{"missing key", true, "", "/api/v1/schema", "", http.StatusUnauthorized, ""},
		{"public path", true, "", "/health", "", http.StatusOK, ""},
		{"dev owner", false, "dev-user", "/api/v1/schema", "", http.StatusOK, "dev-user"},
		{"dev owner ignored when auth required", true, "dev-user", "/api/v1/schema", "", http.StatusUnauthorized, ""},
		{"key wins over dev owner", false, "dev-user", "/api/v1/schema", "k1", http.StatusOK, "alice"},
		{"no owner at all", false, "", "/api/v1/schema", "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			am := middleware.NewAuthMiddleware(newChain(), tt.requireAuth, tt.devOwner)
			h := am.Handler(ownerEcho())

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus == http.StatusOK && w.Body.String() != tt.wantOwner {
				t.Errorf("owner = %q, want %q", w.Body.String(), tt.wantOwner)
			}
			if tt.wantStatus == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}
