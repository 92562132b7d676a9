// Package handlers implements the HTTP handlers for the datachat API.
// Every data handler runs on behalf of the owner resolved by the auth
// middleware; none accepts an owner from the request body.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/datachat/internal/customtool"
	"github.com/agentoven/datachat/internal/executor"
	"github.com/agentoven/datachat/internal/guardrails"
	"github.com/agentoven/datachat/internal/mcpgw"
	"github.com/agentoven/datachat/internal/query"
	"github.com/agentoven/datachat/internal/registry"
	"github.com/agentoven/datachat/internal/relations"
	"github.com/agentoven/datachat/internal/router"
	"github.com/agentoven/datachat/internal/sessions"
	"github.com/agentoven/datachat/internal/store"
	"github.com/agentoven/datachat/internal/tools"
	pkgmw "github.com/agentoven/datachat/pkg/middleware"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store      store.Store
	Query      *query.Executor
	Relations  *relations.Service
	Tools      *tools.Dispatcher
	Custom     *customtool.Runner
	Registry   *registry.Registry
	Executor   *executor.Executor
	Router     *router.ModelRouter
	MCPGateway *mcpgw.Gateway
	Sessions   *sessions.MemorySessionStore
	Guard      *guardrails.Guard
}

// ══════════════════════════════════════════════════════════════
// ── Helpers ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]interface{}{"success": false, "error": message})
}

// respondErr maps a domain error onto its HTTP status.
func respondErr(w http.ResponseWriter, err error) {
	respondError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	var (
		nf       *store.ErrNotFound
		conflict *store.ErrConflict
	)
	switch {
	case query.IsValidation(err), errors.Is(err, customtool.ErrInvalidArguments):
		return http.StatusBadRequest
	case query.IsAuth(err):
		return http.StatusUnauthorized
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &conflict):
		return http.StatusConflict
	case query.IsExecution(err), errors.Is(err, executor.ErrModel):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// decode reads a JSON body into v, answering 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// owner returns the authenticated owner, answering 401 if there is none.
func owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	o := pkgmw.Owner(r.Context())
	if o == "" {
		log.Debug().Str("path", r.URL.Path).Msg("Request reached handler without owner")
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return o, true
}

// ══════════════════════════════════════════════════════════════
// ── Health ───────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "unhealthy",
			"service": "datachat",
			"error":   err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "datachat",
	})
}
