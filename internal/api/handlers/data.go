package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentoven/datachat/internal/relations"
	"github.com/agentoven/datachat/internal/tools"
	"github.com/agentoven/datachat/pkg/models"
)

// ══════════════════════════════════════════════════════════════
// ── Query & Analytics ────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// RunQuery handles POST /api/v1/query.
func (h *Handlers) RunQuery(w http.ResponseWriter, r *http.Request) {
	o, ok := owner(w, r)
	if !ok {
		return
	}
	var req models.QueryRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Query.Query(r.Context(), o, req)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Analytics handles POST /api/v1/analytics.
func (h *Handlers) Analytics(w http.ResponseWriter, r *http.Request) {
	o, ok := owner(w, r)
	if !ok {
		return
	}
	var req models.AggregateRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Query.Aggregate(r.Context(), o, req)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// ══════════════════════════════════════════════════════════════
// ── Tools ────────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListTools handles GET /api/v1/tools.
func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	o, ok := owner(w, r)
	if !ok {
		return
	}
	defs, err := h.Tools.Definitions(r.Context(), o)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, defs)
}

// ExecuteTool handles POST /api/v1/tools/{name}/execute. The body is the
// argument object. Tool failures come back as 200 with an {error} body, the
// same value the model would see; only an unknown tool is a 404.
func (h *Handlers) ExecuteTool(w http.ResponseWriter, r *http.Request) {
	o, ok := owner(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")

	args := map[string]interface{}{}
	if r.ContentLength != 0 {
		if !decode(w, r, &args) {
			return
		}
	}

	result := h.Tools.Dispatch(r.Context(), o, name, args)
	if m, isMap := result.(map[string]interface{}); isMap && tools.IsError(m) && m["error"] == tools.ErrToolNotFound {
		respondJSON(w, http.StatusNotFound, result)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ══════════════════════════════════════════════════════════════
// ── Relationship Queries ─────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type relationRequest struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	PeriodName string `json:"period_name"`
	Limit      int    `json:"limit"`
}

// RunRelation handles POST /api/v1/relations/{kind}, where kind is one of
// entities-by-type, risks-by-category, assessments, entities-with-risks.
func (h *Handlers) RunRelation(w http.ResponseWriter, r *http.Request) {
	o, ok := owner(w, r)
	if !ok {
		return
	}
	var req relationRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}

	scope := h.Query.ForOwner(o)
	var (
		res *models.RelationResult
		err error
	)
	switch kind := chi.URLParam(r, "kind"); kind {
	case "entities-by-type":
		res, err = h.Relations.EntitiesByType(r.Context(), scope, req.Name, req.Limit)
	case "risks-by-category":
		res, err = h.Relations.RisksByCategory(r.Context(), scope, req.Name, req.Limit)
	case "assessments":
		res, err = h.Relations.AssessmentsByFilter(r.Context(), scope, relations.AssessmentFilter{
			Type:       req.Type,
			PeriodName: req.PeriodName,
			Limit:      req.Limit,
		})
	case "entities-with-risks":
		res, err = h.Relations.EntitiesWithRisks(r.Context(), scope, req.Name, req.Limit)
	default:
		respondError(w, http.StatusNotFound, "unknown relation "+kind)
		return
	}
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// ══════════════════════════════════════════════════════════════
// ── Schema ───────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// Schema handles GET /api/v1/schema.
func (h *Handlers) Schema(w http.ResponseWriter, r *http.Request) {
	o, ok := owner(w, r)
	if !ok {
		return
	}
	reg, err := h.Registry.Build(r.Context(), o)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, reg)
}

// ══════════════════════════════════════════════════════════════
// ── Custom Tools ─────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListCustomTools handles GET /api/v1/custom-tools.
func (h *Handlers) ListCustomTools(w http.ResponseWriter, r *http.Request) {
	o, ok := owner(w, r)
	if !ok {
		return
	}
	list, err := h.Custom.List(r.Context(), o)
	if err != nil {
		respondErr(w, err)
		return
	}
	if list == nil {
		list = []models.CustomTool{}
	}
	respondJSON(w, http.StatusOK, list)
}

// CreateCustomTool handles POST /api/v1/custom-tools.
func (h *Handlers) CreateCustomTool(w http.ResponseWriter, r *http.Request) {
	o, ok := owner(w, r)
	if !ok {
		return
	}
	var tool models.CustomTool
	if !decode(w, r, &tool) {
		return
	}
	if err := h.Custom.Create(r.Context(), o, &tool); err != nil {
		respondErr(w, err)
		return
	}
	if h.MCPGateway != nil {
		h.MCPGateway.NotifyToolsChanged(o)
	}
	respondJSON(w, http.StatusCreated, tool)
}

// ══════════════════════════════════════════════════════════════
// ── Models ───────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListProviders handles GET /api/v1/models/providers. Keys are never returned.
func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"providers": h.Router.Providers(),
		"drivers":   h.Router.ListDrivers(),
	})
}
