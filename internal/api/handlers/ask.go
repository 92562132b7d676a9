package handlers

import (
	"errors"
	"net/http"

	"github.com/agentoven/datachat/internal/executor"
	"github.com/agentoven/datachat/pkg/models"
)

// Ask handles POST /api/v1/ask.
//
// A model failure still returns the partial response (iterations reached,
// data gathered) with 502.
func (h *Handlers) Ask(w http.ResponseWriter, r *http.Request) {
	o, ok := owner(w, r)
	if !ok {
		return
	}
	var req models.AskRequest
	if !decode(w, r, &req) {
		return
	}

	if err := h.Guard.CheckInput(req.Message); err != nil {
		respondErr(w, err)
		return
	}

	// Explicit history wins over the stored session.
	if req.SessionID != "" && len(req.History) == 0 && h.Sessions != nil {
		req.History = h.Sessions.History(r.Context(), o, req.SessionID)
	}

	resp, err := h.Executor.Ask(r.Context(), o, req)
	if err != nil {
		if resp != nil && errors.Is(err, executor.ErrModel) {
			resp.SessionID = req.SessionID
			respondJSON(w, http.StatusBadGateway, resp)
			return
		}
		respondErr(w, err)
		return
	}

	if req.SessionID != "" && h.Sessions != nil {
		h.Sessions.Append(r.Context(), o, req.SessionID,
			models.ChatMessage{Role: models.RoleUser, Content: req.Message},
			models.ChatMessage{Role: models.RoleAssistant, Content: resp.Message},
		)
		resp.SessionID = req.SessionID
	}
	respondJSON(w, http.StatusOK, resp)
}
