package httptransport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"cohort/internal/refresh"
	"cohort/pkg/domain"
	"cohort/pkg/platform/httputil"
)

// Refresher is the orchestrator surface the trigger endpoints use.
type Refresher interface {
	RequestRefresh(ctx context.Context, groupIDs []domain.GroupID, reason string) (domain.TriggerID, error)
	Status(id domain.TriggerID) (refresh.Snapshot, bool)
	Cancel(id domain.TriggerID) bool
}

// TriggerHandler exposes on-demand refreshes and trigger lifecycle queries.
type TriggerHandler struct {
	refresher Refresher
	logger    *slog.Logger
}

func NewTriggerHandler(refresher Refresher, logger *slog.Logger) *TriggerHandler {
	return &TriggerHandler{refresher: refresher, logger: logger}
}

// Register mounts trigger endpoints on the router.
func (h *TriggerHandler) Register(r chi.Router) {
	r.Route("/triggers", func(r chi.Router) {
		r.Post("/", h.HandleCreate)
		r.Get("/{triggerID}", h.HandleGet)
		r.Delete("/{triggerID}", h.HandleCancel)
	})
}

// HandleCreate handles POST /triggers: a manual refresh of the named groups.
func (h *TriggerHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GroupIDs []string `json:"group_ids"`
		Reason   string   `json:"reason,omitempty"`
	}
	if err := httputil.Decode(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if len(req.GroupIDs) == 0 {
		badRequest(w, "group_ids is required")
		return
	}
	ids := make([]domain.GroupID, 0, len(req.GroupIDs))
	for _, raw := range req.GroupIDs {
		id, err := domain.ParseGroupID(raw)
		if err != nil {
			badRequest(w, "invalid group id "+raw)
			return
		}
		ids = append(ids, id)
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual request"
	}
	id, err := h.refresher.RequestRefresh(r.Context(), ids, reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{"trigger_id": id})
}

// HandleGet handles GET /triggers/{triggerID}.
func (h *TriggerHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.triggerID(w, r)
	if !ok {
		return
	}
	snap, found := h.refresher.Status(id)
	if !found {
		httputil.WriteError(w, http.StatusNotFound, "not_found", "unknown trigger")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

// HandleCancel handles DELETE /triggers/{triggerID}. Only pending triggers
// can be cancelled; running ones finish.
func (h *TriggerHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.triggerID(w, r)
	if !ok {
		return
	}
	if !h.refresher.Cancel(id) {
		httputil.WriteError(w, http.StatusConflict, "not_cancellable",
			"trigger is not pending")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"trigger_id": id, "cancelled": true})
}

func (h *TriggerHandler) triggerID(w http.ResponseWriter, r *http.Request) (domain.TriggerID, bool) {
	id, err := domain.ParseTriggerID(chi.URLParam(r, "triggerID"))
	if err != nil {
		badRequest(w, "invalid trigger id")
		return domain.TriggerID{}, false
	}
	return id, true
}
