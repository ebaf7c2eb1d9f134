package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"cohort/internal/criteria"
	"cohort/internal/groups"
	"cohort/internal/membership"
	"cohort/pkg/domain"
	"cohort/pkg/platform/httputil"
)

// GroupService is the administration surface the handlers delegate to.
type GroupService interface {
	Create(ctx context.Context, g *groups.Group, evaluateNow bool) (*groups.Group, error)
	Update(ctx context.Context, id domain.GroupID, name, description string, rules *groups.Node) (*groups.Group, error)
	Get(ctx context.Context, id domain.GroupID) (*groups.Group, error)
	List(ctx context.Context, f groups.Filter) ([]*groups.Group, error)
	SetEnabled(ctx context.Context, id domain.GroupID, enabled bool) (*groups.Group, error)
	SetFrozen(ctx context.Context, id domain.GroupID, frozen bool) (*groups.Group, error)
	SetUpdateMethod(ctx context.Context, id domain.GroupID, m groups.UpdateMethod) (*groups.Group, error)
	SetRefreshInterval(ctx context.Context, id domain.GroupID, d time.Duration) (*groups.Group, error)
	CreateCollection(ctx context.Context, name string, groupIDs []domain.GroupID) (*groups.Collection, error)
	GetCollection(ctx context.Context, id domain.CollectionID) (*groups.Collection, error)
	Schemas(scope string) []criteria.Schema
}

// GroupHandler wires group administration endpoints to the service.
type GroupHandler struct {
	service GroupService
	members membership.Store
	logger  *slog.Logger
}

func NewGroupHandler(service GroupService, members membership.Store, logger *slog.Logger) *GroupHandler {
	return &GroupHandler{service: service, members: members, logger: logger}
}

// Register mounts group endpoints on the router.
func (h *GroupHandler) Register(r chi.Router) {
	r.Route("/groups", func(r chi.Router) {
		r.Post("/", h.HandleCreate)
		r.Get("/", h.HandleList)
		r.Route("/{groupID}", func(r chi.Router) {
			r.Get("/", h.HandleGet)
			r.Patch("/", h.HandleUpdate)
			r.Get("/members", h.HandleMembers)
			r.Post("/enable", h.setEnabled(true))
			r.Post("/disable", h.setEnabled(false))
			r.Post("/freeze", h.setFrozen(true))
			r.Post("/unfreeze", h.setFrozen(false))
			r.Put("/update-method", h.HandleUpdateMethod)
			r.Put("/refresh-interval", h.HandleRefreshInterval)
		})
	})
	r.Get("/criteria", h.HandleSchemas)
}

// HandleCreate handles POST /groups.
func (h *GroupHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createGroupRequest
	if err := httputil.Decode(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	scope, err := req.Scope.toScope()
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	g := &groups.Group{
		Name:        req.Name,
		Description: req.Description,
		Scope:       scope,
		Enabled:     true,
		Rules:       req.Rules,
	}
	if req.UpdateMethod != "" {
		m, err := groups.ParseUpdateMethod(req.UpdateMethod)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		g.UpdateMethod = m
	}
	if req.RefreshInterval != "" {
		d, err := time.ParseDuration(req.RefreshInterval)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		g.RefreshInterval = d
	}

	created, err := h.service.Create(ctx, g, req.EvaluateImmediately)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toGroupResponse(created, nil))
}

// HandleList handles GET /groups with optional scope and enabled filters.
func (h *GroupHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	f := groups.Filter{EnabledOnly: r.URL.Query().Get("enabled") == "true"}
	if st := r.URL.Query().Get("scope_type"); st != "" {
		scope, err := scopePayload{Type: st, Resource: r.URL.Query().Get("scope_resource")}.toScope()
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		f.Scope = &scope
	}
	list, err := h.service.List(ctx, f)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	out := make([]groupResponse, 0, len(list))
	for _, g := range list {
		out = append(out, toGroupResponse(g, h.refreshState(ctx, g.ID)))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"groups": out})
}

// HandleGet handles GET /groups/{groupID}.
func (h *GroupHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.groupID(w, r)
	if !ok {
		return
	}
	g, err := h.service.Get(ctx, id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toGroupResponse(g, h.refreshState(ctx, id)))
}

// HandleUpdate handles PATCH /groups/{groupID}.
func (h *GroupHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.groupID(w, r)
	if !ok {
		return
	}
	var req updateGroupRequest
	if err := httputil.Decode(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	g, err := h.service.Update(ctx, id, req.Name, req.Description, req.Rules)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toGroupResponse(g, h.refreshState(ctx, id)))
}

// HandleMembers handles GET /groups/{groupID}/members.
func (h *GroupHandler) HandleMembers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.groupID(w, r)
	if !ok {
		return
	}
	if _, err := h.service.Get(ctx, id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	set, err := h.members.Members(ctx, id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"group_id": id,
		"members":  set.IDs(),
		"count":    set.Len(),
	})
}

func (h *GroupHandler) setEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.patch(w, r, func(ctx context.Context, id domain.GroupID) (*groups.Group, error) {
			return h.service.SetEnabled(ctx, id, enabled)
		})
	}
}

func (h *GroupHandler) setFrozen(frozen bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.patch(w, r, func(ctx context.Context, id domain.GroupID) (*groups.Group, error) {
			return h.service.SetFrozen(ctx, id, frozen)
		})
	}
}

// HandleUpdateMethod handles PUT /groups/{groupID}/update-method.
func (h *GroupHandler) HandleUpdateMethod(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string `json:"method"`
	}
	if err := httputil.Decode(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	m, err := groups.ParseUpdateMethod(req.Method)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	h.patch(w, r, func(ctx context.Context, id domain.GroupID) (*groups.Group, error) {
		return h.service.SetUpdateMethod(ctx, id, m)
	})
}

// HandleRefreshInterval handles PUT /groups/{groupID}/refresh-interval.
// An empty interval restores the criterion types' defaults.
func (h *GroupHandler) HandleRefreshInterval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Interval string `json:"interval"`
	}
	if err := httputil.Decode(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	var d time.Duration
	if req.Interval != "" {
		var err error
		if d, err = time.ParseDuration(req.Interval); err != nil {
			badRequest(w, err.Error())
			return
		}
	}
	h.patch(w, r, func(ctx context.Context, id domain.GroupID) (*groups.Group, error) {
		return h.service.SetRefreshInterval(ctx, id, d)
	})
}

// HandleSchemas handles GET /criteria, the criterion type introspection API.
func (h *GroupHandler) HandleSchemas(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"criteria": h.service.Schemas(r.URL.Query().Get("scope")),
	})
}

func (h *GroupHandler) patch(w http.ResponseWriter, r *http.Request, apply func(context.Context, domain.GroupID) (*groups.Group, error)) {
	ctx := r.Context()
	id, ok := h.groupID(w, r)
	if !ok {
		return
	}
	g, err := apply(ctx, id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toGroupResponse(g, h.refreshState(ctx, id)))
}

func (h *GroupHandler) groupID(w http.ResponseWriter, r *http.Request) (domain.GroupID, bool) {
	id, err := domain.ParseGroupID(chi.URLParam(r, "groupID"))
	if err != nil {
		badRequest(w, "invalid group id")
		return domain.GroupID{}, false
	}
	return id, true
}

func (h *GroupHandler) refreshState(ctx context.Context, id domain.GroupID) *membership.RefreshState {
	st, ok, err := h.members.State(ctx, id)
	if err != nil || !ok {
		return nil
	}
	return &st
}
