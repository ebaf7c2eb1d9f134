package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"cohort/pkg/domain"
	"cohort/pkg/platform/httputil"
)

// CollectionHandler exposes manual exclusivity-domain administration.
type CollectionHandler struct {
	service GroupService
	logger  *slog.Logger
}

func NewCollectionHandler(service GroupService, logger *slog.Logger) *CollectionHandler {
	return &CollectionHandler{service: service, logger: logger}
}

// Register mounts collection endpoints on the router.
func (h *CollectionHandler) Register(r chi.Router) {
	r.Route("/collections", func(r chi.Router) {
		r.Post("/", h.HandleCreate)
		r.Get("/{collectionID}", h.HandleGet)
	})
}

// HandleCreate handles POST /collections.
func (h *CollectionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string   `json:"name"`
		GroupIDs []string `json:"group_ids"`
	}
	if err := httputil.Decode(r, &req); err != nil {
		badRequest(w, err.Error())
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
	c, err := h.service.CreateCollection(r.Context(), req.Name, ids)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toCollectionResponse(c))
}

// HandleGet handles GET /collections/{collectionID}.
func (h *CollectionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseCollectionID(chi.URLParam(r, "collectionID"))
	if err != nil {
		badRequest(w, "invalid collection id")
		return
	}
	c, err := h.service.GetCollection(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toCollectionResponse(c))
}
