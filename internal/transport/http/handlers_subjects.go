package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"cohort/internal/membership"
	"cohort/pkg/domain"
	"cohort/pkg/platform/httputil"
)

// SubjectHandler answers reverse lookups: which groups does a subject
// currently belong to.
type SubjectHandler struct {
	members membership.Store
	logger  *slog.Logger
}

func NewSubjectHandler(members membership.Store, logger *slog.Logger) *SubjectHandler {
	return &SubjectHandler{members: members, logger: logger}
}

// Register mounts subject endpoints on the router.
func (h *SubjectHandler) Register(r chi.Router) {
	r.Get("/subjects/{subjectID}/groups", h.HandleGroups)
}

// HandleGroups handles GET /subjects/{subjectID}/groups.
func (h *SubjectHandler) HandleGroups(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseSubjectID(chi.URLParam(r, "subjectID"))
	if err != nil {
		badRequest(w, "invalid subject id")
		return
	}
	gids, err := h.members.GroupsForSubject(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if gids == nil {
		gids = []domain.GroupID{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"subject_id": id,
		"groups":     gids,
	})
}
