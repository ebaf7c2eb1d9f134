package httptransport

import (
	"errors"
	"log/slog"
	"net/http"

	"cohort/internal/backends"
	"cohort/internal/criteria"
	"cohort/internal/exclusivity"
	"cohort/internal/groups"
	"cohort/pkg/platform/httputil"
	"cohort/pkg/platform/sentinel"
)

// writeError translates domain errors into the JSON error envelope. Anything
// unrecognized is an internal error and the description is withheld.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		valErr        *criteria.ValidationError
		unresolvedErr *criteria.UnresolvedTypeError
		scopeErr      *groups.ScopeMismatchError
		opErr         *groups.UnsupportedOperatorError
		conflictErr   *exclusivity.ConflictError
		backendErr    *backends.Error
	)
	switch {
	case errors.As(err, &valErr):
		httputil.WriteError(w, http.StatusBadRequest, "validation_error", valErr.Error())
	case errors.As(err, &unresolvedErr):
		httputil.WriteError(w, http.StatusBadRequest, "unresolved_criterion_type", unresolvedErr.Error())
	case errors.As(err, &scopeErr):
		httputil.WriteError(w, http.StatusBadRequest, "invalid_scope", scopeErr.Error())
	case errors.As(err, &opErr):
		httputil.WriteError(w, http.StatusBadRequest, "unsupported_operator", opErr.Error())
	case errors.As(err, &conflictErr):
		httputil.WriteError(w, http.StatusConflict, "collection_conflict", conflictErr.Error())
	case errors.As(err, &backendErr):
		if backendErr.Category == backends.CategoryInvalidScope {
			httputil.WriteError(w, http.StatusBadRequest, "invalid_scope", backendErr.Error())
		} else {
			httputil.WriteError(w, http.StatusBadGateway, "backend_error", backendErr.Error())
		}
	case errors.Is(err, sentinel.ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, sentinel.ErrConflict):
		httputil.WriteError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, sentinel.ErrInvalidState):
		httputil.WriteError(w, http.StatusUnprocessableEntity, "invalid_state", err.Error())
	case errors.Is(err, sentinel.ErrUnavailable):
		httputil.WriteError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		logger.Error("unhandled error", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "internal_error", "")
	}
}

func badRequest(w http.ResponseWriter, description string) {
	httputil.WriteError(w, http.StatusBadRequest, "bad_request", description)
}
