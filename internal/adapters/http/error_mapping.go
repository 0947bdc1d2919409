package httpadapter

import (
	"context"
	"errors"
	"net/http"

	"github.com/kirillkom/guidance-retrieval/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput), domain.IsKind(err, domain.ErrInvalidFilterCombination):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrDocumentNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrSupersessionCycle):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrBothPathsFailed), domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorKind(err error) string {
	for _, kind := range []error{
		domain.ErrInvalidFilterCombination,
		domain.ErrInvalidInput,
		domain.ErrDocumentNotFound,
		domain.ErrSupersessionCycle,
		domain.ErrBothPathsFailed,
		domain.ErrTemporary,
	} {
		if domain.IsKind(err, kind) {
			return kind.Error()
		}
	}
	return "internal error"
}

func writeError(w http.ResponseWriter, err error) {
	status := mapErrorToHTTPStatus(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  errorKind(err),
	})
}
