// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/assetgate/internal/shared"
)

// ErrMalformedRequest marks request bodies or parameters that cannot be decoded.
var ErrMalformedRequest = errors.New("malformed request")

// RespondError maps domain errors to HTTP responses using RFC7807. Audit
// failures are checked first: a decision that could not be recorded is a
// server fault whatever else went wrong.
func RespondError(w http.ResponseWriter, err error) {
	reason := shared.ReasonOf(err)
	switch {
	case errors.Is(err, shared.ErrAuditWriteFailed):
		Problem(w, http.StatusInternalServerError, "Audit Unavailable", "", shared.ReasonAuditWrite)
	case errors.Is(err, ErrMalformedRequest),
		errors.Is(err, shared.ErrInvalidPath),
		errors.Is(err, shared.ErrInvalidTTL),
		errors.Is(err, shared.ErrValidationFailed):
		Problem(w, http.StatusBadRequest, "Bad Request", err.Error(), reason)
	case errors.Is(err, shared.ErrUnauthenticated):
		Problem(w, http.StatusUnauthorized, "Unauthorized", "", reason)
	case errors.Is(err, shared.ErrPermissionDenied):
		Problem(w, http.StatusForbidden, "Forbidden", "", reason)
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", "", reason)
	case errors.Is(err, shared.ErrStorageWriteFailed):
		Problem(w, http.StatusBadGateway, "Storage Unavailable", "", reason)
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "", reason)
	}
}
