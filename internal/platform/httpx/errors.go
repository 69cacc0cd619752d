// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/contamx/contamx/internal/shared"
)

// Sentinel errors for the transport layer.
var (
	ErrValidation   = shared.NewError(shared.KindValidation, "ValidationFailed", "validation failed")
	ErrUnauthorized = errors.New("unauthorized")
)

// RespondError maps classified domain errors to RFC7807 responses. The
// problem type carries the taxonomy kind and the detail carries the code so
// operators can tell data errors from outages.
func RespondError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrUnauthorized) {
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
		return
	}
	kind := shared.KindOf(err)
	code := shared.CodeOf(err)
	switch kind {
	case shared.KindValidation:
		ProblemWithType(w, http.StatusUnprocessableEntity, string(kind), code, err.Error())
	case shared.KindNotFound:
		ProblemWithType(w, http.StatusNotFound, string(kind), code, err.Error())
	case shared.KindForbidden:
		ProblemWithType(w, http.StatusForbidden, string(kind), code, err.Error())
	case shared.KindConflict:
		ProblemWithType(w, http.StatusConflict, string(kind), code, err.Error())
	case shared.KindTransient:
		ProblemWithType(w, http.StatusServiceUnavailable, string(kind), code, "temporarily unavailable, retry later")
	case shared.KindIntegrity:
		ProblemWithType(w, http.StatusInternalServerError, string(kind), code, err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
