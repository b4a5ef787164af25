package httpx

import (
	"errors"
	"net/http"

	"github.com/studioledger/studioledger/internal/shared"
)

// ErrUnauthorized marks a request without an upstream identity.
var ErrUnauthorized = errors.New("unauthorized")

// FailedChecks is implemented by validation errors that carry named checks.
type FailedChecks interface {
	FailedChecks() []string
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var (
		authErr     *shared.AuthorizationError
		validErr    *shared.ValidationError
		conflictErr *shared.ConflictError
		checks      FailedChecks
	)
	switch {
	case errors.As(err, &authErr) && authErr.CrossTenant:
		Problem(w, http.StatusNotFound, "Not Found", shared.ErrNotFound.Error())
	case errors.Is(err, shared.ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrUnauthorized):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.As(err, &checks):
		JSON(w, http.StatusBadRequest, ProblemDetail{
			Title:        "Validation Failed",
			Status:       http.StatusBadRequest,
			Detail:       err.Error(),
			FailedChecks: checks.FailedChecks(),
		})
	case errors.As(err, &validErr):
		JSON(w, http.StatusBadRequest, ProblemDetail{
			Title:      "Validation Failed",
			Status:     http.StatusBadRequest,
			Detail:     err.Error(),
			Violations: validErr.Violations,
		})
	case errors.As(err, &conflictErr):
		JSON(w, http.StatusConflict, ProblemDetail{
			Title:        "Conflict",
			Status:       http.StatusConflict,
			Detail:       err.Error(),
			CurrentState: conflictErr.CurrentState,
		})
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", shared.UserSafeMessage(err))
	}
}

// StatusFor returns the status RespondError would write for err.
func StatusFor(err error) int {
	var authErr *shared.AuthorizationError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &authErr) && authErr.CrossTenant:
		return http.StatusNotFound
	case errors.Is(err, shared.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, shared.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, shared.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
