package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-engine/internal/apperr"
)

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden        ErrCode = "FORBIDDEN"
	ErrProctorOnly      ErrCode = "PROCTOR_ACCESS_ONLY"
	ErrPermissionDenied ErrCode = "PERMISSION_DENIED"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"
	ErrConflict ErrCode = "CONFLICT"

	// ─── Session-specific ──────────────────────────────────────────────
	ErrSessionNotFound   ErrCode = "SESSION_NOT_FOUND"
	ErrSessionNotActive  ErrCode = "SESSION_NOT_ACTIVE"
	ErrOutOfOrder        ErrCode = "OUT_OF_ORDER_SUBMISSION"
	ErrAttemptsExhausted ErrCode = "ATTEMPTS_EXHAUSTED"
	ErrTestNotFound      ErrCode = "TEST_NOT_FOUND"
	ErrVersionConflict   ErrCode = "VERSION_CONFLICT"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	case ErrTokenRequired:
		return "Authentication token is required."
	case ErrTokenInvalid:
		return "Authentication token is invalid or expired."

	case ErrForbidden:
		return "You are not allowed to access this resource."
	case ErrProctorOnly:
		return "This resource is restricted to proctors."
	case ErrPermissionDenied:
		return "Permission denied."

	case ErrValidation:
		return "Validation failed."
	case ErrInvalidID:
		return "Invalid ID format."
	case ErrInvalidPayload:
		return "Invalid request body."

	case ErrNotFound:
		return "Resource not found."
	case ErrConflict:
		return "Resource already exists."

	case ErrSessionNotFound:
		return "Session not found."
	case ErrSessionNotActive:
		return "Session is not active."
	case ErrOutOfOrder:
		return "Submission does not target the current question."
	case ErrAttemptsExhausted:
		return "No attempts remaining for this test."
	case ErrTestNotFound:
		return "Test not found."
	case ErrVersionConflict:
		return "Session was modified concurrently. Please retry."

	case ErrRateLimitExceeded:
		return "Too many requests. Please slow down."

	default:
		return "An internal error occurred."
	}
}

// Retryable reports whether a client may resend after refreshing state.
func Retryable(code ErrCode) bool {
	switch code {
	case ErrVersionConflict, ErrRateLimitExceeded, ErrInternal:
		return true
	}
	return false
}

// kindStatus maps error kinds to their HTTP status and response code.
var kindStatus = map[apperr.Kind]struct {
	status int
	code   ErrCode
}{
	apperr.KindValidation:        {http.StatusBadRequest, ErrValidation},
	apperr.KindSessionNotFound:   {http.StatusNotFound, ErrSessionNotFound},
	apperr.KindSessionNotActive:  {http.StatusConflict, ErrSessionNotActive},
	apperr.KindOutOfOrder:        {http.StatusConflict, ErrOutOfOrder},
	apperr.KindAttemptsExhausted: {http.StatusForbidden, ErrAttemptsExhausted},
	apperr.KindTestNotFound:      {http.StatusNotFound, ErrTestNotFound},
	apperr.KindForbidden:         {http.StatusForbidden, ErrForbidden},
	apperr.KindConflict:          {http.StatusConflict, ErrConflict},
	apperr.KindVersionConflict:   {http.StatusConflict, ErrVersionConflict},
}

// FailErr sends the response matching err's kind. Validation errors carry
// their message in the "detail" field; internal errors never leak details.
func FailErr(c *gin.Context, err error) {
	m, ok := kindStatus[apperr.KindOf(err)]
	if !ok {
		Fail(c, http.StatusInternalServerError, ErrInternal)
		return
	}
	var e *apperr.Error
	if m.code == ErrValidation && errors.As(err, &e) && e.Message != "" {
		FailWithFields(c, m.status, m.code, map[string]string{"detail": e.Message})
		return
	}
	Fail(c, m.status, m.code)
}
