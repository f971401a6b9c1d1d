// Package handlers contains the gin handlers and middleware of the HTTP API.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
)

// APIError is the body of every error response.
type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ErrorEnvelope wraps APIError as {"error": {...}}.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// Error codes.
const (
	CodeValidation   = "validation"
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeInvalidState = "invalid_state"
	CodeUnauthorized = "unauthorized"
	CodeRateLimited  = "rate_limited"
	CodeUnavailable  = "unavailable"
	CodeDisabled     = "feature_disabled"
	CodeInternal     = "internal"
)

// RespondError writes an error envelope and aborts the chain.
func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.AbortWithStatusJSON(status, ErrorEnvelope{Error: APIError{Message: msg, Code: code}})
}

// RespondDomainError maps err onto a status and code. Internal errors are
// logged by the access log; their text is not sent to the client.
func RespondDomainError(c *gin.Context, err error) {
	status, code := StatusFor(err)
	_ = c.Error(err)
	if status == http.StatusInternalServerError {
		RespondError(c, status, code, errors.New("internal error"))
		return
	}
	RespondError(c, status, code, err)
}

// RespondOK writes payload with 200.
func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// StatusFor maps domain error kinds to HTTP statuses.
func StatusFor(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case shared.IsValidation(err):
		return http.StatusBadRequest, CodeValidation
	case shared.IsNotFound(err):
		return http.StatusNotFound, CodeNotFound
	case shared.IsAlreadyExists(err):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, shared.ErrInvalidState):
		return http.StatusConflict, CodeInvalidState
	case shared.IsTransactionFailed(err):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, shared.ErrUnauthorized):
		return http.StatusUnauthorized, CodeUnauthorized
	case errors.Is(err, shared.ErrRateLimited):
		return http.StatusTooManyRequests, CodeRateLimited
	case errors.Is(err, shared.ErrServiceUnavailable), errors.Is(err, shared.ErrTimeout):
		return http.StatusServiceUnavailable, CodeUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}
