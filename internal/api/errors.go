package api

import (
	"net/http"

	"example.com/backstage/services/telemetry/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

// Error is an API error rendered as JSON
type Error struct {
	Code    int    `json:"-"`
	Status  string `json:"status"`
	Message string `json:"error"`
}

func (e *Error) Error() string {
	return e.Message
}

// NewError creates an API error with the given HTTP status
func NewError(code int, msg string) *Error {
	return &Error{Code: code, Status: "error", Message: msg}
}

// statusFor maps pipeline errors onto HTTP status codes
func statusFor(err error) int {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		return apiErr.Code
	case errors.Is(err, models.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	code := statusFor(err)
	c.AbortWithStatusJSON(code, NewError(code, err.Error()))
}
