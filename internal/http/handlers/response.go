// Package handlers implements the HTTP endpoints of the registration API.
//
// Every error leaves through fail() with the {request_id, code, message}
// envelope; 5xx responses are also logged on the request-scoped logger.
// Validation failures use ValidationErrorResponse, which adds the offending
// fields.
//
//	HTTP/1.1 404 Not Found
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "not_found",
//	  "message": "registration not found"
//	}
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-queue-registration/internal/http/middleware"
)

// ErrorResponse is the error envelope returned by every endpoint.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"not_found"`
	// Human-readable message (safe to show to users)
	Message string `json:"message" example:"registration not found"`
}

// fail aborts the request with an ErrorResponse. Statuses >= 500 are logged.
func fail(c *gin.Context, status int, code, msg string) {
	reqID := c.Writer.Header().Get("X-Request-ID")
	resp := ErrorResponse{
		RequestID: reqID,
		Code:      code,
		Message:   msg,
	}

	// Log 5xx (server-side) with request-scoped logger
	if status >= http.StatusInternalServerError {
		lg := middleware.LoggerFrom(c)
		lg.Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail is fail for callers outside the package (router fallbacks, auth).
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// ValidationErrorResponse is the 422 body: the envelope plus a
// field-to-message map.
type ValidationErrorResponse struct {
	RequestID string            `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	Code      string            `json:"code" example:"validation_failed"`
	Message   string            `json:"message" example:"Validasi gagal"`
	Errors    map[string]string `json:"errors"`
}

// invalid aborts with 422 and the given field errors.
func invalid(c *gin.Context, fields map[string]string) {
	c.AbortWithStatusJSON(http.StatusUnprocessableEntity, ValidationErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      ErrCodeValidation,
		Message:   msgValidationFailed,
		Errors:    fields,
	})
}
