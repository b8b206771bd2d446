package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dcm/dcm/internal/service"
	"github.com/dcm/dcm/internal/store"
)

// errorBody is the JSON error shape of every endpoint.
type errorBody struct {
	Error   string              `json:"error"`
	Message string              `json:"message,omitempty"`
	Details map[string][]string `json:"details,omitempty"`
}

// fail maps a domain error to its HTTP status and writes the error body.
// Internals never leak: unknown errors become a generic 500.
func (s *Server) fail(c *gin.Context, err error) {
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, errorBody{
			Error:   "validation_failed",
			Details: ve.Details,
		})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, errorBody{Error: "not_found"})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, errorBody{
			Error:   "conflict",
			Message: err.Error(),
		})
	case errors.Is(err, service.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, errorBody{Error: "unauthorized"})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, service.ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, errorBody{Error: "timeout"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, errorBody{Error: "internal"})
	}
}

// bindJSON decodes the request body, reporting malformed JSON as a 400.
func (s *Server) bindJSON(c *gin.Context, out any) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{
			Error:   "validation_failed",
			Message: "malformed JSON body",
		})
		return false
	}
	return true
}
