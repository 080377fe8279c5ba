package httpapi

import (
	"errors"
	"net/http"

	"broadcast-platform/internal/apperr"
	"broadcast-platform/internal/dispatch"
	"broadcast-platform/internal/reporting"
	"broadcast-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// envelope is the body of every JSON response.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(c *gin.Context, code int, data any) {
	c.JSON(code, envelope{Success: true, Data: data})
}

func abort(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, envelope{Error: msg})
}

// fail maps err to a status code. Server errors are logged and answered
// with a generic message.
func fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		logger.FromGin(c).Error("request failed", "err", err)
		abort(c, code, "internal error")
		return
	}
	abort(c, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, reporting.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return apperr.HTTPStatus(err)
	}
}
