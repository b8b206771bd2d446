package httpmw

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
)

// OperationDeadline caps every handler's context at d. Store calls see the
// deadline and abort; the error mapper turns the resulting context error
// into a 504.
func OperationDeadline(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
