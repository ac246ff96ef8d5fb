package api

import (
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/linkgate/linkgate/internal/errors"
	"github.com/linkgate/linkgate/internal/logging"
)

// respondError maps service errors onto HTTP responses. Rate limiting gets a
// Retry-After hint; storage failures fail closed with 503.
func respondError(c *gin.Context, logger *logging.Logger, err error) {
	var limited *errors.RateLimitedError
	switch {
	case stderrors.As(err, &limited):
		secs := retryAfterSeconds(limited.RetryAfter)
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
			Error:      "rate_limited",
			Message:    "Too many attempts. Please try again later.",
			Code:       http.StatusTooManyRequests,
			RetryAfter: secs,
		})
	case errors.IsDependencyUnavailable(err):
		logger.ErrorWithContext(c.Request.Context(), "dependency unavailable", "path", c.FullPath(), "error", err.Error())
		abortWithError(c, http.StatusServiceUnavailable, "unavailable", "Service temporarily unavailable")
	default:
		logger.ErrorWithContext(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err.Error())
		abortWithError(c, http.StatusInternalServerError, "internal_error", "")
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
