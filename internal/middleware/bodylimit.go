package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// BodyLimit caps request bodies at maxSize bytes. Requests that declare a
// larger Content-Length are rejected up front; others fail when read.
func BodyLimit(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			AbortWithError(c, http.StatusRequestEntityTooLarge, "request_too_large",
				fmt.Sprintf("Request body exceeds %d bytes", maxSize))
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		}
		c.Next()
	}
}
