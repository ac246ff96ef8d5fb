package middleware

import "github.com/gin-gonic/gin"

// ErrorResponse is the JSON body of every error the HTTP surface returns.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
	// Seconds, set on 429 responses.
	RetryAfter int `json:"retry_after,omitempty"`
}

// AbortWithError stops the chain with an ErrorResponse.
func AbortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: code, Message: message, Code: status})
}
