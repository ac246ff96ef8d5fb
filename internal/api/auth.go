package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/linkgate/linkgate/internal/authn"
	"github.com/linkgate/linkgate/internal/config"
	"github.com/linkgate/linkgate/internal/limiter"
	"github.com/linkgate/linkgate/internal/logging"
	"github.com/linkgate/linkgate/internal/middleware"
)

// WebhookSecretHeader carries the shared secret of server-to-server calls.
const WebhookSecretHeader = "X-Webhook-Secret"

const identityContextKey = "identity"

// ErrorResponse represents an API error response
type ErrorResponse = middleware.ErrorResponse

func abortWithError(c *gin.Context, status int, code, message string) {
	middleware.AbortWithError(c, status, code, message)
}

// Authenticate resolves the caller from the session cookie or a bot token and
// stores the identity on the request. Anonymous requests continue; a storage
// failure aborts with 503 so nothing downstream treats the caller as unknown.
// Bot token callers are additionally throttled per account.
func Authenticate(auth *authn.Authenticator, gate *limiter.Gate, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := auth.Resolve(c.Request)
		if err != nil {
			logger.ErrorWithContext(c.Request.Context(), "authentication unavailable",
				"path", c.Request.URL.Path, "error", err.Error())
			abortWithError(c, http.StatusServiceUnavailable, "unavailable", "Authentication is temporarily unavailable")
			return
		}

		if id.Authenticated() && id.Channel == authn.ChannelBotToken && gate != nil {
			if err := gate.Admit(c.Request.Context(), id.AccountID, config.ActionBotAPI); err != nil {
				respondError(c, logger, err)
				return
			}
		}

		c.Set(identityContextKey, id)
		c.Request = c.Request.WithContext(authn.WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

// RequireAccount rejects requests without a resolved identity.
func RequireAccount() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := IdentityFrom(c); !ok {
			abortWithError(c, http.StatusUnauthorized, "unauthorized", "Authentication required")
			return
		}
		c.Next()
	}
}

// RequireChannel rejects identities resolved through any other channel.
func RequireChannel(channel authn.Channel) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := IdentityFrom(c)
		if !ok {
			abortWithError(c, http.StatusUnauthorized, "unauthorized", "Authentication required")
			return
		}
		if id.Channel != channel {
			abortWithError(c, http.StatusForbidden, "forbidden", "This action requires a browser session")
			return
		}
		c.Next()
	}
}

// IdentityFrom returns the identity stored by Authenticate.
func IdentityFrom(c *gin.Context) (authn.Identity, bool) {
	v, exists := c.Get(identityContextKey)
	if !exists {
		return authn.Identity{}, false
	}
	id, ok := v.(authn.Identity)
	return id, ok && id.Authenticated()
}

// RequireWebhookSecret checks the shared secret in constant time. With no
// secret configured every call is rejected.
func RequireWebhookSecret(secret string, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		supplied := c.GetHeader(WebhookSecretHeader)
		if secret == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(secret)) != 1 {
			logger.WarnWithContext(c.Request.Context(), "webhook authentication failed",
				"client_ip", c.ClientIP(),
				"path", c.Request.URL.Path,
			)
			abortWithError(c, http.StatusUnauthorized, "unauthorized", "Invalid webhook secret")
			return
		}
		c.Next()
	}
}
