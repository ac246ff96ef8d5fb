package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkgate/linkgate/internal/authn"
	"github.com/linkgate/linkgate/internal/config"
	"github.com/linkgate/linkgate/internal/errors"
	"github.com/linkgate/linkgate/internal/logging"
)

func identityEcho(c *gin.Context) {
	id, ok := IdentityFrom(c)
	if !ok {
		c.String(http.StatusOK, "anonymous")
		return
	}
	c.String(http.StatusOK, "%s via %s", id.AccountID, id.Channel)
}

func TestAuthenticateMiddleware(t *testing.T) {
	env := newTestEnv(t)
	issued, err := env.tokens.Issue(context.Background(), "acc-2", 12, 0)
	require.NoError(t, err)

	r := gin.New()
	r.Use(Authenticate(env.server.deps.Authenticator, nil, logging.Nop()))
	r.GET("/", identityEcho)

	cases := []struct {
		name     string
		decorate func(*http.Request)
		want     string
	}{
		{"anonymous", func(*http.Request) {}, "anonymous"},
		{"session", withCookie(env.sessionCookie(t, "acc-1")), "acc-1 via session"},
		{"bot token", withBearer(issued.Token), "acc-2 via bot_token"},
		{"foreign bearer", withBearer("eyJhbGciOi.not-ours"), "anonymous"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tc.decorate(req)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tc.want, w.Body.String())
		})
	}
}

func TestAuthenticateFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	issued, err := env.tokens.Issue(context.Background(), "acc-2", 12, 0)
	require.NoError(t, err)
	env.store.SetFault(fmt.Errorf("db down"))

	r := gin.New()
	r.Use(Authenticate(env.server.deps.Authenticator, nil, logging.Nop()))
	r.GET("/", identityEcho)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	withBearer(issued.Token)(req)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAuthenticateThrottlesBotTokens(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.RateLimit.Rules[config.ActionBotAPI] = config.RateLimitRule{MaxAttempts: 1, Window: time.Minute}
	})
	issued, err := env.tokens.Issue(context.Background(), "acc-2", 12, 0)
	require.NoError(t, err)

	first := env.do(http.MethodGet, "/api/v1/me", nil, withBearer(issued.Token))
	assert.Equal(t, http.StatusOK, first.Code)
	second := env.do(http.MethodGet, "/api/v1/me", nil, withBearer(issued.Token))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	// sessions are not subject to the bot_api rule
	cookie := env.sessionCookie(t, "acc-2")
	for i := 0; i < 3; i++ {
		w := env.do(http.MethodGet, "/api/v1/me", nil, withCookie(cookie))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRequireChannel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if ch := c.GetHeader("X-Test-Channel"); ch != "" {
			c.Set(identityContextKey, authn.Identity{AccountID: "acc-1", Channel: authn.Channel(ch)})
		}
		c.Next()
	})
	r.GET("/", RequireChannel(authn.ChannelSession), identityEcho)

	cases := []struct {
		channel string
		want    int
	}{
		{"", http.StatusUnauthorized},
		{string(authn.ChannelBotToken), http.StatusForbidden},
		{string(authn.ChannelSession), http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.channel != "" {
			req.Header.Set("X-Test-Channel", tc.channel)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, tc.want, w.Code, "channel %q", tc.channel)
	}
}

func TestRequireWebhookSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name     string
		secret   string
		supplied string
		want     int
	}{
		{"match", "s3cret", "s3cret", http.StatusOK},
		{"mismatch", "s3cret", "other", http.StatusUnauthorized},
		{"missing", "s3cret", "", http.StatusUnauthorized},
		{"unconfigured", "", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.POST("/", RequireWebhookSecret(tc.secret, logging.Nop()), func(c *gin.Context) {
				c.Status(http.StatusOK)
			})
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tc.supplied != "" {
				req.Header.Set(WebhookSecretHeader, tc.supplied)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.want, w.Code)
		})
	}
}

func TestRespondError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantRetry  string
	}{
		{"rate limited", &errors.RateLimitedError{Action: "login", RetryAfter: 1500 * time.Millisecond}, http.StatusTooManyRequests, "2"},
		{"rate limited rounds up to one", &errors.RateLimitedError{Action: "login"}, http.StatusTooManyRequests, "1"},
		{"dependency", errors.Unavailable("find", fmt.Errorf("timeout")), http.StatusServiceUnavailable, ""},
		{"wrapped dependency", fmt.Errorf("redeem: %w", errors.Unavailable("claim", fmt.Errorf("x"))), http.StatusServiceUnavailable, ""},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			respondError(c, logging.Nop(), tc.err)
			assert.Equal(t, tc.wantStatus, w.Code)
			assert.Equal(t, tc.wantRetry, w.Header().Get("Retry-After"))
		})
	}
}
