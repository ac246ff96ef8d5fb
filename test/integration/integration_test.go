// Package integration exercises the full stack over a real SQLite store.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/linkgate/linkgate/internal/api"
	"github.com/linkgate/linkgate/internal/authn"
	"github.com/linkgate/linkgate/internal/bottoken"
	"github.com/linkgate/linkgate/internal/config"
	"github.com/linkgate/linkgate/internal/limiter"
	"github.com/linkgate/linkgate/internal/linking"
	"github.com/linkgate/linkgate/internal/metrics"
	"github.com/linkgate/linkgate/internal/models"
	"github.com/linkgate/linkgate/internal/realtime"
	"github.com/linkgate/linkgate/internal/session"
	"github.com/linkgate/linkgate/internal/store"
)

const (
	testSecret        = "integration-secret-0123456789abcdef"
	testWebhookSecret = "integration-webhook"
	testPassword      = "integration-password"
)

// testServer holds the wired stack.
type testServer struct {
	Engine   *gin.Engine
	Store    *store.SQLiteStore
	Tokens   *bottoken.Manager
	Linking  *linking.Service
	Gate     *limiter.Gate
	Registry *realtime.Registry
	Cleanup  func()
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err, "Failed to create SQLite store")

	cfg, err := config.Parse(nil)
	require.NoError(t, err)
	cfg.Session.Secret = testSecret
	cfg.Webhook.Secret = testWebhookSecret
	cfg.Realtime.HeartbeatInterval = time.Second

	m := metrics.NewMetrics("integration")
	codec := session.NewCodec(cfg.Session.Secret)
	cookies := session.CookieSettingsFromConfig(cfg.Session)
	tokens := bottoken.NewManager(s, bottoken.WithMetrics(m))
	svc := linking.NewService(s, tokens, linking.WithMetrics(m))
	gate := limiter.NewGate(limiter.New(m), cfg.RateLimit.Rule)
	registry := realtime.NewRegistry(realtime.WithMetrics(m))
	auth := authn.NewAuthenticator([]authn.CredentialVerifier{
		authn.NewSessionVerifier(codec, cookies),
		authn.NewBotTokenVerifier(tokens),
	}, authn.WithMetrics(m))

	srv := api.NewServer(cfg, api.Deps{
		Store:         s,
		Sessions:      codec,
		Cookies:       cookies,
		Authenticator: auth,
		Tokens:        tokens,
		Linking:       svc,
		Gate:          gate,
		Realtime:      registry,
		Metrics:       m,
	})

	return &testServer{
		Engine:   srv.Router(),
		Store:    s,
		Tokens:   tokens,
		Linking:  svc,
		Gate:     gate,
		Registry: registry,
		Cleanup:  func() { _ = s.Close() },
	}
}

func createTestAccount(t *testing.T, s store.AccountStore, id, login string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, s.CreateAccount(context.Background(), &models.Account{
		ID:           id,
		Login:        login,
		PasswordHash: string(hash),
	}))
}

type request struct {
	method  string
	path    string
	body    interface{}
	cookies []*http.Cookie
	bearer  string
	headers map[string]string
}

func doRequest(t *testing.T, engine *gin.Engine, r request) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if r.body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(r.body))
	}
	req := httptest.NewRequest(r.method, r.path, &buf)
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range r.cookies {
		req.AddCookie(c)
	}
	if r.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+r.bearer)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func login(t *testing.T, engine *gin.Engine, user string) []*http.Cookie {
	t.Helper()
	w := doRequest(t, engine, request{
		method: http.MethodPost,
		path:   "/api/v1/auth/login",
		body:   api.LoginRequest{Login: user, Password: testPassword},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	return cookies
}

// recordingConn is a realtime.Connection that keeps every payload.
type recordingConn struct {
	mu     sync.Mutex
	events []map[string]interface{}
}

func (c *recordingConn) Send(data []byte) error {
	var ev map[string]interface{}
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		if typ, ok := ev["type"].(string); ok {
			out = append(out, typ)
		}
	}
	return out
}
