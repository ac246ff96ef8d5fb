package api

import (
	stderrors "errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/linkgate/linkgate/internal/config"
	"github.com/linkgate/linkgate/internal/errors"
	"github.com/linkgate/linkgate/internal/logging"
	"github.com/linkgate/linkgate/internal/models"
	"github.com/linkgate/linkgate/internal/realtime"
)

// LoginRequest is the body of POST /api/v1/auth/login.
type LoginRequest struct {
	Login    string `json:"login" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// RedeemRequest is the body of POST /api/v1/link/redeem.
type RedeemRequest struct {
	Code        string `json:"code" binding:"required"`
	ExternalID  int64  `json:"external_id" binding:"required"`
	DisplayName string `json:"display_name"`
}

// BindingView is the public part of a binding.
type BindingView struct {
	ExternalID     int64      `json:"external_id"`
	DisplayName    string     `json:"display_name,omitempty"`
	LinkedVia      string     `json:"linked_via"`
	LastSeenAt     *time.Time `json:"last_seen_at,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
}

func bindingView(b *models.Binding) *BindingView {
	if b == nil {
		return nil
	}
	return &BindingView{
		ExternalID:     b.ExternalID,
		DisplayName:    b.ExternalDisplayName,
		LinkedVia:      string(b.LinkedVia),
		LastSeenAt:     b.LastSeenAt,
		TokenExpiresAt: b.TokenExpiresAt,
	}
}

var (
	dummyHashOnce sync.Once
	dummyHash     []byte
)

// dummyPasswordHash is compared against for unknown logins so both paths
// spend the same bcrypt time.
func dummyPasswordHash() []byte {
	dummyHashOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("linkgate-unknown-login"), bcrypt.DefaultCost)
	})
	return dummyHash
}

// handleLogin verifies a login and password and sets the session cookie.
func (s *Server) handleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", "login and password are required")
		return
	}
	ctx := c.Request.Context()
	login := models.NormalizeLogin(req.Login)
	gateKey := c.ClientIP() + "|" + login

	if err := s.deps.Gate.Admit(ctx, gateKey, config.ActionLogin); err != nil {
		respondError(c, s.logger, err)
		return
	}

	account, err := s.deps.Store.GetAccountByLogin(ctx, login)
	if err != nil && !stderrors.Is(err, errors.ErrNotFound) {
		respondError(c, s.logger, err)
		return
	}

	hash := s.dummyHashFn()
	if account != nil {
		hash = []byte(account.PasswordHash)
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(req.Password)) != nil || account == nil {
		s.deps.Auditor.Record(ctx, logging.NewAuditEvent(logging.AuthFailure, "login", logging.StatusFailure).
			WithIPAddress(c.ClientIP()).
			WithSeverity(logging.SeverityWarning))
		abortWithError(c, http.StatusUnauthorized, "unauthorized", "Invalid login or password")
		return
	}

	credential, err := s.deps.Sessions.Sign(account.ID, s.config.Session.TTL)
	if err != nil {
		// A weak secret is a configuration fault, never an auth failure.
		respondError(c, s.logger, err)
		return
	}
	if err := s.deps.Gate.Reset(ctx, gateKey, config.ActionLogin); err != nil {
		s.logger.WarnWithContext(ctx, "failed to reset login limiter", "error", err.Error())
	}

	now := s.now()
	expiresAt := now.Add(s.config.Session.TTL)
	http.SetCookie(c.Writer, s.deps.Cookies.Cookie(credential, expiresAt, now))

	s.deps.Auditor.Record(ctx, logging.NewAuditEvent(logging.SessionIssued, "login", logging.StatusSuccess).
		WithAccountID(account.ID).
		WithIPAddress(c.ClientIP()))

	c.JSON(http.StatusOK, gin.H{
		"account_id": account.ID,
		"expires_at": expiresAt.UTC(),
	})
}

// handleLogout clears the session cookie. Signed sessions are stateless, so
// this only affects the calling browser.
func (s *Server) handleLogout(c *gin.Context) {
	http.SetCookie(c.Writer, s.deps.Cookies.Expired())
	c.Status(http.StatusNoContent)
}

// handleMe returns the caller's account id and active binding.
func (s *Server) handleMe(c *gin.Context) {
	id, _ := IdentityFrom(c)

	binding, err := s.deps.Store.FindBindingByAccountID(c.Request.Context(), id.AccountID)
	if err != nil && !stderrors.Is(err, errors.ErrNotFound) {
		respondError(c, s.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account_id": id.AccountID,
		"binding":    bindingView(binding),
	})
}

// handleLinkCode mints a linking code for the signed-in account.
func (s *Server) handleLinkCode(c *gin.Context) {
	id, _ := IdentityFrom(c)
	ctx := c.Request.Context()

	if err := s.deps.Gate.Admit(ctx, id.AccountID, config.ActionLinkCode); err != nil {
		respondError(c, s.logger, err)
		return
	}

	generated, err := s.deps.Linking.Generate(ctx, id.AccountID)
	if err != nil {
		respondError(c, s.logger, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"code":       generated.Code,
		"expires_at": generated.ExpiresAt,
	})
}

// handleLinkRedeem redeems a code for an external identity on behalf of a
// trusted relay. Every invalid code gets the same answer.
func (s *Server) handleLinkRedeem(c *gin.Context) {
	var req RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", "code and external_id are required")
		return
	}
	ctx := c.Request.Context()

	if err := s.deps.Gate.Admit(ctx, realtime.ExternalKey(req.ExternalID), config.ActionLinkRedeem); err != nil {
		respondError(c, s.logger, err)
		return
	}

	redeemed, err := s.deps.Linking.Redeem(ctx, req.Code, req.ExternalID, strings.TrimSpace(req.DisplayName))
	if stderrors.Is(err, errors.ErrInvalidOrExpired) {
		abortWithError(c, http.StatusBadRequest, "invalid_code", "Invalid or expired code")
		return
	}
	if err != nil {
		respondError(c, s.logger, err)
		return
	}

	name := ""
	if redeemed.Binding != nil {
		name = redeemed.Binding.ExternalDisplayName
	}
	s.broadcast(c, realtime.AccountKey(redeemed.AccountID), realtime.LinkCompleted(req.ExternalID, name))

	c.JSON(http.StatusOK, gin.H{
		"token":      redeemed.Token,
		"expires_at": redeemed.ExpiresAt,
	})
}

// handleLinkRevoke revokes the caller's binding.
func (s *Server) handleLinkRevoke(c *gin.Context) {
	id, _ := IdentityFrom(c)

	binding, err := s.deps.Tokens.RevokeAccount(c.Request.Context(), id.AccountID)
	if stderrors.Is(err, errors.ErrNotFound) {
		abortWithError(c, http.StatusNotFound, "not_linked", "No linked account")
		return
	}
	if err != nil {
		respondError(c, s.logger, err)
		return
	}

	s.broadcast(c, realtime.AccountKey(id.AccountID), realtime.LinkRevoked(binding.ExternalID))
	c.JSON(http.StatusOK, gin.H{"revoked": true, "external_id": binding.ExternalID})
}

// handleEvents streams account events until the client goes away.
func (s *Server) handleEvents(c *gin.Context) {
	if s.deps.Realtime == nil {
		abortWithError(c, http.StatusNotFound, "not_found", "Event stream disabled")
		return
	}
	id, _ := IdentityFrom(c)

	conn := realtime.NewSSEConn(realtime.DefaultBuffer)
	key := realtime.AccountKey(id.AccountID)
	s.deps.Realtime.Register(key, conn)
	defer s.deps.Realtime.Unregister(conn)
	defer conn.Close()

	s.logger.DebugWithContext(c.Request.Context(), "event stream opened",
		"account_id", id.AccountID, "channel", string(id.Channel))

	heartbeat := s.config.Realtime.HeartbeatInterval
	if err := conn.Serve(c.Request.Context(), c.Writer, heartbeat); err != nil {
		s.logger.DebugWithContext(c.Request.Context(), "event stream ended", "error", err.Error())
	}
}

func (s *Server) broadcast(c *gin.Context, key string, event models.Event) {
	if s.deps.Realtime == nil {
		return
	}
	if _, err := s.deps.Realtime.Broadcast(key, event); err != nil {
		s.logger.WarnWithContext(c.Request.Context(), "failed to broadcast event",
			"type", event.Type, "error", err.Error())
	}
}
