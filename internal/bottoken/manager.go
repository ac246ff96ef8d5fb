// Package bottoken issues and verifies the bearer tokens held by bot clients.
//
// A token is Prefix followed by base64url of 32 random bytes. Only its SHA-256
// digest is stored, on the binding of the external identity it was issued to.
package bottoken

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/linkgate/linkgate/internal/errors"
	"github.com/linkgate/linkgate/internal/logging"
	"github.com/linkgate/linkgate/internal/metrics"
	"github.com/linkgate/linkgate/internal/models"
	"github.com/linkgate/linkgate/internal/store"
)

// Prefix marks a bot token so it can be told apart from other bearer schemes.
const Prefix = "lgb_"

const randomBytes = 32

var tokenLength = len(Prefix) + base64.RawURLEncoding.EncodedLen(randomBytes)

// DefaultTTL is used when Issue is called without a ttl.
const DefaultTTL = 30 * 24 * time.Hour

// Issued is returned once per Issue call. Token is never retrievable again.
type Issued struct {
	Token     string
	ExpiresAt time.Time
	Binding   *models.Binding
}

// Manager issues, verifies and revokes bot tokens.
type Manager struct {
	store   store.BindingStore
	ttl     time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
	auditor logging.Auditor
	logger  *logging.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the default token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithMetrics records operation outcomes.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithAuditor records security events.
func WithAuditor(a logging.Auditor) Option {
	return func(m *Manager) {
		if a != nil {
			m.auditor = a
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a token manager over s.
func NewManager(s store.BindingStore, opts ...Option) *Manager {
	m := &Manager{
		store:   s,
		ttl:     DefaultTTL,
		now:     time.Now,
		auditor: logging.NopAuditor{},
		logger:  logging.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IssueOption adjusts a single Issue call.
type IssueOption func(*models.BindingUpsert)

// WithDisplayName records the external identity's display name on the binding.
func WithDisplayName(name string) IssueOption {
	return func(u *models.BindingUpsert) {
		u.ExternalDisplayName = strings.TrimSpace(name)
	}
}

// Issue creates a fresh token for externalID and upserts its binding to
// accountID. A ttl of zero uses the manager default.
func (m *Manager) Issue(ctx context.Context, accountID string, externalID int64, ttl time.Duration, opts ...IssueOption) (*Issued, error) {
	if accountID == "" {
		return nil, fmt.Errorf("bottoken: account id is required")
	}
	if ttl <= 0 {
		ttl = m.ttl
	}

	token, hash, err := newToken()
	if err != nil {
		m.record("issue", "error")
		return nil, fmt.Errorf("bottoken: generate token: %w", err)
	}

	now := m.now().UTC()
	upsert := models.BindingUpsert{
		ExternalID:     externalID,
		AccountID:      accountID,
		TokenHash:      hash,
		TokenExpiresAt: now.Add(ttl),
		LinkedVia:      models.LinkMethodCode,
		Now:            now,
	}
	for _, opt := range opts {
		opt(&upsert)
	}

	binding, err := m.store.UpsertBinding(ctx, upsert)
	if err != nil {
		m.record("issue", "error")
		return nil, err
	}

	m.record("issue", "success")
	m.auditor.Record(ctx, logging.NewAuditEvent(logging.BotTokenIssued, "issue", logging.StatusSuccess).
		WithAccountID(accountID).
		WithExternalID(externalID))

	return &Issued{Token: token, ExpiresAt: upsert.TokenExpiresAt, Binding: binding}, nil
}

// Verify returns the account bound to token, or "" if the token is unknown,
// revoked or expired. Only a storage failure returns an error.
func (m *Manager) Verify(ctx context.Context, token string) (string, error) {
	if !LooksLikeToken(token) {
		m.record("verify", "malformed")
		return "", nil
	}

	now := m.now().UTC()
	binding, err := m.store.FindBindingByTokenHash(ctx, HashToken(token), now)
	if stderrors.Is(err, errors.ErrNotFound) {
		m.record("verify", "unknown")
		return "", nil
	}
	if err != nil {
		m.record("verify", "error")
		return "", err
	}

	if !binding.CanAuthenticate(now) {
		m.record("verify", "rejected")
		event := logging.NewAuditEvent(logging.RevokedTokenUse, "verify", logging.StatusFailure).
			WithAccountID(binding.AccountID).
			WithExternalID(binding.ExternalID)
		if !binding.Revoked {
			event.WithDetails(map[string]interface{}{"reason": "expired"})
		}
		m.auditor.Record(ctx, event)
		return "", nil
	}

	if err := m.store.TouchLastSeen(ctx, binding.ExternalID, now); err != nil {
		m.logger.WarnWithContext(ctx, "failed to update last seen", "external_id", binding.ExternalID, "error", err.Error())
	}

	m.record("verify", "success")
	return binding.AccountID, nil
}

// Revoke revokes the token of externalID. Revoking an unknown or already
// revoked binding is not an error; the result reports whether one existed.
func (m *Manager) Revoke(ctx context.Context, externalID int64) (bool, error) {
	existed, err := m.store.RevokeBinding(ctx, externalID, m.now().UTC())
	if err != nil {
		m.record("revoke", "error")
		return false, err
	}
	m.record("revoke", "success")
	if existed {
		m.auditor.Record(ctx, logging.NewAuditEvent(logging.BotTokenRevoked, "revoke", logging.StatusSuccess).
			WithExternalID(externalID))
	}
	return existed, nil
}

// RevokeAccount revokes the active binding of accountID, if any, and returns it.
func (m *Manager) RevokeAccount(ctx context.Context, accountID string) (*models.Binding, error) {
	binding, err := m.store.FindBindingByAccountID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if _, err := m.Revoke(ctx, binding.ExternalID); err != nil {
		return nil, err
	}
	return binding, nil
}

// Binding returns the stored binding for externalID.
func (m *Manager) Binding(ctx context.Context, externalID int64) (*models.Binding, error) {
	return m.store.FindBindingByExternalID(ctx, externalID)
}

// LooksLikeToken is the storage-free shape check done before any lookup.
func LooksLikeToken(token string) bool {
	return len(token) == tokenLength && strings.HasPrefix(token, Prefix)
}

// HashToken returns the stored digest of token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func newToken() (string, string, error) {
	raw := make([]byte, randomBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	token := Prefix + base64.RawURLEncoding.EncodeToString(raw)
	return token, HashToken(token), nil
}

func (m *Manager) record(operation, result string) {
	if m.metrics != nil {
		m.metrics.RecordBotToken(operation, result)
	}
}
