// Package linking mints and redeems the one-time codes that bind an external
// messaging identity to an account.
package linking

import (
	"context"
	"crypto/rand"
	stderrors "errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/linkgate/linkgate/internal/bottoken"
	"github.com/linkgate/linkgate/internal/errors"
	"github.com/linkgate/linkgate/internal/logging"
	"github.com/linkgate/linkgate/internal/metrics"
	"github.com/linkgate/linkgate/internal/models"
	"github.com/linkgate/linkgate/internal/store"
)

// Alphabet excludes 0, O, 1 and I.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeLength is the number of characters in a code.
const CodeLength = 8

const (
	DefaultTTL               = 10 * time.Minute
	DefaultMaxInsertAttempts = 5
)

// ErrCodeSpaceExhausted is returned when every insert attempt collided.
var ErrCodeSpaceExhausted = stderrors.New("linking: could not allocate a unique code")

// Generated is the result of Generate.
type Generated struct {
	Code      string
	ExpiresAt time.Time
}

// Redeemed is the result of a successful Redeem.
type Redeemed struct {
	AccountID string
	Token     string
	ExpiresAt time.Time
	Binding   *models.Binding
}

// TokenIssuer is the bot token upsert path used after a successful claim.
type TokenIssuer interface {
	Issue(ctx context.Context, accountID string, externalID int64, ttl time.Duration, opts ...bottoken.IssueOption) (*bottoken.Issued, error)
}

// Service generates and redeems linking codes.
type Service struct {
	store       store.LinkingCodeStore
	tokens      TokenIssuer
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
	random      func() (string, error)
	metrics     *metrics.Metrics
	auditor     logging.Auditor
	logger      *logging.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithTTL sets how long a code stays redeemable.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithMaxInsertAttempts bounds collision retries in Generate.
func WithMaxInsertAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithCodeSource overrides code generation.
func WithCodeSource(fn func() (string, error)) Option {
	return func(s *Service) {
		s.random = fn
	}
}

// WithMetrics records operation outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithAuditor records security events.
func WithAuditor(a logging.Auditor) Option {
	return func(s *Service) {
		if a != nil {
			s.auditor = a
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService creates a linking service.
func NewService(s store.LinkingCodeStore, tokens TokenIssuer, opts ...Option) *Service {
	svc := &Service{
		store:       s,
		tokens:      tokens,
		ttl:         DefaultTTL,
		maxAttempts: DefaultMaxInsertAttempts,
		now:         time.Now,
		random:      NewCode,
		auditor:     logging.NopAuditor{},
		logger:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Generate mints a code for accountID. A collision with an existing code is
// retried with a fresh draw; it never overwrites the other code.
func (s *Service) Generate(ctx context.Context, accountID string) (*Generated, error) {
	if accountID == "" {
		return nil, fmt.Errorf("linking: account id is required")
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		value, err := s.random()
		if err != nil {
			s.record("generate", "error")
			return nil, fmt.Errorf("linking: draw code: %w", err)
		}

		now := s.now().UTC()
		code := &models.LinkingCode{
			Code:      value,
			AccountID: accountID,
			CreatedAt: now,
			ExpiresAt: now.Add(s.ttl),
		}

		err = s.store.InsertLinkingCode(ctx, code)
		if stderrors.Is(err, errors.ErrConflict) {
			s.logger.DebugWithContext(ctx, "linking code collision", "attempt", attempt)
			continue
		}
		if err != nil {
			s.record("generate", "error")
			return nil, err
		}

		s.record("generate", "success")
		s.auditor.Record(ctx, logging.NewAuditEvent(logging.LinkCodeGenerated, "generate", logging.StatusSuccess).
			WithAccountID(accountID))
		return &Generated{Code: value, ExpiresAt: code.ExpiresAt}, nil
	}

	s.record("generate", "exhausted")
	return nil, ErrCodeSpaceExhausted
}

// Redeem claims code for externalID and issues its bot token. Unknown, used
// and expired codes all return errors.ErrInvalidOrExpired. Storage failures
// are returned as they are.
func (s *Service) Redeem(ctx context.Context, code string, externalID int64, displayName string) (*Redeemed, error) {
	normalized := NormalizeCode(code)
	if !ValidFormat(normalized) {
		s.rejected(ctx, externalID)
		return nil, errors.ErrInvalidOrExpired
	}

	claimed, err := s.store.ClaimLinkingCode(ctx, normalized, s.now().UTC())
	if stderrors.Is(err, errors.ErrNotFound) {
		s.rejected(ctx, externalID)
		return nil, errors.ErrInvalidOrExpired
	}
	if err != nil {
		s.record("redeem", "error")
		return nil, err
	}

	issued, err := s.tokens.Issue(ctx, claimed.AccountID, externalID, 0, bottoken.WithDisplayName(displayName))
	if err != nil {
		// The code stays used: a retry needs a fresh code.
		s.record("redeem", "error")
		s.logger.ErrorWithContext(ctx, "failed to issue bot token after claim",
			"account_id", claimed.AccountID, "external_id", externalID, "error", err.Error())
		return nil, err
	}

	s.record("redeem", "success")
	s.auditor.Record(ctx, logging.NewAuditEvent(logging.LinkCodeRedeemed, "redeem", logging.StatusSuccess).
		WithAccountID(claimed.AccountID).
		WithExternalID(externalID))

	return &Redeemed{
		AccountID: claimed.AccountID,
		Token:     issued.Token,
		ExpiresAt: issued.ExpiresAt,
		Binding:   issued.Binding,
	}, nil
}

func (s *Service) rejected(ctx context.Context, externalID int64) {
	s.record("redeem", "invalid")
	s.auditor.Record(ctx, logging.NewAuditEvent(logging.LinkCodeRejected, "redeem", logging.StatusFailure).
		WithExternalID(externalID))
}

func (s *Service) record(operation, result string) {
	if s.metrics != nil {
		s.metrics.RecordLinkCode(operation, result)
	}
}

// NewCode draws CodeLength characters from Alphabet using crypto/rand.
func NewCode() (string, error) {
	var b strings.Builder
	b.Grow(CodeLength)
	max := big.NewInt(int64(len(Alphabet)))
	for i := 0; i < CodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(Alphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeCode trims and upper-cases user input.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidFormat reports whether code has the right length and alphabet.
func ValidFormat(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(Alphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}
