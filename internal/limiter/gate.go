package limiter

import (
	"context"
	"time"

	"github.com/linkgate/linkgate/internal/config"
	"github.com/linkgate/linkgate/internal/errors"
	"github.com/linkgate/linkgate/internal/logging"
)

// RuleSource looks up the configured threshold for an action.
type RuleSource func(action string) (config.RateLimitRule, bool)

// StaticRules serves rules from a fixed map.
func StaticRules(rules map[string]config.RateLimitRule) RuleSource {
	return func(action string) (config.RateLimitRule, bool) {
		rule, ok := rules[action]
		return rule, ok
	}
}

// Gate applies the configured rule of an action to a RateLimiter.
type Gate struct {
	limiter RateLimiter
	rules   RuleSource
	now     func() time.Time
	auditor logging.Auditor
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateClock overrides the time source used for retry hints.
func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		g.now = now
	}
}

// WithGateAuditor records denials.
func WithGateAuditor(a logging.Auditor) GateOption {
	return func(g *Gate) {
		if a != nil {
			g.auditor = a
		}
	}
}

// NewGate creates a Gate.
func NewGate(l RateLimiter, rules RuleSource, opts ...GateOption) *Gate {
	g := &Gate{
		limiter: l,
		rules:   rules,
		now:     time.Now,
		auditor: logging.NopAuditor{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit consumes one attempt of action for identifier. It returns a
// *errors.RateLimitedError when denied, a dependency error when the backend
// fails, and nil otherwise. Actions without a rule are always admitted.
func (g *Gate) Admit(ctx context.Context, identifier, action string) error {
	rule, ok := g.rules(action)
	if !ok || rule.MaxAttempts <= 0 || rule.Window <= 0 {
		return nil
	}

	decision, err := g.limiter.CheckAndConsume(ctx, identifier, action, rule.MaxAttempts, rule.Window)
	if err != nil {
		return err
	}
	if decision.Allowed {
		return nil
	}

	retryAfter := decision.RetryAfter(g.now())
	g.auditor.Record(ctx, logging.NewAuditEvent(logging.RateLimited, action, logging.StatusFailure).
		WithDetails(map[string]interface{}{
			"identifier":          identifier,
			"retry_after_seconds": int(retryAfter / time.Second),
		}))
	return &errors.RateLimitedError{Action: action, RetryAfter: retryAfter}
}

// Reset clears the counter of action for identifier, e.g. after a successful login.
func (g *Gate) Reset(ctx context.Context, identifier, action string) error {
	return g.limiter.Reset(ctx, identifier, action)
}
