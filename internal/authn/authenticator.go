// Package authn resolves the account behind a request from either the session
// cookie or a bot token.
package authn

import (
	"context"
	"net"
	"net/http"

	"github.com/linkgate/linkgate/internal/logging"
	"github.com/linkgate/linkgate/internal/metrics"
)

// Identity is a resolved caller.
type Identity struct {
	AccountID string
	Channel   Channel
}

// Authenticated reports whether the identity names an account.
func (i Identity) Authenticated() bool {
	return i.AccountID != ""
}

// Authenticator tries each verifier in order and returns the first account found.
type Authenticator struct {
	verifiers []CredentialVerifier
	metrics   *metrics.Metrics
	auditor   logging.Auditor
	logger    *logging.Logger
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithMetrics records resolution outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Authenticator) {
		a.metrics = m
	}
}

// WithAuditor records rejected credentials.
func WithAuditor(au logging.Auditor) Option {
	return func(a *Authenticator) {
		if au != nil {
			a.auditor = au
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Authenticator) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAuthenticator creates an Authenticator. Put the storage-free session
// verifier first so a valid cookie is never shadowed by a bot token lookup.
func NewAuthenticator(verifiers []CredentialVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifiers: verifiers,
		auditor:   logging.NopAuditor{},
		logger:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Resolve returns the caller's identity, or a zero Identity when the request
// is unauthenticated. Bad credentials of any kind are not errors; a storage
// failure is, so callers can fail closed.
func (a *Authenticator) Resolve(r *http.Request) (Identity, error) {
	ctx := r.Context()
	for _, v := range a.verifiers {
		res, err := v.Verify(r)
		if err != nil {
			a.record(v.Channel(), "error")
			a.logger.ErrorWithContext(ctx, "credential verification unavailable",
				"channel", string(v.Channel()), "error", err.Error())
			return Identity{}, err
		}
		if res.AccountID != "" {
			a.record(v.Channel(), "success")
			return Identity{AccountID: res.AccountID, Channel: v.Channel()}, nil
		}
		if res.Presented {
			a.record(v.Channel(), "rejected")
			a.auditor.Record(ctx, logging.NewAuditEvent(logging.AuthFailure, "resolve", logging.StatusFailure).
				WithIPAddress(remoteIP(r)).
				WithDetails(map[string]interface{}{"channel": string(v.Channel()), "reason": res.Reason}))
		}
	}
	a.record(ChannelNone, "anonymous")
	return Identity{}, nil
}

func (a *Authenticator) record(channel Channel, outcome string) {
	if a.metrics == nil {
		return
	}
	name := string(channel)
	if name == "" {
		name = "none"
	}
	a.metrics.RecordAuthResolution(name, outcome)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type identityKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && id.Authenticated()
}
