// Package session signs and verifies stateless browser session credentials.
//
// A credential is base64url(payload JSON) "." base64url(HMAC-SHA256 tag), the
// tag computed over the encoded payload. Verification needs only the secret.
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/linkgate/linkgate/internal/config"
	"github.com/linkgate/linkgate/internal/errors"
)

const delimiter = "."

var encoding = base64.RawURLEncoding

// Claims is the verified content of a session credential.
type Claims struct {
	AccountID string
	ExpiresAt time.Time
}

type payload struct {
	Subject string `json:"sub"`
	Expiry  int64  `json:"exp"` // unix milliseconds
}

// Codec signs and verifies session credentials. It is safe for concurrent use.
type Codec struct {
	secret         []byte
	minSecretBytes int
	now            func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// WithMinSecretBytes raises the minimum accepted secret length. Values below
// config.DefaultMinSecretBytes are ignored.
func WithMinSecretBytes(n int) Option {
	return func(c *Codec) {
		if n > config.DefaultMinSecretBytes {
			c.minSecretBytes = n
		}
	}
}

// NewCodec creates a codec for secret. A weak secret is reported by Sign and CheckSecret.
func NewCodec(secret string, opts ...Option) *Codec {
	c := &Codec{
		secret:         []byte(secret),
		minSecretBytes: config.DefaultMinSecretBytes,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckSecret returns a ConfigError if the secret is missing or too short.
func (c *Codec) CheckSecret() error {
	if len(c.secret) == 0 {
		return &errors.ConfigError{Field: "session.secret", Reason: "secret is not set"}
	}
	if len(c.secret) < c.minSecretBytes {
		return &errors.ConfigError{
			Field:  "session.secret",
			Reason: fmt.Sprintf("secret must be at least %d bytes, got %d", c.minSecretBytes, len(c.secret)),
		}
	}
	return nil
}

// Sign issues a credential for accountID that expires after ttl.
func (c *Codec) Sign(accountID string, ttl time.Duration) (string, error) {
	if err := c.CheckSecret(); err != nil {
		return "", err
	}
	if accountID == "" {
		return "", fmt.Errorf("session: account id is required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("session: ttl must be positive")
	}

	data, err := json.Marshal(payload{
		Subject: accountID,
		Expiry:  c.now().Add(ttl).UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("session: encode payload: %w", err)
	}

	encoded := encoding.EncodeToString(data)
	return encoded + delimiter + c.tag(encoded), nil
}

// Verify checks the tag in constant time, then decodes the payload and checks
// expiry. Every failure is one of ErrMalformedCredential, ErrBadSignature or
// ErrExpired.
func (c *Codec) Verify(credential string) (Claims, error) {
	parts := strings.Split(credential, delimiter)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Claims{}, errors.ErrMalformedCredential
	}
	if len(c.secret) == 0 {
		return Claims{}, errors.ErrBadSignature
	}

	expected := c.tag(parts[0])
	if subtle.ConstantTimeCompare([]byte(expected), []byte(parts[1])) != 1 {
		return Claims{}, errors.ErrBadSignature
	}

	data, err := encoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, errors.ErrMalformedCredential
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil || p.Subject == "" {
		return Claims{}, errors.ErrMalformedCredential
	}

	expiresAt := time.UnixMilli(p.Expiry)
	if c.now().After(expiresAt) {
		return Claims{}, errors.ErrExpired
	}

	return Claims{AccountID: p.Subject, ExpiresAt: expiresAt}, nil
}

func (c *Codec) tag(encodedPayload string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(encodedPayload))
	return encoding.EncodeToString(mac.Sum(nil))
}
