package session

import (
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linkgate/linkgate/internal/config"
	"github.com/linkgate/linkgate/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestCodec(t *testing.T) (*Codec, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewCodec(testSecret, WithClock(clock.Now)), clock
}

func TestSignVerifyRoundTrip(t *testing.T) {
	codec, clock := newTestCodec(t)

	for _, ttl := range []time.Duration{time.Second, time.Hour, 30 * 24 * time.Hour} {
		cred, err := codec.Sign("acc-42", ttl)
		require.NoError(t, err)
		assert.Equal(t, 1, strings.Count(cred, "."))

		claims, err := codec.Verify(cred)
		require.NoError(t, err)
		assert.Equal(t, "acc-42", claims.AccountID)
		assert.WithinDuration(t, clock.Now().Add(ttl), claims.ExpiresAt, time.Millisecond)
	}
}

func TestVerifyRejectsEverySingleByteFlip(t *testing.T) {
	codec, _ := newTestCodec(t)
	cred, err := codec.Sign("acc-42", time.Hour)
	require.NoError(t, err)

	for i := 0; i < len(cred); i++ {
		if cred[i] == '.' {
			continue
		}
		tampered := []byte(cred)
		tampered[i] ^= 0x01
		claims, err := codec.Verify(string(tampered))
		require.ErrorIs(t, err, errors.ErrBadSignature, "position %d", i)
		assert.Empty(t, claims.AccountID)
	}
}

func TestVerifyExpiryBoundary(t *testing.T) {
	codec, clock := newTestCodec(t)
	cred, err := codec.Sign("acc-1", time.Second)
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = codec.Verify(cred)
	require.NoError(t, err, "credential is valid up to and including its expiry")

	clock.Advance(time.Millisecond)
	_, err = codec.Verify(cred)
	assert.ErrorIs(t, err, errors.ErrExpired)
}

func TestVerifyMalformed(t *testing.T) {
	codec, _ := newTestCodec(t)
	for _, in := range []string{"", "abc", "a.b.c", ".tag", "payload.", "..."} {
		_, err := codec.Verify(in)
		assert.ErrorIs(t, err, errors.ErrMalformedCredential, "input %q", in)
	}
}

func TestVerifyDifferentSecret(t *testing.T) {
	codec, _ := newTestCodec(t)
	cred, err := codec.Sign("acc-1", time.Hour)
	require.NoError(t, err)

	other := NewCodec("ffffffffffffffffffffffffffffffff")
	_, err = other.Verify(cred)
	assert.ErrorIs(t, err, errors.ErrBadSignature)
}

func TestSignRejectsWeakSecret(t *testing.T) {
	for _, secret := range []string{"", "short-secret"} {
		codec := NewCodec(secret)
		_, err := codec.Sign("acc-1", time.Hour)
		var cfgErr *errors.ConfigError
		require.True(t, stderrors.As(err, &cfgErr), "secret %q", secret)
		assert.Equal(t, "session.secret", cfgErr.Field)
	}

	codec := NewCodec(testSecret+"-extra", WithMinSecretBytes(len(testSecret)+6))
	assert.NoError(t, codec.CheckSecret())
	codec = NewCodec(testSecret, WithMinSecretBytes(len(testSecret)+1))
	assert.Error(t, codec.CheckSecret())
}

func TestMinSecretBytesCannotLowerFloor(t *testing.T) {
	for _, secret := range []string{"x", "sixteen-byte-key"} {
		codec := NewCodec(secret, WithMinSecretBytes(1))
		var cfgErr *errors.ConfigError
		require.True(t, stderrors.As(codec.CheckSecret(), &cfgErr), "secret %q", secret)
		_, err := codec.Sign("acc-1", time.Hour)
		assert.True(t, stderrors.As(err, &cfgErr), "secret %q must not sign", secret)
	}
}

func TestSignValidatesArguments(t *testing.T) {
	codec, _ := newTestCodec(t)
	_, err := codec.Sign("", time.Hour)
	assert.Error(t, err)
	_, err = codec.Sign("acc", 0)
	assert.Error(t, err)
}

func TestCookieSettings(t *testing.T) {
	settings := CookieSettingsFromConfig(config.SessionConfig{
		CookieName:     "sid",
		CookieSecure:   true,
		CookieSameSite: "strict",
	})
	assert.Equal(t, "/", settings.Path)
	assert.Equal(t, http.SameSiteStrictMode, settings.SameSite)

	now := time.Now()
	cookie := settings.Cookie("cred", now.Add(time.Hour), now)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, 3600, cookie.MaxAge)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, settings.FromRequest(req))
	req.AddCookie(cookie)
	assert.Equal(t, "cred", settings.FromRequest(req))

	assert.Equal(t, -1, settings.Expired().MaxAge)
}
