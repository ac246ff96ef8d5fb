package session

import (
	"net/http"
	"strings"
	"time"

	"github.com/linkgate/linkgate/internal/config"
)

// CookieSettings describes how the session credential is carried.
type CookieSettings struct {
	Name     string
	Domain   string
	Path     string
	Secure   bool
	SameSite http.SameSite
}

// CookieSettingsFromConfig maps the session config section to cookie settings.
func CookieSettingsFromConfig(cfg config.SessionConfig) CookieSettings {
	s := CookieSettings{
		Name:     cfg.CookieName,
		Domain:   cfg.CookieDomain,
		Path:     cfg.CookiePath,
		Secure:   cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	switch strings.ToLower(cfg.CookieSameSite) {
	case "strict":
		s.SameSite = http.SameSiteStrictMode
	case "none":
		s.SameSite = http.SameSiteNoneMode
	}
	if s.Name == "" {
		s.Name = "lg_session"
	}
	if s.Path == "" {
		s.Path = "/"
	}
	return s
}

// Cookie wraps a signed credential. The cookie is always HttpOnly.
func (s CookieSettings) Cookie(credential string, expiresAt time.Time, now time.Time) *http.Cookie {
	maxAge := int(expiresAt.Sub(now) / time.Second)
	if maxAge < 1 {
		maxAge = 1
	}
	return &http.Cookie{
		Name:     s.Name,
		Value:    credential,
		Domain:   s.Domain,
		Path:     s.Path,
		Expires:  expiresAt.UTC(),
		MaxAge:   maxAge,
		Secure:   s.Secure,
		HttpOnly: true,
		SameSite: s.SameSite,
	}
}

// Expired returns a cookie that makes the browser drop the session.
func (s CookieSettings) Expired() *http.Cookie {
	return &http.Cookie{
		Name:     s.Name,
		Value:    "",
		Domain:   s.Domain,
		Path:     s.Path,
		Expires:  time.Unix(0, 0).UTC(),
		MaxAge:   -1,
		Secure:   s.Secure,
		HttpOnly: true,
		SameSite: s.SameSite,
	}
}

// FromRequest returns the credential carried by r, or "" when absent.
func (s CookieSettings) FromRequest(r *http.Request) string {
	c, err := r.Cookie(s.Name)
	if err != nil {
		return ""
	}
	return c.Value
}
