package authn

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/linkgate/linkgate/internal/bottoken"
	"github.com/linkgate/linkgate/internal/errors"
	"github.com/linkgate/linkgate/internal/session"
)

// Channel names the credential channel that authenticated a request.
type Channel string

const (
	ChannelNone     Channel = ""
	ChannelSession  Channel = "session"
	ChannelBotToken Channel = "bot_token"
)

// Result is what a verifier found on a request. Presented is true when the
// request carried a credential for the channel, valid or not.
type Result struct {
	AccountID string
	Presented bool
	Reason    string
}

// CredentialVerifier checks one credential channel. Verification failures are
// reported through Result; only a dependency failure returns an error.
type CredentialVerifier interface {
	Channel() Channel
	Verify(r *http.Request) (Result, error)
}

// SessionVerifier checks the signed session cookie. It never touches storage.
type SessionVerifier struct {
	codec   *session.Codec
	cookies session.CookieSettings
}

// NewSessionVerifier creates a verifier for the cookie channel.
func NewSessionVerifier(codec *session.Codec, cookies session.CookieSettings) *SessionVerifier {
	return &SessionVerifier{codec: codec, cookies: cookies}
}

// Channel implements CredentialVerifier.
func (v *SessionVerifier) Channel() Channel { return ChannelSession }

// Verify implements CredentialVerifier.
func (v *SessionVerifier) Verify(r *http.Request) (Result, error) {
	credential := v.cookies.FromRequest(r)
	if credential == "" {
		return Result{}, nil
	}
	claims, err := v.codec.Verify(credential)
	if err != nil {
		return Result{Presented: true, Reason: failureReason(err)}, nil
	}
	return Result{AccountID: claims.AccountID, Presented: true}, nil
}

// TokenVerifier resolves a raw bot token to an account id, "" when unknown.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// BotTokenVerifier checks a bearer token carrying the bot token prefix.
type BotTokenVerifier struct {
	tokens TokenVerifier
}

// NewBotTokenVerifier creates a verifier for the bot token channel.
func NewBotTokenVerifier(tokens TokenVerifier) *BotTokenVerifier {
	return &BotTokenVerifier{tokens: tokens}
}

// Channel implements CredentialVerifier.
func (v *BotTokenVerifier) Channel() Channel { return ChannelBotToken }

// Verify implements CredentialVerifier. Bearer values without the bot token
// prefix belong to some other scheme and count as not presented.
func (v *BotTokenVerifier) Verify(r *http.Request) (Result, error) {
	token, ok := BearerToken(r)
	if !ok || !strings.HasPrefix(token, bottoken.Prefix) {
		return Result{}, nil
	}
	accountID, err := v.tokens.Verify(r.Context(), token)
	if err != nil {
		return Result{Presented: true}, err
	}
	if accountID == "" {
		return Result{Presented: true, Reason: "unknown_or_revoked"}, nil
	}
	return Result{AccountID: accountID, Presented: true}, nil
}

// BearerToken extracts the credential of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, value, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func failureReason(err error) string {
	switch {
	case stderrors.Is(err, errors.ErrExpired):
		return "expired"
	case stderrors.Is(err, errors.ErrBadSignature):
		return "bad_signature"
	default:
		return "malformed"
	}
}
