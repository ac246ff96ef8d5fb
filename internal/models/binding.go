package models

import "time"

// LinkMethod records how a binding was established.
type LinkMethod string

const (
	LinkMethodCode LinkMethod = "code"
)

// Binding is the persisted association between one account and one external
// messaging identity. The raw bot token is never stored, only its hash.
type Binding struct {
	ExternalID          int64      `json:"external_id"`
	AccountID           string     `json:"account_id"`
	ExternalDisplayName string     `json:"external_display_name,omitempty"`
	TokenHash           *string    `json:"-"`
	TokenExpiresAt      *time.Time `json:"token_expires_at,omitempty"`
	Revoked             bool       `json:"revoked"`
	LastSeenAt          *time.Time `json:"last_seen_at,omitempty"`
	LinkedVia           LinkMethod `json:"linked_via"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// CanAuthenticate reports whether the binding's token may be accepted at now.
// A binding without a token hash, or with an expired one, never authenticates.
func (b *Binding) CanAuthenticate(now time.Time) bool {
	if b == nil || b.Revoked || b.TokenHash == nil || *b.TokenHash == "" {
		return false
	}
	if b.TokenExpiresAt == nil {
		return false
	}
	return now.Before(*b.TokenExpiresAt)
}

// BindingUpsert carries the fields written when a bot token is issued.
type BindingUpsert struct {
	ExternalID          int64
	AccountID           string
	ExternalDisplayName string
	TokenHash           string
	TokenExpiresAt      time.Time
	LinkedVia           LinkMethod
	Now                 time.Time
}
