package models

import "time"

// LinkingCode is a short-lived, single-use code that lets an external identity
// bind itself to the account that generated it.
type LinkingCode struct {
	Code      string     `json:"code"`
	AccountID string     `json:"account_id"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

// Redeemable reports whether the code is unused and not yet expired at now.
func (c *LinkingCode) Redeemable(now time.Time) bool {
	return c != nil && c.UsedAt == nil && now.Before(c.ExpiresAt)
}
