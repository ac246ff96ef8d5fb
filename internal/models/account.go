package models

import (
	"fmt"
	"strings"
	"time"
)

// Account is the slice of the account record this service reads: its id and
// the login credentials used by the cookie sign-in. Profile data lives elsewhere.
type Account struct {
	ID           string    `json:"id"`
	Login        string    `json:"login"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate checks if the account is valid.
func (a *Account) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("account ID is required")
	}
	if strings.TrimSpace(a.Login) == "" {
		return fmt.Errorf("login is required")
	}
	if a.PasswordHash == "" {
		return fmt.Errorf("password hash is required")
	}
	return nil
}

// NormalizeLogin lowercases and trims a login so lookups are case-insensitive.
func NormalizeLogin(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}
