// Package store persists accounts, external bindings and linking codes.
//
// Lookups that find nothing return errors.ErrNotFound. Driver and connection
// failures are wrapped as errors.DependencyUnavailableError so callers can
// fail closed instead of treating them as misses.
package store

import (
	"context"
	"time"

	"github.com/linkgate/linkgate/internal/models"
)

// AccountStore reads and creates the accounts used by cookie sign-in.
type AccountStore interface {
	// CreateAccount returns errors.ErrConflict if the login is taken.
	CreateAccount(ctx context.Context, acc *models.Account) error
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetAccountByLogin(ctx context.Context, login string) (*models.Account, error)
}

// BindingStore persists account to external identity bindings.
type BindingStore interface {
	FindBindingByExternalID(ctx context.Context, externalID int64) (*models.Binding, error)
	// FindBindingByTokenHash only matches bindings that are not revoked and
	// whose token expires after now.
	FindBindingByTokenHash(ctx context.Context, tokenHash string, now time.Time) (*models.Binding, error)
	// FindBindingByAccountID returns the account's non-revoked binding.
	FindBindingByAccountID(ctx context.Context, accountID string) (*models.Binding, error)
	// UpsertBinding writes the binding keyed by external id in one atomic
	// step. An existing row gets the new account, token hash and expiry and
	// is un-revoked; a new row is created with the given LinkedVia. Any other
	// active binding of the same account is revoked.
	UpsertBinding(ctx context.Context, in models.BindingUpsert) (*models.Binding, error)
	TouchLastSeen(ctx context.Context, externalID int64, at time.Time) error
	// RevokeBinding sets revoked and clears the token hash. It reports whether
	// a binding existed; revoking twice is not an error.
	RevokeBinding(ctx context.Context, externalID int64, at time.Time) (bool, error)
}

// LinkingCodeStore persists one-time linking codes.
type LinkingCodeStore interface {
	// InsertLinkingCode returns errors.ErrConflict if the code value exists.
	InsertLinkingCode(ctx context.Context, code *models.LinkingCode) error
	FindLinkingCodeByValue(ctx context.Context, code string) (*models.LinkingCode, error)
	// ClaimLinkingCode marks the code used only if it is unused and unexpired
	// at now, in a single conditional write. It returns errors.ErrNotFound
	// when the claim does not apply.
	ClaimLinkingCode(ctx context.Context, code string, now time.Time) (*models.LinkingCode, error)
	// PurgeLinkingCodes deletes codes used or expired before cutoff.
	PurgeLinkingCodes(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the full persistence contract.
type Store interface {
	AccountStore
	BindingStore
	LinkingCodeStore
	Ping(ctx context.Context) error
	Close() error
}
