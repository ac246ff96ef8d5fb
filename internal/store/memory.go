package store

import (
	"context"
	"sync"
	"time"

	"github.com/linkgate/linkgate/internal/errors"
	"github.com/linkgate/linkgate/internal/models"
)

// MemoryStore is an in-process Store. It is thread-safe and applies every
// write under one lock, which gives it the same atomic claim and upsert
// behaviour as the SQL stores.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]*models.Account     // key: accountID
	logins       map[string]string              // key: normalized login
	bindings     map[int64]*models.Binding      // key: externalID
	linkingCodes map[string]*models.LinkingCode // key: code
	fault        error
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]*models.Account),
		logins:       make(map[string]string),
		bindings:     make(map[int64]*models.Binding),
		linkingCodes: make(map[string]*models.LinkingCode),
	}
}

// SetFault makes every subsequent operation fail as an unavailable
// dependency with err. Pass nil to recover.
func (s *MemoryStore) SetFault(err error) {
	s.mu.Lock()
	s.fault = err
	s.mu.Unlock()
}

func (s *MemoryStore) faultFor(op string) error {
	return errors.Unavailable(op, s.fault)
}

// Ping reports the injected fault, if any.
func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.faultFor("ping")
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// Account operations

// CreateAccount stores acc, rejecting a taken login.
func (s *MemoryStore) CreateAccount(_ context.Context, acc *models.Account) error {
	acc.Login = models.NormalizeLogin(acc.Login)
	if err := acc.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultFor("create account"); err != nil {
		return err
	}
	if _, taken := s.logins[acc.Login]; taken {
		return errors.ErrConflict
	}
	if _, taken := s.accounts[acc.ID]; taken {
		return errors.ErrConflict
	}

	now := time.Now().UTC()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.UpdatedAt = now
	cp := *acc
	s.accounts[acc.ID] = &cp
	s.logins[acc.Login] = acc.ID
	return nil
}

// GetAccount retrieves an account by ID
func (s *MemoryStore) GetAccount(_ context.Context, id string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.faultFor("get account"); err != nil {
		return nil, err
	}
	acc, ok := s.accounts[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	cp := *acc
	return &cp, nil
}

// GetAccountByLogin retrieves an account by login.
func (s *MemoryStore) GetAccountByLogin(ctx context.Context, login string) (*models.Account, error) {
	s.mu.RLock()
	if err := s.faultFor("get account by login"); err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	id, ok := s.logins[models.NormalizeLogin(login)]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.ErrNotFound
	}
	return s.GetAccount(ctx, id)
}

// Binding operations

func copyBinding(b *models.Binding) *models.Binding {
	cp := *b
	if b.TokenHash != nil {
		h := *b.TokenHash
		cp.TokenHash = &h
	}
	if b.TokenExpiresAt != nil {
		t := *b.TokenExpiresAt
		cp.TokenExpiresAt = &t
	}
	if b.LastSeenAt != nil {
		t := *b.LastSeenAt
		cp.LastSeenAt = &t
	}
	return &cp
}

// FindBindingByExternalID returns the binding for externalID, revoked or not.
func (s *MemoryStore) FindBindingByExternalID(_ context.Context, externalID int64) (*models.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.faultFor("find binding by external id"); err != nil {
		return nil, err
	}
	b, ok := s.bindings[externalID]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return copyBinding(b), nil
}

// FindBindingByTokenHash returns the active binding holding tokenHash.
func (s *MemoryStore) FindBindingByTokenHash(_ context.Context, tokenHash string, now time.Time) (*models.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.faultFor("find binding by token hash"); err != nil {
		return nil, err
	}
	for _, b := range s.bindings {
		if b.TokenHash != nil && *b.TokenHash == tokenHash && b.CanAuthenticate(now) {
			return copyBinding(b), nil
		}
	}
	return nil, errors.ErrNotFound
}

// FindBindingByAccountID returns the most recently updated active binding.
func (s *MemoryStore) FindBindingByAccountID(_ context.Context, accountID string) (*models.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.faultFor("find binding by account id"); err != nil {
		return nil, err
	}
	var found *models.Binding
	for _, b := range s.bindings {
		if b.AccountID != accountID || b.Revoked {
			continue
		}
		if found == nil || b.UpdatedAt.After(found.UpdatedAt) {
			found = b
		}
	}
	if found == nil {
		return nil, errors.ErrNotFound
	}
	return copyBinding(found), nil
}

// UpsertBinding writes the binding keyed by external id.
func (s *MemoryStore) UpsertBinding(_ context.Context, in models.BindingUpsert) (*models.Binding, error) {
	if in.LinkedVia == "" {
		in.LinkedVia = models.LinkMethodCode
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultFor("upsert binding"); err != nil {
		return nil, err
	}

	hash := in.TokenHash
	expires := in.TokenExpiresAt
	b, ok := s.bindings[in.ExternalID]
	if !ok {
		b = &models.Binding{
			ExternalID: in.ExternalID,
			LinkedVia:  in.LinkedVia,
			CreatedAt:  in.Now,
		}
		s.bindings[in.ExternalID] = b
	}
	b.AccountID = in.AccountID
	if in.ExternalDisplayName != "" {
		b.ExternalDisplayName = in.ExternalDisplayName
	}
	b.TokenHash = &hash
	b.TokenExpiresAt = &expires
	b.Revoked = false
	b.UpdatedAt = in.Now

	for id, other := range s.bindings {
		if id != in.ExternalID && other.AccountID == in.AccountID && !other.Revoked {
			other.Revoked = true
			other.TokenHash = nil
			other.UpdatedAt = in.Now
		}
	}
	return copyBinding(b), nil
}

// TouchLastSeen records bot activity for externalID.
func (s *MemoryStore) TouchLastSeen(_ context.Context, externalID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultFor("touch last seen"); err != nil {
		return err
	}
	if b, ok := s.bindings[externalID]; ok {
		t := at
		b.LastSeenAt = &t
	}
	return nil
}

// RevokeBinding marks the binding revoked and drops its token hash.
func (s *MemoryStore) RevokeBinding(_ context.Context, externalID int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultFor("revoke binding"); err != nil {
		return false, err
	}
	b, ok := s.bindings[externalID]
	if !ok {
		return false, nil
	}
	b.Revoked = true
	b.TokenHash = nil
	b.UpdatedAt = at
	return true, nil
}

// Linking code operations

func copyLinkingCode(c *models.LinkingCode) *models.LinkingCode {
	cp := *c
	if c.UsedAt != nil {
		t := *c.UsedAt
		cp.UsedAt = &t
	}
	return &cp
}

// InsertLinkingCode stores a new code.
func (s *MemoryStore) InsertLinkingCode(_ context.Context, code *models.LinkingCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultFor("insert linking code"); err != nil {
		return err
	}
	if _, exists := s.linkingCodes[code.Code]; exists {
		return errors.ErrConflict
	}
	s.linkingCodes[code.Code] = copyLinkingCode(code)
	return nil
}

// FindLinkingCodeByValue returns the code regardless of state.
func (s *MemoryStore) FindLinkingCodeByValue(_ context.Context, code string) (*models.LinkingCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.faultFor("find linking code"); err != nil {
		return nil, err
	}
	c, ok := s.linkingCodes[code]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return copyLinkingCode(c), nil
}

// ClaimLinkingCode marks the code used if it is still redeemable.
func (s *MemoryStore) ClaimLinkingCode(_ context.Context, code string, now time.Time) (*models.LinkingCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultFor("claim linking code"); err != nil {
		return nil, err
	}
	c, ok := s.linkingCodes[code]
	if !ok || !c.Redeemable(now) {
		return nil, errors.ErrNotFound
	}
	used := now
	c.UsedAt = &used
	return copyLinkingCode(c), nil
}

// PurgeLinkingCodes removes codes that were used or expired before cutoff.
func (s *MemoryStore) PurgeLinkingCodes(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultFor("purge linking codes"); err != nil {
		return 0, err
	}
	var n int64
	for k, c := range s.linkingCodes {
		if c.ExpiresAt.Before(cutoff) || (c.UsedAt != nil && c.UsedAt.Before(cutoff)) {
			delete(s.linkingCodes, k)
			n++
		}
	}
	return n, nil
}
