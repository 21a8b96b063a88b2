// Package memstore keeps accounts and sessions in process memory. It backs
// tests and the memory store driver.
package memstore

import (
	"context"
	"sort"
	"sync"

	"orchid.org/internal/auth"
)

// Store holds both the credential and the token tables.
type Store struct {
	mu sync.RWMutex

	accounts map[string]auth.Account // by id
	byEmail  map[string]string       // email -> id

	tokens    map[string]auth.Token // by id
	byAccess  map[string]string
	byRefresh map[string]string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		accounts:  make(map[string]auth.Account),
		byEmail:   make(map[string]string),
		tokens:    make(map[string]auth.Token),
		byAccess:  make(map[string]string),
		byRefresh: make(map[string]string),
	}
}

// Accounts exposes the credential store view.
func (s *Store) Accounts() *AccountStore { return &AccountStore{s: s} }

// Tokens exposes the token store view.
func (s *Store) Tokens() *TokenStore { return &TokenStore{s: s} }

// AccountStore implements auth.AccountStore.
type AccountStore struct{ s *Store }

var _ auth.AccountStore = (*AccountStore)(nil)

func (a *AccountStore) FindByEmail(ctx context.Context, email string) (auth.Account, error) {
	if err := ctx.Err(); err != nil {
		return auth.Account{}, err
	}
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	id, ok := a.s.byEmail[email]
	if !ok {
		return auth.Account{}, auth.ErrNotFound
	}
	return a.s.accounts[id], nil
}

func (a *AccountStore) FindByID(ctx context.Context, id string) (auth.Account, error) {
	if err := ctx.Err(); err != nil {
		return auth.Account{}, err
	}
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	acct, ok := a.s.accounts[id]
	if !ok {
		return auth.Account{}, auth.ErrNotFound
	}
	return acct, nil
}

func (a *AccountStore) List(ctx context.Context) ([]auth.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.s.mu.RLock()
	out := make([]auth.Account, 0, len(a.s.accounts))
	for _, acct := range a.s.accounts {
		out = append(out, acct)
	}
	a.s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (a *AccountStore) Create(ctx context.Context, acct *auth.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if _, dup := a.s.byEmail[acct.Email]; dup {
		return auth.ErrConflict
	}
	if _, dup := a.s.accounts[acct.ID]; dup {
		return auth.ErrConflict
	}
	a.s.accounts[acct.ID] = *acct
	a.s.byEmail[acct.Email] = acct.ID
	return nil
}

// Delete removes an account. Sessions are left in place and fail on their next use.
func (a *AccountStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	acct, ok := a.s.accounts[id]
	if !ok {
		return auth.ErrNotFound
	}
	delete(a.s.byEmail, acct.Email)
	delete(a.s.accounts, id)
	return nil
}

// SetRole changes the role of an account.
func (a *AccountStore) SetRole(ctx context.Context, id string, role auth.Role) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	acct, ok := a.s.accounts[id]
	if !ok {
		return auth.ErrNotFound
	}
	acct.Role = role
	a.s.accounts[id] = acct
	return nil
}

// TokenStore implements auth.TokenStore.
type TokenStore struct{ s *Store }

var _ auth.TokenStore = (*TokenStore)(nil)

func (t *TokenStore) Create(ctx context.Context, tok *auth.Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, dup := t.s.tokens[tok.ID]; dup {
		return auth.ErrConflict
	}
	if _, dup := t.s.byRefresh[tok.RefreshToken]; dup {
		return auth.ErrConflict
	}
	t.s.tokens[tok.ID] = *tok
	t.s.byAccess[tok.AccessToken] = tok.ID
	t.s.byRefresh[tok.RefreshToken] = tok.ID
	return nil
}

func (t *TokenStore) FindByRefreshToken(ctx context.Context, refresh string) (auth.Token, error) {
	return t.find(ctx, func() (string, bool) {
		id, ok := t.s.byRefresh[refresh]
		return id, ok
	})
}

func (t *TokenStore) FindByAccessToken(ctx context.Context, access string) (auth.Token, error) {
	return t.find(ctx, func() (string, bool) {
		id, ok := t.s.byAccess[access]
		return id, ok
	})
}

func (t *TokenStore) find(ctx context.Context, lookup func() (string, bool)) (auth.Token, error) {
	if err := ctx.Err(); err != nil {
		return auth.Token{}, err
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	id, ok := lookup()
	if !ok {
		return auth.Token{}, auth.ErrNotFound
	}
	return t.s.tokens[id], nil
}

func (t *TokenStore) Rotate(ctx context.Context, oldRefresh string, next auth.Rotation) (auth.Token, error) {
	if err := ctx.Err(); err != nil {
		return auth.Token{}, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	id, ok := t.s.byRefresh[oldRefresh]
	if !ok {
		return auth.Token{}, auth.ErrNotFound
	}
	tok := t.s.tokens[id]
	if !tok.Active(next.Now) {
		return auth.Token{}, auth.ErrNotFound
	}
	delete(t.s.byRefresh, oldRefresh)
	delete(t.s.byAccess, tok.AccessToken)
	tok.AccessToken = next.AccessToken
	tok.RefreshToken = next.RefreshToken
	tok.AccessExpiry = next.AccessExpiry
	tok.RefreshExpiry = next.RefreshExpiry
	t.s.tokens[id] = tok
	t.s.byAccess[tok.AccessToken] = id
	t.s.byRefresh[tok.RefreshToken] = id
	return tok, nil
}

func (t *TokenStore) Revoke(ctx context.Context, access, accountID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	id, ok := t.s.byAccess[access]
	if !ok {
		return auth.ErrNotFound
	}
	tok := t.s.tokens[id]
	if tok.Revoked || tok.AccountID != accountID {
		return auth.ErrNotFound
	}
	tok.Revoked = true
	t.s.tokens[id] = tok
	return nil
}

func (t *TokenStore) ListByAccount(ctx context.Context, accountID string) ([]auth.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.s.mu.RLock()
	var out []auth.Token
	for _, tok := range t.s.tokens {
		if tok.AccountID == accountID {
			out = append(out, tok)
		}
	}
	t.s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) || (out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].ID < out[j].ID) })
	return out, nil
}
