package auth

import "context"

// AccountStore is the credential store. Lookups by email are exact and case-sensitive.
type AccountStore interface {
	FindByEmail(ctx context.Context, email string) (Account, error)
	FindByID(ctx context.Context, id string) (Account, error)
	List(ctx context.Context) ([]Account, error)
	// Create persists a new account; a duplicate email yields ErrConflict.
	Create(ctx context.Context, account *Account) error
}

// TokenStore persists issued sessions. Absent rows yield ErrNotFound.
type TokenStore interface {
	Create(ctx context.Context, token *Token) error
	FindByRefreshToken(ctx context.Context, refreshToken string) (Token, error)
	FindByAccessToken(ctx context.Context, accessToken string) (Token, error)
	// Rotate replaces the credentials of the unrevoked session currently holding
	// oldRefresh. It is a single atomic compare-and-swap: when two callers race
	// on the same refresh token exactly one wins and the other gets ErrNotFound.
	Rotate(ctx context.Context, oldRefresh string, next Rotation) (Token, error)
	// Revoke marks the session holding accessToken revoked only when it belongs
	// to accountID. Anything else yields ErrNotFound.
	Revoke(ctx context.Context, accessToken, accountID string) error
	ListByAccount(ctx context.Context, accountID string) ([]Token, error)
}
