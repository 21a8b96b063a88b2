package auth

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Role is the closed set of account roles. Roles carry no ordering; routes list
// every role they admit.
type Role string

const (
	RoleAdmin   Role = "ADMIN"
	RoleManager Role = "MANAGER"
	RoleStaff   Role = "STAFF"
	RoleUser    Role = "USER"
)

// AllRoles lists every valid role.
var AllRoles = []Role{RoleAdmin, RoleManager, RoleStaff, RoleUser}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return slices.Contains(AllRoles, r)
}

// ParseRole normalizes s into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
	return r, nil
}

// Account is an identity record owned by the credential store.
type Account struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Principal returns the identity derived from the account.
func (a Account) Principal() Principal {
	return Principal{AccountID: a.ID, Email: a.Email, Role: a.Role}
}

// Summary is the compact projection returned to clients. It never includes the hash.
func (a Account) Summary() AccountSummary {
	return AccountSummary{ID: a.ID, Name: a.Name, Email: a.Email, Role: a.Role}
}

// AccountSummary is the public view of an account.
type AccountSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// TokenTypeBearer is the only token type issued.
const TokenTypeBearer = "Bearer"

// Token is an issued session: a signed access token paired with an opaque refresh token.
type Token struct {
	ID            string
	AccountID     string
	AccessToken   string
	RefreshToken  string
	TokenType     string
	AccessExpiry  time.Time
	RefreshExpiry time.Time
	IsMobile      bool
	Revoked       bool
	CreatedAt     time.Time
}

// Expired reports whether the access token has expired at now. A token whose
// expiry equals now is expired.
func (t Token) Expired(now time.Time) bool {
	return !now.Before(t.AccessExpiry)
}

// RefreshExpired reports whether the refresh token can no longer be exchanged.
func (t Token) RefreshExpired(now time.Time) bool {
	return !now.Before(t.RefreshExpiry)
}

// Active reports whether the session can still be refreshed: it is not
// revoked and its refresh token has not expired.
func (t Token) Active(now time.Time) bool {
	return !t.Revoked && !t.RefreshExpired(now)
}

// Rotation carries the replacement values written by a refresh.
type Rotation struct {
	AccessToken   string
	RefreshToken  string
	AccessExpiry  time.Time
	RefreshExpiry time.Time

	// Now is the instant the refresh was checked at. Stores refuse to rotate
	// a session whose refresh token expired by then.
	Now time.Time
}

// Principal is the authenticated identity resolved for a single request.
type Principal struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
	Role      Role   `json:"role"`
}

// IsZero reports whether no identity is present.
func (p Principal) IsZero() bool {
	return p.AccountID == "" && p.Email == ""
}

// HasAnyRole reports whether the principal's role is in roles.
func (p Principal) HasAnyRole(roles ...Role) bool {
	for _, r := range roles {
		if p.Role == r {
			return true
		}
	}
	return false
}

// Session is the result of a login or refresh.
type Session struct {
	Token     Token
	Principal Principal
}
