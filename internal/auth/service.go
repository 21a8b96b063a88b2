package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"orchid.org/internal/ids"
	"orchid.org/internal/obs"
)

const (
	defaultAccessTTL  = time.Hour
	defaultRefreshTTL = 7 * 24 * time.Hour

	mobileMarker = "mobile"
	timingGuard  = "orchid-timing-guard"
)

// Service runs the session lifecycle: login, access token validation, refresh
// rotation and logout. It holds no mutable state; every request is resolved
// against the stores.
type Service struct {
	accounts AccountStore
	tokens   TokenStore
	codec    *Codec
	hasher   PasswordHasher
	log      logrus.FieldLogger
	now      func() time.Time

	accessTTL    time.Duration
	refreshTTL   time.Duration
	storeTimeout time.Duration
	sessionCheck bool

	// dummyHash is compared against when the email is unknown so that both
	// failure paths cost one bcrypt comparison.
	dummyHash string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithAccessTTL overrides the default access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl <= 0 {
			return errors.New("auth: access ttl must be positive")
		}
		s.accessTTL = ttl
		return nil
	}
}

// WithRefreshTTL overrides the default refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl <= 0 {
			return errors.New("auth: refresh ttl must be positive")
		}
		s.refreshTTL = ttl
		return nil
	}
}

// WithClock overrides the time source. The codec keeps its own clock.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) error {
		if now == nil {
			return errors.New("auth: clock is nil")
		}
		s.now = now
		return nil
	}
}

// WithPasswordHasher replaces the bcrypt hasher.
func WithPasswordHasher(h PasswordHasher) ServiceOption {
	return func(s *Service) error {
		if h == nil {
			return errors.New("auth: hasher is nil")
		}
		s.hasher = h
		return nil
	}
}

// WithLogger sets the logger used for security diagnostics.
func WithLogger(l logrus.FieldLogger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// WithStoreTimeout bounds every store call made by the service.
func WithStoreTimeout(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d < 0 {
			return errors.New("auth: store timeout must not be negative")
		}
		s.storeTimeout = d
		return nil
	}
}

// WithSessionCheck makes ValidateAccessToken also require a live, unrevoked
// session row for the presented access token.
func WithSessionCheck(enabled bool) ServiceOption {
	return func(s *Service) error {
		s.sessionCheck = enabled
		return nil
	}
}

// NewService wires the service around its stores and codec.
func NewService(accounts AccountStore, tokens TokenStore, codec *Codec, opts ...ServiceOption) (*Service, error) {
	if accounts == nil || tokens == nil {
		return nil, errors.New("auth: account and token stores are required")
	}
	if codec == nil {
		return nil, errors.New("auth: codec is required")
	}
	s := &Service{
		accounts:   accounts,
		tokens:     tokens,
		codec:      codec,
		hasher:     BcryptHasher{},
		log:        obs.Logger(),
		now:        time.Now,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	dummy, err := s.hasher.Hash(timingGuard)
	if err != nil {
		return nil, fmt.Errorf("auth: prepare dummy hash: %w", err)
	}
	s.dummyHash = dummy
	return s, nil
}

// LoginInput carries the credentials and client hints of a login attempt.
type LoginInput struct {
	Email     string
	Password  string
	UserAgent string
}

// Login verifies credentials and issues a new access/refresh pair. Unknown
// email and wrong password are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, in LoginInput) (Session, error) {
	email := strings.TrimSpace(in.Email)
	if email == "" || in.Password == "" {
		s.hasher.Verify(in.Password, s.dummyHash)
		obs.RecordAuthEvent("login", "invalid_credentials")
		return Session{}, invalidCredentials(errors.New("empty email or password"))
	}

	sctx, cancel := s.storeContext(ctx)
	acct, err := s.accounts.FindByEmail(sctx, email)
	cancel()
	switch {
	case errors.Is(err, ErrNotFound):
		s.hasher.Verify(in.Password, s.dummyHash)
		s.log.WithField("reason", "unknown_email").Warn("login rejected")
		obs.RecordAuthEvent("login", "invalid_credentials")
		return Session{}, invalidCredentials(err)
	case err != nil:
		obs.RecordAuthEvent("login", "unavailable")
		return Session{}, unavailable(fmt.Errorf("find account: %w", err))
	}

	if !s.hasher.Verify(in.Password, acct.PasswordHash) {
		s.log.WithFields(logrus.Fields{"reason": "password_mismatch", "account_id": acct.ID}).Warn("login rejected")
		obs.RecordAuthEvent("login", "invalid_credentials")
		return Session{}, invalidCredentials(errors.New("password mismatch"))
	}

	principal := acct.Principal()
	tok, err := s.mintSession(principal, isMobile(in.UserAgent))
	if err != nil {
		obs.RecordAuthEvent("login", "error")
		return Session{}, err
	}
	sctx, cancel = s.storeContext(ctx)
	err = s.tokens.Create(sctx, &tok)
	cancel()
	if err != nil {
		obs.RecordAuthEvent("login", "unavailable")
		return Session{}, unavailable(fmt.Errorf("persist token: %w", err))
	}
	obs.RecordAuthEvent("login", "success")
	return Session{Token: tok, Principal: principal}, nil
}

// ValidateAccessToken verifies the token and resolves the current principal.
// The role always comes from the credential store, so a role change or
// account removal takes effect on the next request.
func (s *Service) ValidateAccessToken(ctx context.Context, token string) (Principal, error) {
	claims, err := s.codec.Parse(token)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return Principal{}, newError(KindUnauthorized, MsgTokenExpired, err)
		}
		return Principal{}, newError(KindUnauthorized, MsgInvalidToken, err)
	}

	sctx, cancel := s.storeContext(ctx)
	acct, err := s.accounts.FindByEmail(sctx, claims.Subject)
	cancel()
	switch {
	case errors.Is(err, ErrNotFound):
		return Principal{}, newError(KindAccountNotFound, MsgAccountNotFound, err)
	case err != nil:
		return Principal{}, unavailable(fmt.Errorf("find account: %w", err))
	}

	if s.sessionCheck {
		sctx, cancel := s.storeContext(ctx)
		rec, err := s.tokens.FindByAccessToken(sctx, token)
		cancel()
		switch {
		case errors.Is(err, ErrNotFound):
			return Principal{}, newError(KindUnauthorized, MsgSessionRevoked, err)
		case err != nil:
			return Principal{}, unavailable(fmt.Errorf("find session: %w", err))
		case rec.Revoked || rec.AccountID != acct.ID:
			return Principal{}, newError(KindUnauthorized, MsgSessionRevoked, nil)
		}
	}
	return acct.Principal(), nil
}

// Refresh exchanges a refresh token for a new pair. The old refresh token is
// consumed atomically; presenting it again yields TokenNotFound.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		obs.RecordAuthEvent("refresh", "token_not_found")
		return Session{}, newError(KindTokenNotFound, MsgTokenNotFound, errors.New("empty refresh token"))
	}

	now := s.now()
	sctx, cancel := s.storeContext(ctx)
	rec, err := s.tokens.FindByRefreshToken(sctx, refreshToken)
	cancel()
	switch {
	case errors.Is(err, ErrNotFound):
		obs.RecordAuthEvent("refresh", "token_not_found")
		return Session{}, newError(KindTokenNotFound, MsgTokenNotFound, err)
	case err != nil:
		obs.RecordAuthEvent("refresh", "unavailable")
		return Session{}, unavailable(fmt.Errorf("find token: %w", err))
	case rec.Revoked:
		obs.RecordAuthEvent("refresh", "token_not_found")
		return Session{}, newError(KindTokenNotFound, MsgTokenNotFound, errors.New("token revoked"))
	case rec.RefreshExpired(now):
		obs.RecordAuthEvent("refresh", "expired")
		return Session{}, newError(KindUnauthorized, MsgRefreshExpired, nil)
	}

	sctx, cancel = s.storeContext(ctx)
	acct, err := s.accounts.FindByID(sctx, rec.AccountID)
	cancel()
	switch {
	case errors.Is(err, ErrNotFound):
		obs.RecordAuthEvent("refresh", "account_not_found")
		return Session{}, newError(KindAccountNotFound, MsgAccountNotFound, err)
	case err != nil:
		obs.RecordAuthEvent("refresh", "unavailable")
		return Session{}, unavailable(fmt.Errorf("find account: %w", err))
	}

	principal := acct.Principal()
	next, err := s.mintSession(principal, rec.IsMobile)
	if err != nil {
		return Session{}, err
	}
	sctx, cancel = s.storeContext(ctx)
	updated, err := s.tokens.Rotate(sctx, refreshToken, Rotation{
		AccessToken:   next.AccessToken,
		RefreshToken:  next.RefreshToken,
		AccessExpiry:  next.AccessExpiry,
		RefreshExpiry: next.RefreshExpiry,
		Now:           now,
	})
	cancel()
	switch {
	case errors.Is(err, ErrNotFound):
		// Lost the race against a concurrent refresh or a logout.
		s.log.WithField("account_id", acct.ID).Warn("refresh token already consumed")
		obs.RecordAuthEvent("refresh", "token_not_found")
		return Session{}, newError(KindTokenNotFound, MsgTokenNotFound, err)
	case err != nil:
		obs.RecordAuthEvent("refresh", "unavailable")
		return Session{}, unavailable(fmt.Errorf("rotate token: %w", err))
	}
	obs.RecordAuthEvent("refresh", "success")
	return Session{Token: updated, Principal: principal}, nil
}

// Logout revokes the session identified by accessToken. The revocation is
// scoped to the principal's account so a caller can never end someone else's
// session. Other sessions of the same account stay valid.
func (s *Service) Logout(ctx context.Context, principal Principal, accessToken string) error {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		obs.RecordAuthEvent("logout", "token_not_found")
		return newError(KindTokenNotFound, MsgTokenNotFound, errors.New("no bearer token"))
	}
	if _, err := s.codec.Parse(accessToken); err != nil {
		obs.RecordAuthEvent("logout", "unauthorized")
		if errors.Is(err, ErrTokenExpired) {
			return newError(KindUnauthorized, MsgTokenExpired, err)
		}
		return newError(KindUnauthorized, MsgInvalidToken, err)
	}
	if principal.AccountID == "" {
		obs.RecordAuthEvent("logout", "unauthorized")
		return newError(KindUnauthorized, MsgInvalidToken, errors.New("no principal"))
	}

	sctx, cancel := s.storeContext(ctx)
	err := s.tokens.Revoke(sctx, accessToken, principal.AccountID)
	cancel()
	switch {
	case errors.Is(err, ErrNotFound):
		obs.RecordAuthEvent("logout", "token_not_found")
		return newError(KindTokenNotFound, MsgTokenNotFound, err)
	case err != nil:
		obs.RecordAuthEvent("logout", "unavailable")
		return unavailable(fmt.Errorf("revoke token: %w", err))
	}
	obs.RecordAuthEvent("logout", "success")
	return nil
}

// RegisterInput describes a self-service sign-up.
type RegisterInput struct {
	Name     string
	Email    string
	Password string
}

const minPasswordLen = 6

// Register creates a USER account.
func (s *Service) Register(ctx context.Context, in RegisterInput) (Account, error) {
	return s.CreateAccount(ctx, in, RoleUser)
}

// CreateAccount creates an account with the given role. It backs registration
// and seeding.
func (s *Service) CreateAccount(ctx context.Context, in RegisterInput, role Role) (Account, error) {
	name := strings.TrimSpace(in.Name)
	email := strings.TrimSpace(in.Email)
	switch {
	case name == "":
		return Account{}, newError(KindInvalidInput, "name is required", ErrInvalidInput)
	case !validEmail(email):
		return Account{}, newError(KindInvalidInput, "email is invalid", ErrInvalidInput)
	case len(in.Password) < minPasswordLen:
		return Account{}, newError(KindInvalidInput, fmt.Sprintf("password must be at least %d characters", minPasswordLen), ErrInvalidInput)
	case !role.Valid():
		return Account{}, newError(KindInvalidInput, "role is invalid", ErrInvalidInput)
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return Account{}, fmt.Errorf("hash password: %w", err)
	}
	now := s.now().UTC()
	acct := Account{
		ID:           ids.New(),
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	sctx, cancel := s.storeContext(ctx)
	err = s.accounts.Create(sctx, &acct)
	cancel()
	switch {
	case errors.Is(err, ErrConflict):
		obs.RecordAuthEvent("register", "conflict")
		return Account{}, newError(KindConflict, MsgEmailTaken, err)
	case err != nil:
		obs.RecordAuthEvent("register", "unavailable")
		return Account{}, unavailable(fmt.Errorf("create account: %w", err))
	}
	obs.RecordAuthEvent("register", "success")
	return acct, nil
}

// Account returns the account behind principal.
func (s *Service) Account(ctx context.Context, principal Principal) (Account, error) {
	sctx, cancel := s.storeContext(ctx)
	defer cancel()
	acct, err := s.accounts.FindByID(sctx, principal.AccountID)
	switch {
	case errors.Is(err, ErrNotFound):
		return Account{}, newError(KindAccountNotFound, MsgAccountNotFound, err)
	case err != nil:
		return Account{}, unavailable(fmt.Errorf("find account: %w", err))
	}
	return acct, nil
}

// Accounts lists every account.
func (s *Service) Accounts(ctx context.Context) ([]Account, error) {
	sctx, cancel := s.storeContext(ctx)
	defer cancel()
	list, err := s.accounts.List(sctx)
	if err != nil {
		return nil, unavailable(fmt.Errorf("list accounts: %w", err))
	}
	return list, nil
}

// Sessions lists the principal's sessions that are still usable.
func (s *Service) Sessions(ctx context.Context, principal Principal) ([]Token, error) {
	sctx, cancel := s.storeContext(ctx)
	defer cancel()
	all, err := s.tokens.ListByAccount(sctx, principal.AccountID)
	if err != nil {
		return nil, unavailable(fmt.Errorf("list sessions: %w", err))
	}
	now := s.now()
	active := make([]Token, 0, len(all))
	for _, t := range all {
		if t.Active(now) {
			active = append(active, t)
		}
	}
	return active, nil
}

func (s *Service) mintSession(p Principal, mobile bool) (Token, error) {
	access, accessExp, err := s.codec.Mint(p, s.accessTTL)
	if err != nil {
		return Token{}, fmt.Errorf("mint access token: %w", err)
	}
	refresh, err := NewRefreshToken()
	if err != nil {
		return Token{}, err
	}
	now := s.now().UTC()
	return Token{
		ID:            ids.New(),
		AccountID:     p.AccountID,
		AccessToken:   access,
		RefreshToken:  refresh,
		TokenType:     TokenTypeBearer,
		AccessExpiry:  accessExp,
		RefreshExpiry: now.Add(s.refreshTTL),
		IsMobile:      mobile,
		CreatedAt:     now,
	}, nil
}

func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.storeTimeout)
}

func isMobile(userAgent string) bool {
	return strings.Contains(strings.ToLower(userAgent), mobileMarker)
}

func validEmail(email string) bool {
	if email == "" || strings.ContainsAny(email, " \t\r\n") {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}
