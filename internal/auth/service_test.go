package auth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"orchid.org/internal/auth"
	"orchid.org/internal/store/memstore"
)

func TestLoginIssuesPair(t *testing.T) {
	f := newFixture(t)
	acct := f.account(t, "staff@example.com", auth.RoleStaff)

	sess := f.login(t, "staff@example.com")
	if sess.Principal != acct.Principal() {
		t.Fatalf("principal = %+v, want %+v", sess.Principal, acct.Principal())
	}
	tok := sess.Token
	if tok.TokenType != auth.TokenTypeBearer || tok.AccessToken == "" || tok.RefreshToken == "" {
		t.Fatalf("incomplete token: %+v", tok)
	}
	if tok.AccessToken == tok.RefreshToken {
		t.Fatal("access and refresh tokens must differ")
	}
	if !tok.AccessExpiry.Equal(f.clock.Now().Add(time.Hour)) {
		t.Fatalf("access expiry = %v", tok.AccessExpiry)
	}
	if !tok.RefreshExpiry.After(tok.AccessExpiry) {
		t.Fatalf("refresh expiry %v not after access expiry %v", tok.RefreshExpiry, tok.AccessExpiry)
	}
	stored, err := f.store.Tokens().FindByRefreshToken(context.Background(), tok.RefreshToken)
	if err != nil {
		t.Fatalf("token not persisted: %v", err)
	}
	if stored.AccountID != acct.ID || stored.Revoked {
		t.Fatalf("unexpected stored token: %+v", stored)
	}
	claims, err := f.codec.Parse(tok.AccessToken)
	if err != nil {
		t.Fatalf("issued token does not parse: %v", err)
	}
	if claims.Subject != acct.Email || claims.Role != auth.RoleStaff {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t)
	f.account(t, "user@example.com", auth.RoleUser)
	ctx := context.Background()

	_, wrongPass := f.svc.Login(ctx, auth.LoginInput{Email: "user@example.com", Password: "nope-nope"})
	_, unknown := f.svc.Login(ctx, auth.LoginInput{Email: "ghost@example.com", Password: "nope-nope"})
	_, caseMismatch := f.svc.Login(ctx, auth.LoginInput{Email: "USER@example.com", Password: "secret-password"})

	for name, err := range map[string]error{"wrong password": wrongPass, "unknown email": unknown, "case mismatch": caseMismatch} {
		requireKind(t, err, auth.KindInvalidCredentials)
		if msg := auth.PublicMessage(err); msg != auth.MsgWrongCredentials {
			t.Fatalf("%s: message = %q", name, msg)
		}
	}
}

func TestLoginDetectsMobileClients(t *testing.T) {
	f := newFixture(t)
	f.account(t, "user@example.com", auth.RoleUser)
	ctx := context.Background()

	phone, err := f.svc.Login(ctx, auth.LoginInput{
		Email: "user@example.com", Password: "secret-password",
		UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0) Mobile/15E148",
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	desktop, err := f.svc.Login(ctx, auth.LoginInput{
		Email: "user@example.com", Password: "secret-password",
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64)",
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !phone.Token.IsMobile || desktop.Token.IsMobile {
		t.Fatalf("is_mobile phone=%v desktop=%v", phone.Token.IsMobile, desktop.Token.IsMobile)
	}
}

func TestValidateAccessTokenBoundary(t *testing.T) {
	f := newFixture(t, auth.WithAccessTTL(2*time.Second))
	f.account(t, "user@example.com", auth.RoleUser)
	sess := f.login(t, "user@example.com")
	ctx := context.Background()

	f.clock.Advance(time.Second)
	if _, err := f.svc.ValidateAccessToken(ctx, sess.Token.AccessToken); err != nil {
		t.Fatalf("validate before expiry: %v", err)
	}
	f.clock.Advance(time.Second)
	_, err := f.svc.ValidateAccessToken(ctx, sess.Token.AccessToken)
	requireKind(t, err, auth.KindUnauthorized)
	if auth.PublicMessage(err) != auth.MsgTokenExpired {
		t.Fatalf("message = %q, want %q", auth.PublicMessage(err), auth.MsgTokenExpired)
	}
	if !errors.Is(err, auth.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired in chain: %v", err)
	}
}

func TestValidateAccessTokenRefetchesRole(t *testing.T) {
	f := newFixture(t)
	acct := f.account(t, "staff@example.com", auth.RoleStaff)
	sess := f.login(t, "staff@example.com")
	ctx := context.Background()

	if err := f.store.Accounts().SetRole(ctx, acct.ID, auth.RoleUser); err != nil {
		t.Fatalf("SetRole: %v", err)
	}
	p, err := f.svc.ValidateAccessToken(ctx, sess.Token.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if p.Role != auth.RoleUser {
		t.Fatalf("role = %s, want store role USER", p.Role)
	}

	if err := f.store.Accounts().Delete(ctx, acct.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, err = f.svc.ValidateAccessToken(ctx, sess.Token.AccessToken)
	requireKind(t, err, auth.KindAccountNotFound)
}

func TestRefreshRotatesAndConsumes(t *testing.T) {
	f := newFixture(t)
	f.account(t, "user@example.com", auth.RoleUser)
	sess := f.login(t, "user@example.com")
	ctx := context.Background()

	f.clock.Advance(time.Minute)
	next, err := f.svc.Refresh(ctx, sess.Token.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.Token.ID != sess.Token.ID {
		t.Fatalf("refresh must rotate the same session row")
	}
	if next.Token.RefreshToken == sess.Token.RefreshToken || next.Token.AccessToken == sess.Token.AccessToken {
		t.Fatal("refresh did not replace credentials")
	}
	if !next.Token.AccessExpiry.After(sess.Token.AccessExpiry) {
		t.Fatalf("access expiry not extended: %v <= %v", next.Token.AccessExpiry, sess.Token.AccessExpiry)
	}

	_, err = f.svc.Refresh(ctx, sess.Token.RefreshToken)
	requireKind(t, err, auth.KindTokenNotFound)

	if _, err := f.svc.Refresh(ctx, next.Token.RefreshToken); err != nil {
		t.Fatalf("second rotation: %v", err)
	}
}

func TestRefreshUnknownAndExpired(t *testing.T) {
	f := newFixture(t, auth.WithRefreshTTL(time.Hour), auth.WithAccessTTL(time.Minute))
	f.account(t, "user@example.com", auth.RoleUser)
	sess := f.login(t, "user@example.com")
	ctx := context.Background()

	_, err := f.svc.Refresh(ctx, "does-not-exist")
	requireKind(t, err, auth.KindTokenNotFound)
	_, err = f.svc.Refresh(ctx, "")
	requireKind(t, err, auth.KindTokenNotFound)

	f.clock.Advance(time.Hour)
	_, err = f.svc.Refresh(ctx, sess.Token.RefreshToken)
	requireKind(t, err, auth.KindUnauthorized)
}

type recordingTokens struct {
	auth.TokenStore
	rotations []auth.Rotation
}

func (r *recordingTokens) Rotate(ctx context.Context, oldRefresh string, next auth.Rotation) (auth.Token, error) {
	r.rotations = append(r.rotations, next)
	return r.TokenStore.Rotate(ctx, oldRefresh, next)
}

func TestRefreshHandsCheckInstantToStore(t *testing.T) {
	clk := newClock()
	codec, err := auth.NewCodec(testSecret, auth.WithCodecClock(clk.Now))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	store := memstore.New()
	tokens := &recordingTokens{TokenStore: store.Tokens()}
	svc, err := auth.NewService(store.Accounts(), tokens, codec,
		auth.WithClock(clk.Now),
		auth.WithRefreshTTL(time.Hour),
		auth.WithPasswordHasher(auth.BcryptHasher{Cost: bcrypt.MinCost}),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()
	if _, err := svc.CreateAccount(ctx, auth.RegisterInput{Name: "U", Email: "user@example.com", Password: "secret-password"}, auth.RoleUser); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	sess, err := svc.Login(ctx, auth.LoginInput{Email: "user@example.com", Password: "secret-password"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	clk.Advance(59 * time.Minute)
	checkedAt := clk.Now()
	if _, err := svc.Refresh(ctx, sess.Token.RefreshToken); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(tokens.rotations) != 1 || !tokens.rotations[0].Now.Equal(checkedAt) {
		t.Fatalf("rotations = %+v, want one stamped %v", tokens.rotations, checkedAt)
	}
}

func TestRefreshAfterAccountRemoval(t *testing.T) {
	f := newFixture(t)
	acct := f.account(t, "user@example.com", auth.RoleUser)
	sess := f.login(t, "user@example.com")
	if err := f.store.Accounts().Delete(context.Background(), acct.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, err := f.svc.Refresh(context.Background(), sess.Token.RefreshToken)
	requireKind(t, err, auth.KindAccountNotFound)
}

func TestConcurrentRefreshHasOneWinner(t *testing.T) {
	f := newFixture(t)
	f.account(t, "user@example.com", auth.RoleUser)
	sess := f.login(t, "user@example.com")

	const racers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		notFound int
	)
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Refresh(context.Background(), sess.Token.RefreshToken)
			mu.Lock()
			defer mu.Unlock()
			switch auth.KindOf(err) {
			case auth.KindUnknown:
				if err == nil {
					wins++
				}
			case auth.KindTokenNotFound:
				notFound++
			}
		}()
	}
	close(start)
	wg.Wait()
	if wins != 1 || notFound != racers-1 {
		t.Fatalf("wins=%d notFound=%d, want 1/%d", wins, notFound, racers-1)
	}
}

func TestLogoutIsScopedToSessionAndAccount(t *testing.T) {
	f := newFixture(t)
	alice := f.account(t, "alice@example.com", auth.RoleUser)
	bob := f.account(t, "bob@example.com", auth.RoleUser)
	phone := f.login(t, "alice@example.com")
	laptop := f.login(t, "alice@example.com")
	ctx := context.Background()

	// Bob presents Alice's token under his own identity.
	err := f.svc.Logout(ctx, bob.Principal(), phone.Token.AccessToken)
	requireKind(t, err, auth.KindTokenNotFound)

	if err := f.svc.Logout(ctx, alice.Principal(), phone.Token.AccessToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	_, err = f.svc.Refresh(ctx, phone.Token.RefreshToken)
	requireKind(t, err, auth.KindTokenNotFound)

	if _, err := f.svc.ValidateAccessToken(ctx, laptop.Token.AccessToken); err != nil {
		t.Fatalf("other device session broken: %v", err)
	}
	if _, err := f.svc.Refresh(ctx, laptop.Token.RefreshToken); err != nil {
		t.Fatalf("other device refresh broken: %v", err)
	}

	err = f.svc.Logout(ctx, alice.Principal(), phone.Token.AccessToken)
	requireKind(t, err, auth.KindTokenNotFound)
}

func TestLogoutFailures(t *testing.T) {
	f := newFixture(t, auth.WithAccessTTL(time.Minute))
	acct := f.account(t, "user@example.com", auth.RoleUser)
	sess := f.login(t, "user@example.com")
	ctx := context.Background()

	requireKind(t, f.svc.Logout(ctx, acct.Principal(), ""), auth.KindTokenNotFound)
	requireKind(t, f.svc.Logout(ctx, acct.Principal(), "garbage"), auth.KindUnauthorized)

	f.clock.Advance(time.Minute)
	err := f.svc.Logout(ctx, acct.Principal(), sess.Token.AccessToken)
	requireKind(t, err, auth.KindUnauthorized)
	if auth.PublicMessage(err) != auth.MsgTokenExpired {
		t.Fatalf("message = %q", auth.PublicMessage(err))
	}
}

func TestSessionCheckRejectsRevokedTokens(t *testing.T) {
	f := newFixture(t, auth.WithSessionCheck(true))
	acct := f.account(t, "user@example.com", auth.RoleUser)
	sess := f.login(t, "user@example.com")
	ctx := context.Background()

	if _, err := f.svc.ValidateAccessToken(ctx, sess.Token.AccessToken); err != nil {
		t.Fatalf("validate live session: %v", err)
	}
	if err := f.svc.Logout(ctx, acct.Principal(), sess.Token.AccessToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	_, err := f.svc.ValidateAccessToken(ctx, sess.Token.AccessToken)
	requireKind(t, err, auth.KindUnauthorized)
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acct, err := f.svc.Register(ctx, auth.RegisterInput{Name: "New", Email: "new@example.com", Password: "hunter22"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if acct.Role != auth.RoleUser || acct.ID == "" {
		t.Fatalf("unexpected account: %+v", acct)
	}
	if acct.PasswordHash == "hunter22" || bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte("hunter22")) != nil {
		t.Fatal("password not stored as bcrypt hash")
	}

	_, err = f.svc.Register(ctx, auth.RegisterInput{Name: "Dup", Email: "new@example.com", Password: "hunter22"})
	requireKind(t, err, auth.KindConflict)

	bad := []auth.RegisterInput{
		{Name: "", Email: "x@example.com", Password: "hunter22"},
		{Name: "X", Email: "not-an-email", Password: "hunter22"},
		{Name: "X", Email: "x@example.com", Password: "123"},
	}
	for _, in := range bad {
		_, err := f.svc.Register(ctx, in)
		requireKind(t, err, auth.KindInvalidInput)
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n, err := f.svc.Seed(ctx, auth.DemoAccounts, "demo-password")
	if err != nil || n != len(auth.DemoAccounts) {
		t.Fatalf("first seed: n=%d err=%v", n, err)
	}
	n, err = f.svc.Seed(ctx, auth.DemoAccounts, "demo-password")
	if err != nil || n != 0 {
		t.Fatalf("second seed: n=%d err=%v", n, err)
	}
	if _, err := f.svc.Login(ctx, auth.LoginInput{Email: "manager@example.com", Password: "demo-password"}); err != nil {
		t.Fatalf("seeded login: %v", err)
	}
}

func TestSessionsListsActiveOnly(t *testing.T) {
	f := newFixture(t)
	acct := f.account(t, "user@example.com", auth.RoleUser)
	a := f.login(t, "user@example.com")
	f.login(t, "user@example.com")
	ctx := context.Background()
	if err := f.svc.Logout(ctx, acct.Principal(), a.Token.AccessToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	list, err := f.svc.Sessions(ctx, acct.Principal())
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(list) != 1 || list[0].ID == a.Token.ID {
		t.Fatalf("sessions = %+v", list)
	}
}

type failingAccounts struct{ auth.AccountStore }

func (failingAccounts) FindByEmail(context.Context, string) (auth.Account, error) {
	return auth.Account{}, errors.New("connection refused")
}

func (failingAccounts) FindByID(context.Context, string) (auth.Account, error) {
	return auth.Account{}, errors.New("connection refused")
}

func TestStoreFailuresSurfaceAsUnavailable(t *testing.T) {
	clk := newClock()
	codec, _ := auth.NewCodec(testSecret, auth.WithCodecClock(clk.Now))
	mem := memstore.New()
	svc, err := auth.NewService(failingAccounts{}, mem.Tokens(), codec,
		auth.WithClock(clk.Now),
		auth.WithPasswordHasher(auth.BcryptHasher{Cost: bcrypt.MinCost}),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()

	_, err = svc.Login(ctx, auth.LoginInput{Email: "a@example.com", Password: "pw"})
	requireKind(t, err, auth.KindServiceUnavailable)

	token, _, _ := codec.Mint(auth.Principal{Email: "a@example.com", Role: auth.RoleUser}, time.Hour)
	_, err = svc.ValidateAccessToken(ctx, token)
	requireKind(t, err, auth.KindServiceUnavailable)
}

type blockingAccounts struct{ auth.AccountStore }

func (blockingAccounts) FindByEmail(ctx context.Context, _ string) (auth.Account, error) {
	<-ctx.Done()
	return auth.Account{}, ctx.Err()
}

func TestStoreTimeoutBoundsCalls(t *testing.T) {
	clk := newClock()
	codec, _ := auth.NewCodec(testSecret, auth.WithCodecClock(clk.Now))
	svc, err := auth.NewService(blockingAccounts{}, memstore.New().Tokens(), codec,
		auth.WithPasswordHasher(auth.BcryptHasher{Cost: bcrypt.MinCost}),
		auth.WithStoreTimeout(10*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	_, err = svc.Login(context.Background(), auth.LoginInput{Email: "a@example.com", Password: "pw"})
	requireKind(t, err, auth.KindServiceUnavailable)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline in chain: %v", err)
	}
}
