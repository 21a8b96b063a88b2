package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"orchid.org/internal/auth"
	"orchid.org/internal/store/memstore"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc   *auth.Service
	codec *auth.Codec
	clock *fakeClock
	store *memstore.Store
}

func newFixture(t *testing.T, opts ...auth.ServiceOption) *fixture {
	t.Helper()
	clk := newClock()
	codec, err := auth.NewCodec(testSecret, auth.WithCodecClock(clk.Now))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	store := memstore.New()
	base := []auth.ServiceOption{
		auth.WithClock(clk.Now),
		auth.WithPasswordHasher(auth.BcryptHasher{Cost: bcrypt.MinCost}),
	}
	svc, err := auth.NewService(store.Accounts(), store.Tokens(), codec, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &fixture{svc: svc, codec: codec, clock: clk, store: store}
}

func (f *fixture) account(t *testing.T, email string, role auth.Role) auth.Account {
	t.Helper()
	acct, err := f.svc.CreateAccount(context.Background(), auth.RegisterInput{
		Name:     "Test " + string(role),
		Email:    email,
		Password: "secret-password",
	}, role)
	if err != nil {
		t.Fatalf("CreateAccount(%s): %v", email, err)
	}
	return acct
}

func (f *fixture) login(t *testing.T, email string) auth.Session {
	t.Helper()
	sess, err := f.svc.Login(context.Background(), auth.LoginInput{Email: email, Password: "secret-password"})
	if err != nil {
		t.Fatalf("Login(%s): %v", email, err)
	}
	return sess
}

func requireKind(t *testing.T, err error, want auth.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := auth.KindOf(err); got != want {
		t.Fatalf("kind = %s, want %s (err: %v)", got, want, err)
	}
}
