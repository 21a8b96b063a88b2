package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"orchid.org/internal/auth"
)

func newToken(id, account, access, refresh string, exp time.Time) *auth.Token {
	return &auth.Token{
		ID:            id,
		AccountID:     account,
		AccessToken:   access,
		RefreshToken:  refresh,
		TokenType:     auth.TokenTypeBearer,
		AccessExpiry:  exp,
		RefreshExpiry: exp.Add(time.Hour),
		CreatedAt:     exp.Add(-time.Hour),
	}
}

func TestAccountsUniqueEmail(t *testing.T) {
	ctx := context.Background()
	s := New().Accounts()
	a := &auth.Account{ID: "a1", Name: "A", Email: "a@example.com", Role: auth.RoleUser}
	if err := s.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	dup := &auth.Account{ID: "a2", Name: "B", Email: "a@example.com", Role: auth.RoleUser}
	if err := s.Create(ctx, dup); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("duplicate email: %v, want ErrConflict", err)
	}
	got, err := s.FindByEmail(ctx, "a@example.com")
	if err != nil || got.ID != "a1" {
		t.Fatalf("FindByEmail = %+v, %v", got, err)
	}
	if _, err := s.FindByEmail(ctx, "A@example.com"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("lookup is case-sensitive, got %v", err)
	}
	if err := s.Delete(ctx, "a1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.FindByID(ctx, "a1"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("FindByID after delete: %v", err)
	}
}

func TestTokenRotateConsumesOldRefresh(t *testing.T) {
	ctx := context.Background()
	s := New().Tokens()
	exp := time.Unix(1_700_000_000, 0).UTC()
	if err := s.Create(ctx, newToken("t1", "a1", "acc-1", "ref-1", exp)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	next := auth.Rotation{AccessToken: "acc-2", RefreshToken: "ref-2", AccessExpiry: exp.Add(time.Hour), RefreshExpiry: exp.Add(2 * time.Hour)}
	tok, err := s.Rotate(ctx, "ref-1", next)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if tok.ID != "t1" || tok.AccessToken != "acc-2" || tok.RefreshToken != "ref-2" {
		t.Fatalf("rotated = %+v", tok)
	}
	if _, err := s.Rotate(ctx, "ref-1", next); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("second rotate: %v, want ErrNotFound", err)
	}
	if _, err := s.FindByRefreshToken(ctx, "ref-1"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("old refresh still resolvable: %v", err)
	}
	if _, err := s.FindByAccessToken(ctx, "acc-1"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("old access still resolvable: %v", err)
	}
}

func TestTokenRotateRefusesExpiredRefresh(t *testing.T) {
	ctx := context.Background()
	s := New().Tokens()
	exp := time.Unix(1_700_000_000, 0).UTC()
	tok := newToken("t1", "a1", "acc-1", "ref-1", exp)
	if err := s.Create(ctx, tok); err != nil {
		t.Fatalf("Create: %v", err)
	}

	next := auth.Rotation{AccessToken: "acc-2", RefreshToken: "ref-2", AccessExpiry: exp.Add(time.Hour), RefreshExpiry: exp.Add(2 * time.Hour), Now: tok.RefreshExpiry}
	if _, err := s.Rotate(ctx, "ref-1", next); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("rotate at refresh expiry: %v, want ErrNotFound", err)
	}
	if _, err := s.FindByRefreshToken(ctx, "ref-1"); err != nil {
		t.Fatalf("refused rotation dropped the session: %v", err)
	}
	next.Now = tok.RefreshExpiry.Add(-time.Second)
	if _, err := s.Rotate(ctx, "ref-1", next); err != nil {
		t.Fatalf("Rotate before expiry: %v", err)
	}
}

func TestTokenRevokeScopedToAccount(t *testing.T) {
	ctx := context.Background()
	s := New().Tokens()
	exp := time.Unix(1_700_000_000, 0).UTC()
	_ = s.Create(ctx, newToken("t1", "a1", "acc-1", "ref-1", exp))
	_ = s.Create(ctx, newToken("t2", "a1", "acc-2", "ref-2", exp))

	if err := s.Revoke(ctx, "acc-1", "someone-else"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("foreign revoke: %v", err)
	}
	if err := s.Revoke(ctx, "acc-1", "a1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := s.Revoke(ctx, "acc-1", "a1"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("double revoke: %v", err)
	}
	if _, err := s.Rotate(ctx, "ref-1", auth.Rotation{AccessToken: "x", RefreshToken: "y"}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("rotate revoked: %v", err)
	}

	list, err := s.ListByAccount(ctx, "a1")
	if err != nil || len(list) != 2 {
		t.Fatalf("ListByAccount = %d, %v", len(list), err)
	}
	var revoked int
	for _, tok := range list {
		if tok.Revoked {
			revoked++
		}
	}
	if revoked != 1 {
		t.Fatalf("revoked = %d, want 1", revoked)
	}
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().Accounts().FindByEmail(ctx, "a@example.com"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
