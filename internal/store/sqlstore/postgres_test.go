package sqlstore

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"orchid.org/internal/auth"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, Postgres), mock
}

func TestPostgresFindByEmail(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta(`select id, name, email, password_hash, role, created_at, updated_at from accounts where email = $1`)).
		WithArgs("user@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email", "password_hash", "role", "created_at", "updated_at"}).
			AddRow("acc-1", "User", "user@example.com", "hash", "USER", now, now))

	acct, err := s.Accounts().FindByEmail(context.Background(), "user@example.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if acct.ID != "acc-1" || acct.Role != auth.RoleUser {
		t.Fatalf("unexpected account: %+v", acct)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresFindByEmailNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`from accounts where email`).WithArgs("ghost@example.com").WillReturnError(sql.ErrNoRows)

	if _, err := s.Accounts().FindByEmail(context.Background(), "ghost@example.com"); err != auth.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPostgresCreateAccountUniqueViolation(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`insert into accounts`).WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})

	acct := auth.Account{ID: "a", Email: "dup@example.com", Role: auth.RoleUser}
	if err := s.Accounts().Create(context.Background(), &acct); err != auth.ErrConflict {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestPostgresRotateIsConditional(t *testing.T) {
	s, mock := newMock(t)
	next := auth.Rotation{
		AccessToken: "new-access", RefreshToken: "new-refresh",
		AccessExpiry: time.Unix(100, 0).UTC(), RefreshExpiry: time.Unix(200, 0).UTC(),
		Now: time.Unix(50, 0).UTC(),
	}
	mock.ExpectExec(regexp.QuoteMeta(`where refresh_token = $5 and revoked = $6 and refresh_expiry > $7`)).
		WithArgs("new-access", "new-refresh", next.AccessExpiry, next.RefreshExpiry, "old-refresh", false, next.Now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if _, err := s.Tokens().Rotate(context.Background(), "old-refresh", next); err != auth.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound when no row matched", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresRevokeScopesToAccount(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`update tokens set revoked = $1`)).
		WithArgs(true, "access", "acc-1", false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Tokens().Revoke(context.Background(), "access", "acc-1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestOpenRejectsUnknownDialect(t *testing.T) {
	if _, err := Open("oracle", "dsn"); err == nil {
		t.Fatal("expected error")
	}
}
