// Package sqlstore implements the credential and token stores on database/sql.
// The same statements run on Postgres (pgx) and SQLite (go-sqlite3); positional
// placeholders always appear in ascending order so both drivers bind them alike.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

// Dialect identifies the SQL backend.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

func (d Dialect) driver() (string, error) {
	switch d {
	case Postgres:
		return "pgx", nil
	case SQLite:
		return "sqlite3", nil
	}
	return "", fmt.Errorf("sqlstore: unknown dialect %q", d)
}

// Store wraps a pooled database handle.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to dsn using the driver for d.
func Open(d Dialect, dsn string) (*Store, error) {
	driver, err := d.driver()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	switch d {
	case Postgres:
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(15 * time.Minute)
		db.SetConnMaxIdleTime(5 * time.Minute)
	case SQLite:
		// One writer keeps SQLite free of SQLITE_BUSY under concurrent requests.
		db.SetMaxOpenConns(1)
	}
	return &Store{db: db, dialect: d}, nil
}

// New wraps an existing handle.
func New(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, dialect: d}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dialect() Dialect { return s.dialect }

// Ping is used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Accounts exposes the credential store.
func (s *Store) Accounts() *AccountStore { return &AccountStore{db: s.db} }

// Tokens exposes the token store.
func (s *Store) Tokens() *TokenStore { return &TokenStore{db: s.db} }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

type scanner interface {
	Scan(dest ...any) error
}
