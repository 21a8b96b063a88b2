// Package app assembles the credential stores and the auth service from
// configuration. Both binaries share it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"orchid.org/internal/auth"
	"orchid.org/internal/config"
	"orchid.org/internal/migrate"
	"orchid.org/internal/store/memstore"
	"orchid.org/internal/store/redisstore"
	"orchid.org/internal/store/sqlstore"
)

// Pinger is a backing dependency that can be health checked.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Stores holds the selected backends.
type Stores struct {
	Accounts auth.AccountStore
	Tokens   auth.TokenStore
	// SQL is nil for the memory driver.
	SQL     *sqlstore.Store
	Pingers []Pinger

	closers []func() error
}

// Close releases every connection in reverse order of opening.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenStores connects the configured account and token backends.
func OpenStores(ctx context.Context, cfg config.StoreConfig) (*Stores, error) {
	st := &Stores{}
	switch cfg.Driver {
	case config.DriverMemory, "":
		mem := memstore.New()
		st.Accounts, st.Tokens = mem.Accounts(), mem.Tokens()
	case config.DriverPostgres, config.DriverSQLite:
		dialect, dsn := sqlstore.Postgres, cfg.PostgresDSN
		if cfg.Driver == config.DriverSQLite {
			dialect, dsn = sqlstore.SQLite, cfg.SQLitePath
		}
		db, err := sqlstore.Open(dialect, dsn)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
		}
		st.closers = append(st.closers, db.Close)
		if err := db.Ping(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
		}
		st.SQL = db
		st.Accounts, st.Tokens = db.Accounts(), db.Tokens()
		st.Pingers = append(st.Pingers, db)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}

	if cfg.TokenBackend == config.TokensRedis {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		st.closers = append(st.closers, client.Close)
		tokens := redisstore.New(client, redisstore.WithPrefix(cfg.RedisPrefix))
		if err := tokens.Ping(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		st.Tokens = tokens
		st.Pingers = append(st.Pingers, tokens)
	}
	return st, nil
}

// MigrationDialect maps the store driver to its migration set. ok is false for
// the memory driver.
func MigrationDialect(d config.StoreDriver) (migrate.Dialect, bool) {
	switch d {
	case config.DriverPostgres:
		return migrate.Postgres, true
	case config.DriverSQLite:
		return migrate.SQLite, true
	}
	return "", false
}

// Migrate applies pending migrations when the driver is SQL backed.
func (s *Stores) Migrate(ctx context.Context, d config.StoreDriver) error {
	dialect, ok := MigrationDialect(d)
	if !ok || s.SQL == nil {
		return nil
	}
	m, err := migrate.NewManager(s.SQL.DB(), dialect)
	if err != nil {
		return err
	}
	return m.Up(ctx)
}

// NewService builds the codec and the auth service over st.
func NewService(cfg config.Config, st *Stores, log logrus.FieldLogger) (*auth.Service, error) {
	codec, err := auth.NewCodec(cfg.JWT.Secret, auth.WithCodecIssuer(cfg.JWT.Issuer))
	if err != nil {
		return nil, err
	}
	return auth.NewService(st.Accounts, st.Tokens, codec,
		auth.WithAccessTTL(cfg.JWT.AccessTTL),
		auth.WithRefreshTTL(cfg.JWT.RefreshTTL),
		auth.WithStoreTimeout(cfg.Store.Timeout),
		auth.WithSessionCheck(cfg.JWT.SessionCheck),
		auth.WithLogger(log),
	)
}
