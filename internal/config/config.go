// Package config loads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Prefix is prepended to every variable name.
const Prefix = "ORCHID_"

// StoreDriver selects the credential store backend.
type StoreDriver string

const (
	DriverPostgres StoreDriver = "postgres"
	DriverSQLite   StoreDriver = "sqlite"
	DriverMemory   StoreDriver = "memory"
)

// UnmarshalText implements encoding.TextUnmarshaler for StoreDriver.
func (d *StoreDriver) UnmarshalText(text []byte) error {
	v := StoreDriver(strings.ToLower(strings.TrimSpace(string(text))))
	switch v {
	case DriverPostgres, DriverSQLite, DriverMemory:
		*d = v
		return nil
	}
	return fmt.Errorf("invalid StoreDriver: %q (valid options: postgres, sqlite, memory)", text)
}

// TokenBackend selects where sessions are kept.
type TokenBackend string

const (
	TokensSQL   TokenBackend = "sql"
	TokensRedis TokenBackend = "redis"
)

// UnmarshalText implements encoding.TextUnmarshaler for TokenBackend.
func (b *TokenBackend) UnmarshalText(text []byte) error {
	v := TokenBackend(strings.ToLower(strings.TrimSpace(string(text))))
	switch v {
	case TokensSQL, TokensRedis:
		*b = v
		return nil
	}
	return fmt.Errorf("invalid TokenBackend: %q (valid options: sql, redis)", text)
}

// JWTConfig configures access token signing.
type JWTConfig struct {
	Secret     string        `env:"SECRET,required"`
	Issuer     string        `env:"ISSUER"       envDefault:"orchid"`
	AccessTTL  time.Duration `env:"ACCESS_TTL"   envDefault:"1h"`
	RefreshTTL time.Duration `env:"REFRESH_TTL"  envDefault:"168h"`
	// SessionCheck makes every request also require a live session row.
	SessionCheck bool `env:"SESSION_CHECK" envDefault:"false"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	Driver       StoreDriver   `env:"STORE_DRIVER"  envDefault:"memory"`
	PostgresDSN  string        `env:"PG_DSN"`
	SQLitePath   string        `env:"SQLITE_PATH"   envDefault:"orchid.db"`
	TokenBackend TokenBackend  `env:"TOKEN_BACKEND" envDefault:"sql"`
	RedisAddr    string        `env:"REDIS_ADDR"    envDefault:"localhost:6379"`
	RedisPrefix  string        `env:"REDIS_PREFIX"  envDefault:"orchid:"`
	Timeout      time.Duration `env:"STORE_TIMEOUT" envDefault:"3s"`
}

// Config is the full application configuration.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	// GRPCAddr is empty to disable the gRPC listener.
	GRPCAddr string `env:"GRPC_ADDR"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	JWT   JWTConfig   `envPrefix:"JWT_"`
	Store StoreConfig

	LoginRatePerSec float64  `env:"LOGIN_RATE_PER_SEC" envDefault:"5"`
	LoginRateBurst  int      `env:"LOGIN_RATE_BURST"   envDefault:"10"`
	MaxBodyBytes    int64    `env:"MAX_BODY_BYTES"     envDefault:"1048576"`
	CORSOrigins     []string `env:"CORS_ORIGINS"       envSeparator:","`

	// TrustedProxies lists the IPs or CIDR ranges whose X-Forwarded-For is
	// honoured. Empty means the socket peer is always the client.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	Seed         bool   `env:"SEED"          envDefault:"false"`
	SeedPassword string `env:"SEED_PASSWORD" envDefault:"orchid-demo"`
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("load .env file: %w", err)
		}
	}
	return parse(env.Options{Prefix: Prefix})
}

// LoadStore reads only the persistence settings. Tools that never sign tokens
// use it so they do not need ORCHID_JWT_SECRET.
func LoadStore() (StoreConfig, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return StoreConfig{}, fmt.Errorf("load .env file: %w", err)
		}
	}
	var sc StoreConfig
	if err := env.ParseWithOptions(&sc, env.Options{Prefix: Prefix}); err != nil {
		return StoreConfig{}, fmt.Errorf("parse store config: %w", err)
	}
	return sc, nil
}

// FromMap parses configuration from an explicit environment.
func FromMap(environ map[string]string) (Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Sanitize clamps values into safe ranges.
func (c *Config) Sanitize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LoginRatePerSec <= 0 {
		c.LoginRatePerSec = 5
	}
	if c.LoginRateBurst <= 0 {
		c.LoginRateBurst = 10
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.Store.Timeout < 0 {
		c.Store.Timeout = 0
	}
	if c.JWT.RefreshTTL < c.JWT.AccessTTL {
		c.JWT.RefreshTTL = c.JWT.AccessTTL
	}
	proxies := c.TrustedProxies[:0]
	for _, p := range c.TrustedProxies {
		if p = strings.TrimSpace(p); p != "" {
			proxies = append(proxies, p)
		}
	}
	c.TrustedProxies = proxies
}

// Validate rejects combinations the server cannot run with.
func (c Config) Validate() error {
	if len(c.JWT.Secret) < 32 {
		return errors.New("config: ORCHID_JWT_SECRET must be at least 32 bytes")
	}
	if c.JWT.AccessTTL <= 0 {
		return errors.New("config: ORCHID_JWT_ACCESS_TTL must be positive")
	}
	if c.Store.Driver == DriverPostgres && strings.TrimSpace(c.Store.PostgresDSN) == "" {
		return errors.New("config: ORCHID_PG_DSN is required for the postgres driver")
	}
	if c.Store.TokenBackend == TokensRedis && strings.TrimSpace(c.Store.RedisAddr) == "" {
		return errors.New("config: ORCHID_REDIS_ADDR is required for the redis token backend")
	}
	return nil
}
