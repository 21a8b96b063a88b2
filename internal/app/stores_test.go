package app

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"orchid.org/internal/auth"
	"orchid.org/internal/config"
	"orchid.org/internal/store/redisstore"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func loadConfig(t *testing.T, extra map[string]string) config.Config {
	t.Helper()
	environ := map[string]string{"ORCHID_JWT_SECRET": testSecret}
	for k, v := range extra {
		environ[k] = v
	}
	cfg, err := config.FromMap(environ)
	require.NoError(t, err)
	return cfg
}

func roundTrip(t *testing.T, cfg config.Config, st *Stores) {
	t.Helper()
	ctx := context.Background()
	svc, err := NewService(cfg, st, nil)
	require.NoError(t, err)

	n, err := svc.Seed(ctx, auth.DemoAccounts, "demo-password")
	require.NoError(t, err)
	require.Equal(t, len(auth.DemoAccounts), n)

	sess, err := svc.Login(ctx, auth.LoginInput{Email: "admin@example.com", Password: "demo-password"})
	require.NoError(t, err)
	p, err := svc.ValidateAccessToken(ctx, sess.Token.AccessToken)
	require.NoError(t, err)
	require.Equal(t, auth.RoleAdmin, p.Role)

	next, err := svc.Refresh(ctx, sess.Token.RefreshToken)
	require.NoError(t, err)
	require.NoError(t, svc.Logout(ctx, next.Principal, next.Token.AccessToken))
}

func TestOpenStoresMemory(t *testing.T) {
	cfg := loadConfig(t, nil)
	st, err := OpenStores(context.Background(), cfg.Store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.Nil(t, st.SQL)
	require.Empty(t, st.Pingers)
	require.NoError(t, st.Migrate(context.Background(), cfg.Store.Driver))
	roundTrip(t, cfg, st)
}

func TestOpenStoresSQLite(t *testing.T) {
	cfg := loadConfig(t, map[string]string{
		"ORCHID_STORE_DRIVER": "sqlite",
		"ORCHID_SQLITE_PATH":  "file:" + t.Name() + "?mode=memory&cache=shared",
	})
	ctx := context.Background()
	st, err := OpenStores(ctx, cfg.Store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NotNil(t, st.SQL)
	require.Len(t, st.Pingers, 1)
	require.NoError(t, st.Migrate(ctx, cfg.Store.Driver))
	roundTrip(t, cfg, st)
}

func TestOpenStoresRedisTokens(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := loadConfig(t, map[string]string{
		"ORCHID_TOKEN_BACKEND": "redis",
		"ORCHID_REDIS_ADDR":    mr.Addr(),
	})
	st, err := OpenStores(context.Background(), cfg.Store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.IsType(t, &redisstore.TokenStore{}, st.Tokens)
	require.Len(t, st.Pingers, 1)
	roundTrip(t, cfg, st)
}

func TestOpenStoresRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := loadConfig(t, map[string]string{
		"ORCHID_TOKEN_BACKEND": "redis",
		"ORCHID_REDIS_ADDR":    addr,
	})
	_, err := OpenStores(context.Background(), cfg.Store)
	require.ErrorContains(t, err, "ping redis")
}

func TestMigrationDialect(t *testing.T) {
	_, ok := MigrationDialect(config.DriverMemory)
	require.False(t, ok)
	d, ok := MigrationDialect(config.DriverSQLite)
	require.True(t, ok)
	require.EqualValues(t, "sqlite", d)
}
