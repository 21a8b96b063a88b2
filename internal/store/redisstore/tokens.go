// Package redisstore keeps sessions in Redis. Every key expires with the
// refresh token it belongs to, so revoked and stale sessions disappear without
// a sweeper.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"orchid.org/internal/auth"
)

const defaultPrefix = "orchid:"

// rotateScript swaps the credentials of the unrevoked session indexed by
// KEYS[1]. It returns false when the refresh token is unknown, revoked or
// expired at ARGV[8]. The account's session set is kept alive at least as
// long as the rotated session.
//
// ARGV: prefix, new access, new refresh, access expiry, refresh expiry, ttl ms,
// refresh expiry unix ms, now unix ms.
var rotateScript = redis.NewScript(`
local id = redis.call('GET', KEYS[1])
if not id then return false end
local key = ARGV[1] .. 'token:' .. id
if redis.call('EXISTS', key) == 0 then return false end
if redis.call('HGET', key, 'revoked') == '1' then return false end
local exp = tonumber(redis.call('HGET', key, 'refresh_expiry_ms'))
if exp and exp <= tonumber(ARGV[8]) then return false end
local oldAccess = redis.call('HGET', key, 'access_token')
redis.call('DEL', KEYS[1])
if oldAccess then redis.call('DEL', ARGV[1] .. 'access:' .. oldAccess) end
redis.call('HSET', key, 'access_token', ARGV[2], 'refresh_token', ARGV[3], 'access_expiry', ARGV[4], 'refresh_expiry', ARGV[5], 'refresh_expiry_ms', ARGV[7])
redis.call('PEXPIRE', key, ARGV[6])
redis.call('SET', ARGV[1] .. 'access:' .. ARGV[2], id, 'PX', ARGV[6])
redis.call('SET', ARGV[1] .. 'refresh:' .. ARGV[3], id, 'PX', ARGV[6])
local owner = redis.call('HGET', key, 'account_id')
if owner then
  local set = ARGV[1] .. 'account:' .. owner
  if redis.call('PTTL', set) < tonumber(ARGV[6]) then redis.call('PEXPIRE', set, ARGV[6]) end
end
return id
`)

// extendScript pushes the expiry of KEYS[1] out to ARGV[1] milliseconds
// unless it already lives longer.
var extendScript = redis.NewScript(`
if redis.call('PTTL', KEYS[1]) < tonumber(ARGV[1]) then
  return redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return 0
`)

// revokeScript marks the session indexed by KEYS[1] revoked when it belongs
// to ARGV[2]. ARGV[1] is the key prefix.
var revokeScript = redis.NewScript(`
local id = redis.call('GET', KEYS[1])
if not id then return false end
local key = ARGV[1] .. 'token:' .. id
local owner = redis.call('HGET', key, 'account_id')
if owner ~= ARGV[2] then return false end
if redis.call('HGET', key, 'revoked') == '1' then return false end
redis.call('HSET', key, 'revoked', '1')
return id
`)

// TokenStore implements auth.TokenStore on Redis hashes.
type TokenStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ auth.TokenStore = (*TokenStore)(nil)

// Option configures a TokenStore.
type Option func(*TokenStore)

// WithPrefix namespaces every key.
func WithPrefix(prefix string) Option {
	return func(s *TokenStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithClock overrides the clock used to derive key TTLs.
func WithClock(now func() time.Time) Option {
	return func(s *TokenStore) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Redis token store.
func New(client redis.UniversalClient, opts ...Option) *TokenStore {
	s := &TokenStore{client: client, prefix: defaultPrefix, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping is used by the readiness probe.
func (s *TokenStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *TokenStore) tokenKey(id string) string       { return s.prefix + "token:" + id }
func (s *TokenStore) accessKey(access string) string  { return s.prefix + "access:" + access }
func (s *TokenStore) refreshKey(refresh string) string { return s.prefix + "refresh:" + refresh }
func (s *TokenStore) accountKey(id string) string     { return s.prefix + "account:" + id }

func (s *TokenStore) ttl(refreshExpiry time.Time) (time.Duration, error) {
	ttl := refreshExpiry.Sub(s.now())
	if ttl <= 0 {
		return 0, errors.New("redisstore: refresh token already expired")
	}
	return ttl, nil
}

func (s *TokenStore) Create(ctx context.Context, t *auth.Token) error {
	ttl, err := s.ttl(t.RefreshExpiry)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.refreshKey(t.RefreshToken), t.ID, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return auth.ErrConflict
	}
	key := s.tokenKey(t.ID)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, encode(*t))
		p.PExpire(ctx, key, ttl)
		p.Set(ctx, s.accessKey(t.AccessToken), t.ID, ttl)
		p.SAdd(ctx, s.accountKey(t.AccountID), t.ID)
		return nil
	})
	if err != nil {
		return err
	}
	return extendScript.Run(ctx, s.client, []string{s.accountKey(t.AccountID)}, ttl.Milliseconds()).Err()
}

func (s *TokenStore) FindByRefreshToken(ctx context.Context, refresh string) (auth.Token, error) {
	return s.findVia(ctx, s.refreshKey(refresh))
}

func (s *TokenStore) FindByAccessToken(ctx context.Context, access string) (auth.Token, error) {
	return s.findVia(ctx, s.accessKey(access))
}

func (s *TokenStore) findVia(ctx context.Context, indexKey string) (auth.Token, error) {
	id, err := s.client.Get(ctx, indexKey).Result()
	if errors.Is(err, redis.Nil) {
		return auth.Token{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Token{}, err
	}
	return s.load(ctx, id)
}

func (s *TokenStore) load(ctx context.Context, id string) (auth.Token, error) {
	fields, err := s.client.HGetAll(ctx, s.tokenKey(id)).Result()
	if err != nil {
		return auth.Token{}, err
	}
	if len(fields) == 0 {
		return auth.Token{}, auth.ErrNotFound
	}
	return decode(fields)
}

func (s *TokenStore) Rotate(ctx context.Context, oldRefresh string, next auth.Rotation) (auth.Token, error) {
	ttl, err := s.ttl(next.RefreshExpiry)
	if err != nil {
		return auth.Token{}, err
	}
	id, err := rotateScript.Run(ctx, s.client, []string{s.refreshKey(oldRefresh)},
		s.prefix, next.AccessToken, next.RefreshToken,
		formatTime(next.AccessExpiry), formatTime(next.RefreshExpiry), ttl.Milliseconds(),
		next.RefreshExpiry.UnixMilli(), next.Now.UnixMilli(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return auth.Token{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Token{}, fmt.Errorf("rotate script: %w", err)
	}
	return s.load(ctx, id)
}

func (s *TokenStore) Revoke(ctx context.Context, access, accountID string) error {
	err := revokeScript.Run(ctx, s.client, []string{s.accessKey(access)}, s.prefix, accountID).Err()
	if errors.Is(err, redis.Nil) {
		return auth.ErrNotFound
	}
	return err
}

func (s *TokenStore) ListByAccount(ctx context.Context, accountID string) ([]auth.Token, error) {
	setKey := s.accountKey(accountID)
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]auth.Token, 0, len(ids))
	for _, id := range ids {
		t, err := s.load(ctx, id)
		if errors.Is(err, auth.ErrNotFound) {
			// Expired session: drop the dangling member.
			if err := s.client.SRem(ctx, setKey, id).Err(); err != nil {
				return nil, fmt.Errorf("prune session %s: %w", id, err)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sortTokens(out)
	return out, nil
}

func encode(t auth.Token) map[string]any {
	return map[string]any{
		"id":                t.ID,
		"account_id":        t.AccountID,
		"access_token":      t.AccessToken,
		"refresh_token":     t.RefreshToken,
		"token_type":        t.TokenType,
		"access_expiry":     formatTime(t.AccessExpiry),
		"refresh_expiry":    formatTime(t.RefreshExpiry),
		"refresh_expiry_ms": t.RefreshExpiry.UnixMilli(),
		"is_mobile":         flag(t.IsMobile),
		"revoked":           flag(t.Revoked),
		"created_at":        formatTime(t.CreatedAt),
	}
}

func decode(f map[string]string) (auth.Token, error) {
	t := auth.Token{
		ID:           f["id"],
		AccountID:    f["account_id"],
		AccessToken:  f["access_token"],
		RefreshToken: f["refresh_token"],
		TokenType:    f["token_type"],
		IsMobile:     f["is_mobile"] == "1",
		Revoked:      f["revoked"] == "1",
	}
	var err error
	if t.AccessExpiry, err = parseTime(f["access_expiry"]); err != nil {
		return auth.Token{}, err
	}
	if t.RefreshExpiry, err = parseTime(f["refresh_expiry"]); err != nil {
		return auth.Token{}, err
	}
	if t.CreatedAt, err = parseTime(f["created_at"]); err != nil {
		return auth.Token{}, err
	}
	return t, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("redisstore: bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func sortTokens(ts []auth.Token) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}
