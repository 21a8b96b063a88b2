package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"orchid.org/internal/auth"
)

const tokenColumns = `id, account_id, access_token, refresh_token, token_type,
	access_expiry, refresh_expiry, is_mobile, revoked, created_at`

// TokenStore implements auth.TokenStore.
type TokenStore struct {
	db *sql.DB
}

var _ auth.TokenStore = (*TokenStore)(nil)

func (s *TokenStore) Create(ctx context.Context, t *auth.Token) error {
	_, err := s.db.ExecContext(ctx, `
		insert into tokens (`+tokenColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.AccountID, t.AccessToken, t.RefreshToken, t.TokenType,
		t.AccessExpiry.UTC(), t.RefreshExpiry.UTC(), t.IsMobile, t.Revoked, t.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return auth.ErrConflict
	}
	return err
}

func (s *TokenStore) FindByRefreshToken(ctx context.Context, refresh string) (auth.Token, error) {
	return scanToken(s.db.QueryRowContext(ctx, `select `+tokenColumns+` from tokens where refresh_token = $1`, refresh))
}

func (s *TokenStore) FindByAccessToken(ctx context.Context, access string) (auth.Token, error) {
	return scanToken(s.db.QueryRowContext(ctx, `select `+tokenColumns+` from tokens where access_token = $1`, access))
}

// Rotate is one conditional update; the row count decides the race.
func (s *TokenStore) Rotate(ctx context.Context, oldRefresh string, next auth.Rotation) (auth.Token, error) {
	res, err := s.db.ExecContext(ctx, `
		update tokens
		set access_token = $1, refresh_token = $2, access_expiry = $3, refresh_expiry = $4
		where refresh_token = $5 and revoked = $6 and refresh_expiry > $7`,
		next.AccessToken, next.RefreshToken, next.AccessExpiry.UTC(), next.RefreshExpiry.UTC(),
		oldRefresh, false, next.Now.UTC())
	if err != nil {
		return auth.Token{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return auth.Token{}, err
	}
	if n == 0 {
		return auth.Token{}, auth.ErrNotFound
	}
	return s.FindByRefreshToken(ctx, next.RefreshToken)
}

func (s *TokenStore) Revoke(ctx context.Context, access, accountID string) error {
	res, err := s.db.ExecContext(ctx, `
		update tokens set revoked = $1
		where access_token = $2 and account_id = $3 and revoked = $4`,
		true, access, accountID, false)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *TokenStore) ListByAccount(ctx context.Context, accountID string) ([]auth.Token, error) {
	rows, err := s.db.QueryContext(ctx, `select `+tokenColumns+` from tokens where account_id = $1 order by created_at, id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanToken(row scanner) (auth.Token, error) {
	var t auth.Token
	err := row.Scan(&t.ID, &t.AccountID, &t.AccessToken, &t.RefreshToken, &t.TokenType,
		&t.AccessExpiry, &t.RefreshExpiry, &t.IsMobile, &t.Revoked, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Token{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Token{}, err
	}
	return t, nil
}
