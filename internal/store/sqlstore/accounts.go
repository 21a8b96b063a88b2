package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"orchid.org/internal/auth"
)

const accountColumns = `id, name, email, password_hash, role, created_at, updated_at`

// AccountStore implements auth.AccountStore.
type AccountStore struct {
	db *sql.DB
}

var _ auth.AccountStore = (*AccountStore)(nil)

func (s *AccountStore) FindByEmail(ctx context.Context, email string) (auth.Account, error) {
	row := s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where email = $1`, email)
	return scanAccount(row)
}

func (s *AccountStore) FindByID(ctx context.Context, id string) (auth.Account, error) {
	row := s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id = $1`, id)
	return scanAccount(row)
}

func (s *AccountStore) List(ctx context.Context) ([]auth.Account, error) {
	rows, err := s.db.QueryContext(ctx, `select `+accountColumns+` from accounts order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (s *AccountStore) Create(ctx context.Context, acct *auth.Account) error {
	_, err := s.db.ExecContext(ctx, `
		insert into accounts (id, name, email, password_hash, role, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7)`,
		acct.ID, acct.Name, acct.Email, acct.PasswordHash, string(acct.Role), acct.CreatedAt.UTC(), acct.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return auth.ErrConflict
	}
	return err
}

func scanAccount(row scanner) (auth.Account, error) {
	var (
		acct auth.Account
		role string
	)
	err := row.Scan(&acct.ID, &acct.Name, &acct.Email, &acct.PasswordHash, &role, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Account{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Account{}, err
	}
	acct.Role = auth.Role(role)
	return acct, nil
}
