package auth

import (
	"context"
	"fmt"
)

// SeedAccount is a demo account created on first start.
type SeedAccount struct {
	Name  string
	Email string
	Role  Role
}

// DemoAccounts is one account per role.
var DemoAccounts = []SeedAccount{
	{Name: "Admin", Email: "admin@example.com", Role: RoleAdmin},
	{Name: "Manager", Email: "manager@example.com", Role: RoleManager},
	{Name: "Staff", Email: "staff@example.com", Role: RoleStaff},
	{Name: "User", Email: "user@example.com", Role: RoleUser},
}

// Seed creates the given accounts with a shared password. Accounts whose email
// already exists are left untouched. It returns how many were created.
func (s *Service) Seed(ctx context.Context, accounts []SeedAccount, password string) (int, error) {
	created := 0
	for _, a := range accounts {
		_, err := s.CreateAccount(ctx, RegisterInput{Name: a.Name, Email: a.Email, Password: password}, a.Role)
		switch KindOf(err) {
		case KindUnknown:
			if err != nil {
				return created, fmt.Errorf("seed %s: %w", a.Email, err)
			}
			created++
		case KindConflict:
			continue
		default:
			return created, fmt.Errorf("seed %s: %w", a.Email, err)
		}
	}
	return created, nil
}
