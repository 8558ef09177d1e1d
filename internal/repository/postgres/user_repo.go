package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/sdu-review-console/internal/domain"
)

// GetUserByUsername возвращает nil, nil если пользователя нет.
func (r *Repo) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	query := `
		SELECT id, email, username, password_hash, role, created_at, updated_at
		FROM users WHERE username = $1`

	u := &domain.User{}
	var role string
	err := r.pool.QueryRow(ctx, query, username).Scan(
		&u.ID, &u.Email, &u.Username, &u.PasswordHash, &role, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: failed to get user: %w", err)
	}

	// В БД роль может лежать в любом написании ("Student Leader", "student_leader")
	if u.Role, err = domain.ParseRole(role); err != nil {
		return nil, fmt.Errorf("postgres: user %s: %w", u.ID, err)
	}
	return u, nil
}
