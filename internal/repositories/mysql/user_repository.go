package mysql

import (
	"context"
	"database/sql"
	"errors"

	domain "github.com/storefront-shop/api/internal/domain"
	pmysql "github.com/storefront-shop/api/internal/platform/mysql"
	"github.com/storefront-shop/api/internal/repositories"
)

// UserRepository reads accounts for authorisation.
type UserRepository struct {
	provider *pmysql.Provider
}

var _ repositories.UserRepository = (*UserRepository)(nil)

// NewUserRepository constructs a MySQL-backed user repository.
func NewUserRepository(provider *pmysql.Provider) (*UserRepository, error) {
	if provider == nil {
		return nil, errors.New("user repository requires mysql provider")
	}
	return &UserRepository{provider: provider}, nil
}

// FindByID loads a user by primary key.
func (r *UserRepository) FindByID(ctx context.Context, userID int64) (domain.User, error) {
	const query = `SELECT id, email, role, is_active FROM users WHERE id = ?`

	var user domain.User
	var role string
	err := r.provider.Executor(ctx).QueryRowContext(ctx, query, userID).Scan(&user.ID, &user.Email, &role, &user.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, pmysql.NotFound("users.find", "user %d not found", userID)
	}
	if err != nil {
		return domain.User{}, pmysql.WrapError("users.find", err)
	}
	user.Role = domain.Role(role)
	return user, nil
}
