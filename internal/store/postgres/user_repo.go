package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"campusdrop/internal/domain"
)

type UserRepo struct {
	db *sql.DB
}

func NewUserRepo(db *sql.DB) *UserRepo {
	return &UserRepo{db: db}
}

var _ domain.UserRepository = (*UserRepo)(nil)

func (r *UserRepo) Create(ctx context.Context, u *domain.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO users (id, name, email, role, hashed_password, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING created_at
	`, u.ID, u.Name, u.Email, string(u.Role), u.HashedPassword, u.IsActive).Scan(&u.CreatedAt)
	if isUniqueViolation(err) {
		return domain.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *UserRepo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return r.scanUser(ctx, `
		SELECT id, name, email, role, hashed_password, is_active, created_at
		FROM users WHERE id = $1
	`, id)
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.scanUser(ctx, `
		SELECT id, name, email, role, hashed_password, is_active, created_at
		FROM users WHERE email = $1
	`, email)
}

func (r *UserRepo) scanUser(ctx context.Context, query string, arg any) (*domain.User, error) {
	u := &domain.User{}
	var role string
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.Name, &u.Email, &role, &u.HashedPassword, &u.IsActive, &u.CreatedAt,
	)
	if err == sql.ErrNoRows || isInvalidID(err) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = domain.Role(role)
	return u, nil
}
