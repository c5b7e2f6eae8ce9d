package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"campusdrop/internal/domain"
	"campusdrop/internal/security"
)

// AuthService handles registration and login.
type AuthService struct {
	users  domain.UserRepository
	tokens *security.TokenService
	hash   *security.PasswordHasher
}

func NewAuthService(users domain.UserRepository, tokens *security.TokenService, hash *security.PasswordHasher) *AuthService {
	return &AuthService{
		users:  users,
		tokens: tokens,
		hash:   hash,
	}
}

type RegisterInput struct {
	Name     string
	Email    string
	Password string
	Role     domain.Role
}

type LoginInput struct {
	Email    string
	Password string
}

type TokenResponse struct {
	AccessToken string
	TokenType   string
	User        *domain.User
}

func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*domain.User, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" || in.Password == "" || strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("%w: name, email and password are required", domain.ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: invalid email", domain.ErrInvalidInput)
	}
	if in.Role != domain.RoleHosteller && in.Role != domain.RoleDayScholar {
		return nil, fmt.Errorf("%w: role must be hosteller or dayscholar", domain.ErrInvalidInput)
	}
	if len(in.Password) > security.MaxPasswordBytes {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, security.ErrPasswordTooLong)
	}

	// Check email uniqueness
	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return nil, domain.ErrConflict
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("check email: %w", err)
	}

	hashed, err := s.hash.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &domain.User{
		Name:           strings.TrimSpace(in.Name),
		Email:          email,
		Role:           in.Role,
		HashedPassword: hashed,
		IsActive:       true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *AuthService) Login(ctx context.Context, in LoginInput) (*TokenResponse, error) {
	user, err := s.users.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(in.Email)))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: incorrect email or password", domain.ErrUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if !user.IsActive {
		return nil, fmt.Errorf("%w: user account is inactive", domain.ErrUnauthorized)
	}
	if err := s.hash.Verify(in.Password, user.HashedPassword); err != nil {
		return nil, fmt.Errorf("%w: incorrect email or password", domain.ErrUnauthorized)
	}

	token, err := s.tokens.CreateForUser(user.ID)
	if err != nil {
		return nil, fmt.Errorf("create token: %w", err)
	}

	return &TokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		User:        user,
	}, nil
}

// Authenticate resolves a bearer token to an active user.
func (s *AuthService) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	sub, err := s.tokens.Subject(token)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid token", domain.ErrUnauthorized)
	}
	user, err := s.users.GetByID(ctx, sub)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: user not found", domain.ErrUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if !user.IsActive {
		return nil, fmt.Errorf("%w: user account is inactive", domain.ErrUnauthorized)
	}
	return user, nil
}
