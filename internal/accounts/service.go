// Package accounts provides username/password credential management.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"componenthub/internal/store"
	"golang.org/x/crypto/bcrypt"
)

// UserStore defines the storage interface for credential handling
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string) (store.User, error)
	GetUserByName(ctx context.Context, username string) (store.User, error)
}

// Service registers accounts and verifies credentials
type Service struct {
	store UserStore
}

func NewService(store UserStore) *Service {
	return &Service{store: store}
}

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUsernameTaken      = errors.New("username is already taken")
)

// RegisterRequest contains registration parameters
type RegisterRequest struct {
	Username        string
	Password        string
	ConfirmPassword string
}

// Register creates a new user account
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		return store.User{}, errors.New("username and password are required")
	}
	if len(username) < 3 {
		return store.User{}, errors.New("username must be at least 3 characters")
	}
	if len(req.Password) < 8 {
		return store.User{}, errors.New("password must be at least 8 characters")
	}
	if req.Password != req.ConfirmPassword {
		return store.User{}, errors.New("passwords do not match")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, username, string(hash))
	if err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			return store.User{}, ErrUsernameTaken
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Authenticate verifies a username/password pair. Lookup failure and password
// mismatch are indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, username, password string) (store.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByName(ctx, username)
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}
