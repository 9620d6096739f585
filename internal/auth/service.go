package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/ifschat/internal/apperr"
	"github.com/Tyrowin/ifschat/internal/store"
)

// UserStore is the persistence surface the auth flows need.
type UserStore interface {
	CreateUser(ctx context.Context, u *store.User) error
	UserByUsername(ctx context.Context, username string) (*store.User, error)
	SetUserActive(ctx context.Context, id string, active bool) error
	SetUserAvatar(ctx context.Context, id, avatarURL string) error
}

// Credentials is the sign-in and sign-up request body.
type Credentials struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// TokenResponse is returned by sign-in and sign-up.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
}

type Service struct {
	users  UserStore
	tokens *Tokens
	log    zerolog.Logger
}

func NewService(users UserStore, tokens *Tokens, log zerolog.Logger) *Service {
	return &Service{users: users, tokens: tokens, log: log}
}

func (s *Service) Tokens() *Tokens { return s.tokens }

func validateCredentials(c Credentials) error {
	if strings.TrimSpace(c.Username) == "" || c.Password == "" {
		return apperr.Validation("Username and password are required")
	}
	if len(c.Password) > MaxPasswordBytes {
		return apperr.Validation(fmt.Sprintf("Password must be at most %d bytes", MaxPasswordBytes))
	}
	return nil
}

// SignUp registers a new user and returns a token for it.
func (s *Service) SignUp(ctx context.Context, c Credentials) (*TokenResponse, error) {
	if err := validateCredentials(c); err != nil {
		return nil, err
	}
	username := strings.TrimSpace(c.Username)

	_, err := s.users.UserByUsername(ctx, username)
	switch {
	case err == nil:
		return nil, apperr.Conflict("Username already exists")
	case !errors.Is(err, store.ErrNotFound):
		return nil, apperr.Internal("An error occurred during user registration", err)
	}

	hash, err := HashPassword(c.Password)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return nil, apperr.Validation("Password is too long")
	}
	if err != nil {
		return nil, apperr.Internal("An error occurred during user registration", err)
	}

	u := &store.User{
		Username:     username,
		DisplayName:  username,
		IsActive:     true,
		PasswordHash: hash,
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, apperr.Conflict("Username already exists")
		}
		s.log.Error().Err(err).Str("username", username).Msg("Error during initial user creation")
		return nil, apperr.Internal("An error occurred during user registration", err)
	}

	avatar := AvatarFor(u.ID)
	if err := s.users.SetUserAvatar(ctx, u.ID, avatar); err != nil {
		s.log.Error().Err(err).Str("user_id", u.ID).Msg("Error during avatar URL update")
		return nil, apperr.Internal("Failed to assign avatar to the new user", err)
	}

	s.log.Info().Str("user_id", u.ID).Str("username", username).Msg("User signed up")
	return s.issue(u.ID, u.Username)
}

// SignIn checks credentials, marks the user active and returns a token.
func (s *Service) SignIn(ctx context.Context, c Credentials) (*TokenResponse, error) {
	if err := validateCredentials(c); err != nil {
		return nil, err
	}

	u, err := s.users.UserByUsername(ctx, strings.TrimSpace(c.Username))
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Unauthorized("Invalid credentials")
	}
	if err != nil {
		return nil, apperr.Internal("Failed to sign in", err)
	}
	if u.PasswordHash == "" || !CheckPassword(u.PasswordHash, c.Password) {
		return nil, apperr.Unauthorized("Invalid credentials")
	}

	if err := s.users.SetUserActive(ctx, u.ID, true); err != nil {
		return nil, apperr.Internal("Failed to sign in", err)
	}
	return s.issue(u.ID, u.Username)
}

// SignOut marks the user inactive.
func (s *Service) SignOut(ctx context.Context, userID string) error {
	if userID == "" {
		return apperr.Unauthorized("Missing user")
	}
	err := s.users.SetUserActive(ctx, userID, false)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("User does not exist")
	}
	if err != nil {
		return apperr.Internal("Failed to sign out", err)
	}
	return nil
}

func (s *Service) issue(userID, username string) (*TokenResponse, error) {
	tok, err := s.tokens.Issue(userID, username)
	if err != nil {
		return nil, apperr.Internal("Failed to issue token", err)
	}
	return &TokenResponse{AccessToken: tok}, nil
}
