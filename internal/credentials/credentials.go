// Package credentials implements registration, login and the access/refresh
// token lifecycle with single-session refresh token revocation.
package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/patric-chuzhbe/elib/internal/logger"
	"github.com/patric-chuzhbe/elib/internal/models"
	"github.com/patric-chuzhbe/elib/internal/user"
)

type transactioner interface {
	BeginTransaction() (*sql.Tx, error)

	RollbackTransaction(transaction *sql.Tx) error

	CommitTransaction(transaction *sql.Tx) error
}

type userKeeper interface {
	CreateUser(ctx context.Context, usr *user.User, transaction *sql.Tx) (string, error)

	GetUserByID(ctx context.Context, userID string, transaction *sql.Tx) (*user.User, bool, error)

	GetUserByEmail(ctx context.Context, email string, transaction *sql.Tx) (*user.User, bool, error)

	SetRefreshToken(ctx context.Context, userID, refreshToken string, transaction *sql.Tx) error
}

type storage interface {
	transactioner
	userKeeper
}

type tokenIssuer interface {
	IssueAccessToken(userID string) (string, error)
	IssueRefreshToken(userID string) (string, error)
	ParseRefreshToken(tokenString string) (string, error)
}

type passwordHasher interface {
	Hash(password string) (string, error)
	Compare(password, hash string) (bool, error)
}

// Service is the credential service.
type Service struct {
	db     storage
	tokens tokenIssuer
	hasher passwordHasher
}

func New(db storage, tokens tokenIssuer, hasher passwordHasher) *Service {
	return &Service{
		db:     db,
		tokens: tokens,
		hasher: hasher,
	}
}

// Register validates the input, rejects an already registered email and
// persists a new user with a hashed password.
func (s *Service) Register(ctx context.Context, name, email, password string) (*user.User, error) {
	name = strings.TrimSpace(name)
	email = normalizeEmail(email)
	if name == "" || email == "" || password == "" {
		return nil, models.NewError(models.ErrValidation, "All fields are required")
	}

	tx, err := s.db.BeginTransaction()
	if err != nil {
		return nil, fmt.Errorf("in internal/credentials/credentials.go/Register(): error while `s.db.BeginTransaction()` calling: %w", err)
	}
	defer func() {
		_ = s.db.RollbackTransaction(tx)
	}()

	_, found, err := s.db.GetUserByEmail(ctx, email, tx)
	if err != nil {
		return nil, fmt.Errorf("in internal/credentials/credentials.go/Register(): error while `s.db.GetUserByEmail()` calling: %w", err)
	}
	if found {
		return nil, models.NewError(models.ErrConflict, "User already exist with this email")
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("in internal/credentials/credentials.go/Register(): error while `s.hasher.Hash()` calling: %w", err)
	}

	usr := &user.User{
		Name:         name,
		Email:        email,
		PasswordHash: hash,
	}
	usr.ID, err = s.db.CreateUser(ctx, usr, tx)
	if errors.Is(err, models.ErrConflict) {
		return nil, models.NewError(models.ErrConflict, "User already exist with this email")
	}
	if err != nil {
		return nil, fmt.Errorf("in internal/credentials/credentials.go/Register(): error while `s.db.CreateUser()` calling: %w", err)
	}

	if err := s.db.CommitTransaction(tx); err != nil {
		return nil, fmt.Errorf("in internal/credentials/credentials.go/Register(): error while `s.db.CommitTransaction()` calling: %w", err)
	}

	logger.Log.Infow("user registered", "user_id", usr.ID)

	return usr, nil
}

// Authenticate checks an email/password pair.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*user.User, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, models.NewError(models.ErrValidation, "All fields are required")
	}

	usr, found, err := s.db.GetUserByEmail(ctx, email, nil)
	if err != nil {
		return nil, fmt.Errorf("in internal/credentials/credentials.go/Authenticate(): error while `s.db.GetUserByEmail()` calling: %w", err)
	}
	if !found {
		return nil, models.NewError(models.ErrNotFound, "User not found")
	}

	match, err := s.hasher.Compare(password, usr.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("in internal/credentials/credentials.go/Authenticate(): error while `s.hasher.Compare()` calling: %w", err)
	}
	if !match {
		logger.Log.Debugw("password mismatch", "user_id", usr.ID)
		return nil, models.NewError(models.ErrInvalidCredentials, "Invalid credentials")
	}

	return usr, nil
}

// IssueTokenPair signs a new access/refresh pair and stores the refresh
// token on the user, which revokes any refresh token issued before.
func (s *Service) IssueTokenPair(ctx context.Context, usr *user.User) (models.TokenPair, error) {
	accessToken, err := s.tokens.IssueAccessToken(usr.ID)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("in internal/credentials/credentials.go/IssueTokenPair(): error while `s.tokens.IssueAccessToken()` calling: %w", err)
	}

	refreshToken, err := s.tokens.IssueRefreshToken(usr.ID)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("in internal/credentials/credentials.go/IssueTokenPair(): error while `s.tokens.IssueRefreshToken()` calling: %w", err)
	}

	if err := s.db.SetRefreshToken(ctx, usr.ID, refreshToken, nil); err != nil {
		return models.TokenPair{}, fmt.Errorf("in internal/credentials/credentials.go/IssueTokenPair(): error while `s.db.SetRefreshToken()` calling: %w", err)
	}
	usr.RefreshToken = refreshToken

	return models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, nil
}

// RotateAccessToken exchanges a valid, current refresh token for a new access token.
func (s *Service) RotateAccessToken(ctx context.Context, refreshToken string) (string, error) {
	if refreshToken == "" {
		return "", models.NewError(models.ErrValidation, "Refresh token is required")
	}

	userID, err := s.tokens.ParseRefreshToken(refreshToken)
	if err != nil {
		return "", models.WrapError(models.ErrInvalidToken, "Invalid refresh token", err)
	}

	usr, found, err := s.db.GetUserByID(ctx, userID, nil)
	if err != nil {
		return "", fmt.Errorf("in internal/credentials/credentials.go/RotateAccessToken(): error while `s.db.GetUserByID()` calling: %w", err)
	}
	if !found || usr.RefreshToken == "" || usr.RefreshToken != refreshToken {
		logger.Log.Infow("rejected stale refresh token", "user_id", userID, zap.Bool("user_found", found))
		return "", models.NewError(models.ErrInvalidToken, "Invalid refresh token")
	}

	accessToken, err := s.tokens.IssueAccessToken(usr.ID)
	if err != nil {
		return "", fmt.Errorf("in internal/credentials/credentials.go/RotateAccessToken(): error while `s.tokens.IssueAccessToken()` calling: %w", err)
	}

	return accessToken, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
