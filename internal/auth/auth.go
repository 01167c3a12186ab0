// Package auth issues and verifies the access and refresh JWTs and implements
// the authorization guard that turns an Authorization header into an AuthContext.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/patric-chuzhbe/elib/internal/models"
)

// ErrInvalidTokenOrJwtParsing is wrapped by every token verification failure.
var ErrInvalidTokenOrJwtParsing = errors.New("invalid token or JWT parsing error")

const bearerScheme = "Bearer "

// Auth signs and verifies the two token kinds. Each kind has its own secret and TTL.
type Auth struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// Claims represents the JWT claims used by the system.
// The subject claim carries the user ID.
type Claims struct {
	jwt.RegisteredClaims
}

// AuthContext is the identity resolved for one request. It is passed
// explicitly from the guard to the workflow operations.
type AuthContext struct {
	UserID string
}

// IsZero reports whether no identity was resolved.
func (a AuthContext) IsZero() bool {
	return a.UserID == ""
}

// Option customises an Auth.
type Option func(*Auth)

// WithClock overrides the time source, used by tests to produce expired tokens.
func WithClock(now func() time.Time) Option {
	return func(a *Auth) {
		a.now = now
	}
}

// New creates an Auth with distinct secrets and lifetimes for access and refresh tokens.
func New(
	accessSecret []byte,
	refreshSecret []byte,
	accessTTL time.Duration,
	refreshTTL time.Duration,
	opts ...Option,
) *Auth {
	a := &Auth{
		accessSecret:  accessSecret,
		refreshSecret: refreshSecret,
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}

	return a
}

// IssueAccessToken signs a short-lived token for userID.
func (a *Auth) IssueAccessToken(userID string) (string, error) {
	return a.buildJWTString(userID, a.accessSecret, a.accessTTL)
}

// IssueRefreshToken signs a long-lived token for userID.
func (a *Auth) IssueRefreshToken(userID string) (string, error) {
	return a.buildJWTString(userID, a.refreshSecret, a.refreshTTL)
}

// ParseAccessToken verifies an access token and returns its subject.
func (a *Auth) ParseAccessToken(tokenString string) (string, error) {
	return a.getUserIDFromToken(tokenString, a.accessSecret)
}

// ParseRefreshToken verifies a refresh token and returns its subject.
func (a *Auth) ParseRefreshToken(tokenString string) (string, error) {
	return a.getUserIDFromToken(tokenString, a.refreshSecret)
}

// ResolveIdentity validates a raw Authorization header value of the form
// "Bearer <access token>" and returns the identity it carries.
func (a *Auth) ResolveIdentity(rawHeaderValue string) (AuthContext, error) {
	if strings.TrimSpace(rawHeaderValue) == "" {
		return AuthContext{}, models.NewError(models.ErrUnauthenticated, "Authorization token is required")
	}

	tokenString, ok := extractBearer(rawHeaderValue)
	if !ok {
		return AuthContext{}, models.NewError(models.ErrUnauthenticated, "Authorization header must use the Bearer scheme")
	}

	userID, err := a.ParseAccessToken(tokenString)
	if err != nil {
		return AuthContext{}, models.WrapError(models.ErrUnauthenticated, "Invalid or expired token", err)
	}

	return AuthContext{UserID: userID}, nil
}

func extractBearer(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) <= len(bearerScheme) || !strings.EqualFold(header[:len(bearerScheme)], bearerScheme) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerScheme):])

	return token, token != ""
}

func (a *Auth) getUserIDFromToken(tokenString string, secret []byte) (string, error) {
	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	token, err := parser.ParseWithClaims(
		tokenString,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return secret, nil
		},
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTokenOrJwtParsing, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", ErrInvalidTokenOrJwtParsing
	}
	if claims.ExpiresAt == nil || !claims.ExpiresAt.After(a.now()) {
		return "", fmt.Errorf("%w: token is expired", ErrInvalidTokenOrJwtParsing)
	}

	return claims.Subject, nil
}

func (a *Auth) buildJWTString(userID string, secret []byte, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString(secret)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}
