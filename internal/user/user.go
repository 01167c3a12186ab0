// Package user defines the user model used by the credential service,
// the storage backends and the authorization guard.
package user

import "time"

// User represents a registered reader/author.
type User struct {
	// ID is the unique identifier of the user, meaning a UUID.
	ID string

	Name  string
	Email string

	// PasswordHash is the bcrypt hash of the user's password.
	PasswordHash string

	// RefreshToken is the only refresh token currently accepted for the user.
	// Issuing a new pair overwrites it, which revokes the previous one.
	RefreshToken string

	CreatedAt time.Time
	UpdatedAt time.Time
}
