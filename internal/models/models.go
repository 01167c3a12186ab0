package models

import "time"

type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterResponse struct {
	ID           string `json:"id"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type AccessTokenResponse struct {
	AccessToken string `json:"accessToken"`
}

// TokenPair is the access/refresh pair handed out at registration and login.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type CreateBookResponse struct {
	Message string `json:"message"`
	ID      string `json:"id"`
}

// Book is the persisted book record. AuthorID is set once on creation.
type Book struct {
	ID            string
	Title         string
	Genre         string
	AuthorID      string
	CoverImageURL string
	FileURL       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// BookPatch lists the columns to overwrite; nil fields keep their stored value.
type BookPatch struct {
	Title         *string
	Genre         *string
	CoverImageURL *string
	FileURL       *string
}

// IsEmpty reports whether the patch changes nothing.
func (p BookPatch) IsEmpty() bool {
	return p.Title == nil && p.Genre == nil && p.CoverImageURL == nil && p.FileURL == nil
}

type BookAuthor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// BookView is a book as returned to clients, with the author resolved.
type BookView struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Genre         string     `json:"genre"`
	Author        BookAuthor `json:"author"`
	CoverImageURL string     `json:"coverImage"`
	FileURL       string     `json:"file"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

type BookViews []BookView

type InternalStatsResponse struct {
	Books int64 `json:"books"`
	Users int64 `json:"users"`
}

const (
	StorageTypeUnknown = iota
	StorageTypePostgresql
	StorageTypeFile
	StorageTypeMemory
)

// AssetDestroyJob asks the background remover to delete remote assets.
type AssetDestroyJob struct {
	Reason string
	Assets []RemoteAsset
}

type RemoteAsset struct {
	URL  string
	Kind string
}
