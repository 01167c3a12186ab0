// Package mockstorage provides a testify-based mock of the storage
// interfaces used by the credential and book services.
// It is used to simulate storage failures that the in-memory backends never produce.
package mockstorage

import (
	"context"
	"database/sql"

	"github.com/stretchr/testify/mock"

	"github.com/patric-chuzhbe/elib/internal/models"
	"github.com/patric-chuzhbe/elib/internal/user"
)

// StorageMock implements every storage method of the services.
type StorageMock struct {
	mock.Mock

	// OnGetNumberOfUsers, if set, replaces the testify handler for GetNumberOfUsers.
	OnGetNumberOfUsers func(ctx context.Context) (int64, error)

	// OnGetNumberOfBooks, if set, replaces the testify handler for GetNumberOfBooks.
	OnGetNumberOfBooks func(ctx context.Context) (int64, error)
}

// Ping mocks the pinger interface to simulate a health check.
func (m *StorageMock) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// BeginTransaction mocks the beginning of a transaction.
func (m *StorageMock) BeginTransaction() (*sql.Tx, error) {
	args := m.Called()
	tx, _ := args.Get(0).(*sql.Tx)
	return tx, args.Error(1)
}

// CommitTransaction mocks committing a transaction.
func (m *StorageMock) CommitTransaction(tx *sql.Tx) error {
	args := m.Called(tx)
	return args.Error(0)
}

// RollbackTransaction mocks rolling back a transaction.
func (m *StorageMock) RollbackTransaction(tx *sql.Tx) error {
	args := m.Called(tx)
	return args.Error(0)
}

func (m *StorageMock) CreateUser(ctx context.Context, usr *user.User, tx *sql.Tx) (string, error) {
	args := m.Called(ctx, usr, tx)
	return args.String(0), args.Error(1)
}

func (m *StorageMock) GetUserByID(ctx context.Context, userID string, tx *sql.Tx) (*user.User, bool, error) {
	args := m.Called(ctx, userID, tx)
	usr, _ := args.Get(0).(*user.User)
	return usr, args.Bool(1), args.Error(2)
}

func (m *StorageMock) GetUserByEmail(ctx context.Context, email string, tx *sql.Tx) (*user.User, bool, error) {
	args := m.Called(ctx, email, tx)
	usr, _ := args.Get(0).(*user.User)
	return usr, args.Bool(1), args.Error(2)
}

func (m *StorageMock) SetRefreshToken(ctx context.Context, userID, refreshToken string, tx *sql.Tx) error {
	args := m.Called(ctx, userID, refreshToken, tx)
	return args.Error(0)
}

// CreateBook mocks inserting a book record and returns the new ID.
func (m *StorageMock) CreateBook(ctx context.Context, book *models.Book, tx *sql.Tx) (string, error) {
	args := m.Called(ctx, book, tx)
	return args.String(0), args.Error(1)
}

func (m *StorageMock) GetBookByID(ctx context.Context, bookID string, tx *sql.Tx) (*models.Book, bool, error) {
	args := m.Called(ctx, bookID, tx)
	book, _ := args.Get(0).(*models.Book)
	return book, args.Bool(1), args.Error(2)
}

func (m *StorageMock) UpdateBook(ctx context.Context, bookID string, patch models.BookPatch, tx *sql.Tx) error {
	args := m.Called(ctx, bookID, patch, tx)
	return args.Error(0)
}

func (m *StorageMock) DeleteBook(ctx context.Context, bookID string, tx *sql.Tx) error {
	args := m.Called(ctx, bookID, tx)
	return args.Error(0)
}

func (m *StorageMock) GetBookView(ctx context.Context, bookID string) (*models.BookView, bool, error) {
	args := m.Called(ctx, bookID)
	view, _ := args.Get(0).(*models.BookView)
	return view, args.Bool(1), args.Error(2)
}

func (m *StorageMock) ListBookViews(ctx context.Context) (models.BookViews, error) {
	args := m.Called(ctx)
	views, _ := args.Get(0).(models.BookViews)
	return views, args.Error(1)
}

// GetNumberOfUsers mocks counting users.
//
// If OnGetNumberOfUsers is set, it is used instead of testify's handler.
func (m *StorageMock) GetNumberOfUsers(ctx context.Context) (int64, error) {
	if m.OnGetNumberOfUsers != nil {
		return m.OnGetNumberOfUsers(ctx)
	}
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

// GetNumberOfBooks mocks counting books.
//
// If OnGetNumberOfBooks is set, it is used instead of testify's handler.
func (m *StorageMock) GetNumberOfBooks(ctx context.Context) (int64, error) {
	if m.OnGetNumberOfBooks != nil {
		return m.OnGetNumberOfBooks(ctx)
	}
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

// Close mocks releasing the storage.
func (m *StorageMock) Close() error {
	args := m.Called()
	return args.Error(0)
}
