// Package jsondb is a storage kept in memory and persisted to a JSON file on Close.
package jsondb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/thoas/go-funk"

	"github.com/patric-chuzhbe/elib/internal/models"
	"github.com/patric-chuzhbe/elib/internal/user"
)

type JSONDB struct {
	sync.RWMutex
	fileName string
	Cache    CacheStruct
}

type CacheStruct struct {
	Users map[string]*user.User
	Books map[string]*models.Book
}

// NewCache returns an empty cache.
func NewCache() CacheStruct {
	return CacheStruct{
		Users: map[string]*user.User{},
		Books: map[string]*models.Book{},
	}
}

func (db *JSONDB) CommitTransaction(transaction *sql.Tx) error {
	return nil
}

func (db *JSONDB) RollbackTransaction(transaction *sql.Tx) error {
	return nil
}

func (db *JSONDB) BeginTransaction() (*sql.Tx, error) {
	return nil, nil
}

func initDBFile(fileName string) error {
	dbFile, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(dbFile, `{
	"Users": {},
	"Books": {}
}`)
	if err != nil {
		return err
	}
	return dbFile.Close()
}

func writeToJSONFile(fileName string, cache interface{}) error {
	jsonData, err := json.MarshalIndent(cache, "", "\t")
	if err != nil {
		return fmt.Errorf("error marshaling JSON: %s", err)
	}

	file, err2 := os.OpenFile(fileName, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0644)
	if err2 != nil {
		return fmt.Errorf("error opening file: %s", err2)
	}
	defer file.Close()

	_, err = file.Write(jsonData)
	if err != nil {
		return fmt.Errorf("error writing to file: %s", err)
	}

	return nil
}

func parseJSONFile(fileName string, cache *CacheStruct) error {
	file, err := os.Open(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	err = decoder.Decode(cache)
	if err != nil {
		return err
	}

	return nil
}

// New loads fileName, creating an empty database file if it does not exist.
func New(fileName string) (*JSONDB, error) {
	db := &JSONDB{
		fileName: fileName,
		Cache:    NewCache(),
	}

	err := parseJSONFile(db.fileName, &db.Cache)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		err := initDBFile(fileName)
		if err != nil {
			return nil, err
		}
		err = parseJSONFile(db.fileName, &db.Cache)
		if err != nil {
			return nil, err
		}
	}
	if db.Cache.Users == nil {
		db.Cache.Users = map[string]*user.User{}
	}
	if db.Cache.Books == nil {
		db.Cache.Books = map[string]*models.Book{}
	}

	return db, nil
}

// NewInMemory returns a database that is never written to disk.
func NewInMemory() *JSONDB {
	return &JSONDB{Cache: NewCache()}
}

func (db *JSONDB) Ping(ctx context.Context) error {
	return nil
}

// Close flushes the cache to the database file, if there is one.
func (db *JSONDB) Close() error {
	if db.fileName == "" {
		return nil
	}

	db.RLock()
	defer db.RUnlock()

	return writeToJSONFile(db.fileName, db.Cache)
}

func (db *JSONDB) CreateUser(ctx context.Context, usr *user.User, transaction *sql.Tx) (string, error) {
	db.Lock()
	defer db.Unlock()

	for _, existing := range db.Cache.Users {
		if existing.Email == usr.Email {
			return "", models.ErrConflict
		}
	}

	now := time.Now().UTC()
	stored := *usr
	stored.ID = uuid.NewString()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	db.Cache.Users[stored.ID] = &stored

	return stored.ID, nil
}

func (db *JSONDB) GetUserByID(ctx context.Context, userID string, transaction *sql.Tx) (*user.User, bool, error) {
	db.RLock()
	defer db.RUnlock()

	usr, found := db.Cache.Users[userID]
	if !found {
		return nil, false, nil
	}
	result := *usr

	return &result, true, nil
}

func (db *JSONDB) GetUserByEmail(ctx context.Context, email string, transaction *sql.Tx) (*user.User, bool, error) {
	db.RLock()
	defer db.RUnlock()

	for _, usr := range db.Cache.Users {
		if usr.Email == email {
			result := *usr
			return &result, true, nil
		}
	}

	return nil, false, nil
}

func (db *JSONDB) SetRefreshToken(ctx context.Context, userID, refreshToken string, transaction *sql.Tx) error {
	db.Lock()
	defer db.Unlock()

	usr, found := db.Cache.Users[userID]
	if !found {
		return models.ErrNotFound
	}
	usr.RefreshToken = refreshToken
	usr.UpdatedAt = time.Now().UTC()

	return nil
}

func (db *JSONDB) CreateBook(ctx context.Context, book *models.Book, transaction *sql.Tx) (string, error) {
	db.Lock()
	defer db.Unlock()

	now := time.Now().UTC()
	stored := *book
	stored.ID = uuid.NewString()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	db.Cache.Books[stored.ID] = &stored

	return stored.ID, nil
}

func (db *JSONDB) GetBookByID(ctx context.Context, bookID string, transaction *sql.Tx) (*models.Book, bool, error) {
	db.RLock()
	defer db.RUnlock()

	book, found := db.Cache.Books[bookID]
	if !found {
		return nil, false, nil
	}
	result := *book

	return &result, true, nil
}

func (db *JSONDB) UpdateBook(ctx context.Context, bookID string, patch models.BookPatch, transaction *sql.Tx) error {
	db.Lock()
	defer db.Unlock()

	book, found := db.Cache.Books[bookID]
	if !found {
		return models.ErrNotFound
	}
	if patch.Title != nil {
		book.Title = *patch.Title
	}
	if patch.Genre != nil {
		book.Genre = *patch.Genre
	}
	if patch.CoverImageURL != nil {
		book.CoverImageURL = *patch.CoverImageURL
	}
	if patch.FileURL != nil {
		book.FileURL = *patch.FileURL
	}
	book.UpdatedAt = time.Now().UTC()

	return nil
}

func (db *JSONDB) DeleteBook(ctx context.Context, bookID string, transaction *sql.Tx) error {
	db.Lock()
	defer db.Unlock()

	if _, found := db.Cache.Books[bookID]; !found {
		return models.ErrNotFound
	}
	delete(db.Cache.Books, bookID)

	return nil
}

func (db *JSONDB) GetBookView(ctx context.Context, bookID string) (*models.BookView, bool, error) {
	db.RLock()
	defer db.RUnlock()

	book, found := db.Cache.Books[bookID]
	if !found {
		return nil, false, nil
	}
	view := db.toView(book)

	return &view, true, nil
}

// ListBookViews returns every book, newest first.
func (db *JSONDB) ListBookViews(ctx context.Context) (models.BookViews, error) {
	db.RLock()
	defer db.RUnlock()

	books := funk.Values(db.Cache.Books).([]*models.Book)
	sort.Slice(books, func(i, j int) bool {
		if books[i].CreatedAt.Equal(books[j].CreatedAt) {
			return books[i].ID < books[j].ID
		}
		return books[i].CreatedAt.After(books[j].CreatedAt)
	})

	result := make(models.BookViews, 0, len(books))
	for _, book := range books {
		result = append(result, db.toView(book))
	}

	return result, nil
}

func (db *JSONDB) GetNumberOfBooks(ctx context.Context) (int64, error) {
	db.RLock()
	defer db.RUnlock()

	return int64(len(db.Cache.Books)), nil
}

func (db *JSONDB) GetNumberOfUsers(ctx context.Context) (int64, error) {
	db.RLock()
	defer db.RUnlock()

	return int64(len(db.Cache.Users)), nil
}

func (db *JSONDB) toView(book *models.Book) models.BookView {
	author := models.BookAuthor{ID: book.AuthorID}
	if usr, found := db.Cache.Users[book.AuthorID]; found {
		author.Name = usr.Name
	}

	return models.BookView{
		ID:            book.ID,
		Title:         book.Title,
		Genre:         book.Genre,
		Author:        author,
		CoverImageURL: book.CoverImageURL,
		FileURL:       book.FileURL,
		CreatedAt:     book.CreatedAt,
		UpdatedAt:     book.UpdatedAt,
	}
}
