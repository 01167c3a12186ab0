// Package postgresdb provides the PostgreSQL implementation of the storage
// for users and books. Schema migrations are applied with goose on start-up.
package postgresdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/patric-chuzhbe/elib/internal/models"
	"github.com/patric-chuzhbe/elib/internal/user"
)

const uniqueViolation = "23505"

// PostgresDB handles all persistence operations via a PostgreSQL connection.
type PostgresDB struct {
	database          *sql.DB
	connectionTimeout time.Duration
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type initOptions struct {
	DBPreReset bool
}

// InitOption defines a functional option for configuring database initialization.
type InitOption func(*initOptions)

// WithDBPreReset drops every table before migrating. Used by tests.
func WithDBPreReset(value bool) InitOption {
	return func(options *initOptions) {
		options.DBPreReset = value
	}
}

// New establishes a connection to the PostgreSQL database,
// runs schema migrations, and returns a configured PostgresDB instance.
func New(
	ctx context.Context,
	databaseDSN string,
	connectionTimeout time.Duration,
	migrationsDir string,
	optionsProto ...InitOption,
) (*PostgresDB, error) {
	options := &initOptions{
		DBPreReset: false,
	}
	for _, protoOption := range optionsProto {
		protoOption(options)
	}

	database, err := sql.Open("pgx", databaseDSN)
	if err != nil {
		return nil, err
	}

	result := &PostgresDB{
		database:          database,
		connectionTimeout: connectionTimeout,
	}

	if options.DBPreReset {
		if err := result.resetDB(ctx); err != nil {
			return nil,
				fmt.Errorf(
					"in internal/db/postgresdb/postgresdb.go/New(): error while `result.resetDB()` calling: %w",
					err,
				)
		}
	}

	if err := goose.SetDialect("postgres"); err != nil {
		return nil,
			fmt.Errorf(
				"in internal/db/postgresdb/postgresdb.go/New(): error while `goose.SetDialect()` calling: %w",
				err,
			)
	}

	if err := goose.UpContext(ctx, result.database, migrationsDir); err != nil {
		return nil,
			fmt.Errorf(
				"in internal/db/postgresdb/postgresdb.go/New(): error while `goose.UpContext()` calling: %w",
				err,
			)
	}

	return result, nil
}

func (db *PostgresDB) queryer(transaction *sql.Tx) queryer {
	if transaction == nil {
		return db.database
	}
	return transaction
}

func (db *PostgresDB) executor(transaction *sql.Tx) executor {
	if transaction == nil {
		return db.database
	}
	return transaction
}

// CreateUser inserts a new user and returns its generated ID.
// A duplicate email is reported as models.ErrConflict.
func (db *PostgresDB) CreateUser(ctx context.Context, usr *user.User, transaction *sql.Tx) (string, error) {
	row := db.queryer(transaction).QueryRowContext(
		ctx,
		`
			INSERT INTO users (name, email, password_hash)
				VALUES ($1, $2, $3)
				RETURNING id
		`,
		usr.Name,
		usr.Email,
		usr.PasswordHash,
	)
	var userIDFromDB string
	err := row.Scan(&userIDFromDB)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return "", models.ErrConflict
		}
		return "", err
	}

	return userIDFromDB, nil
}

const selectUser = `
	SELECT id, name, email, password_hash, COALESCE(refresh_token, ''), created_at, updated_at
		FROM users
`

func scanUser(row *sql.Row) (*user.User, bool, error) {
	usr := &user.User{}
	err := row.Scan(
		&usr.ID,
		&usr.Name,
		&usr.Email,
		&usr.PasswordHash,
		&usr.RefreshToken,
		&usr.CreatedAt,
		&usr.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}

	return usr, true, nil
}

// GetUserByID fetches a user by its UUID.
func (db *PostgresDB) GetUserByID(ctx context.Context, userID string, transaction *sql.Tx) (*user.User, bool, error) {
	if !isUUID(userID) {
		return nil, false, nil
	}

	return scanUser(db.queryer(transaction).QueryRowContext(ctx, selectUser+` WHERE id = $1`, userID))
}

// GetUserByEmail fetches a user by its normalised email.
func (db *PostgresDB) GetUserByEmail(ctx context.Context, email string, transaction *sql.Tx) (*user.User, bool, error) {
	return scanUser(db.queryer(transaction).QueryRowContext(ctx, selectUser+` WHERE email = $1`, email))
}

// SetRefreshToken overwrites the stored refresh token of a user.
func (db *PostgresDB) SetRefreshToken(ctx context.Context, userID, refreshToken string, transaction *sql.Tx) error {
	result, err := db.executor(transaction).ExecContext(
		ctx,
		`UPDATE users SET refresh_token = $2, updated_at = now() WHERE id = $1`,
		userID,
		refreshToken,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrNotFound
	}

	return nil
}

// CreateBook inserts a book and returns its generated ID.
func (db *PostgresDB) CreateBook(ctx context.Context, book *models.Book, transaction *sql.Tx) (string, error) {
	row := db.queryer(transaction).QueryRowContext(
		ctx,
		`
			INSERT INTO books (title, genre, author_id, cover_image_url, file_url)
				VALUES ($1, $2, $3, $4, $5)
				RETURNING id
		`,
		book.Title,
		book.Genre,
		book.AuthorID,
		book.CoverImageURL,
		book.FileURL,
	)
	var bookID string
	if err := row.Scan(&bookID); err != nil {
		return "", err
	}

	return bookID, nil
}

// GetBookByID loads the stored book record.
func (db *PostgresDB) GetBookByID(ctx context.Context, bookID string, transaction *sql.Tx) (*models.Book, bool, error) {
	if !isUUID(bookID) {
		return nil, false, nil
	}

	row := db.queryer(transaction).QueryRowContext(
		ctx,
		`
			SELECT id, title, genre, author_id, cover_image_url, file_url, created_at, updated_at
				FROM books
				WHERE id = $1
		`,
		bookID,
	)
	book := &models.Book{}
	err := row.Scan(
		&book.ID,
		&book.Title,
		&book.Genre,
		&book.AuthorID,
		&book.CoverImageURL,
		&book.FileURL,
		&book.CreatedAt,
		&book.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}

	return book, true, nil
}

// UpdateBook applies patch field by field. Nil fields keep the stored value.
func (db *PostgresDB) UpdateBook(ctx context.Context, bookID string, patch models.BookPatch, transaction *sql.Tx) error {
	if !isUUID(bookID) {
		return models.ErrNotFound
	}

	result, err := db.executor(transaction).ExecContext(
		ctx,
		`
			UPDATE books
				SET
					title = COALESCE($2, title),
					genre = COALESCE($3, genre),
					cover_image_url = COALESCE($4, cover_image_url),
					file_url = COALESCE($5, file_url),
					updated_at = now()
				WHERE id = $1
		`,
		bookID,
		nullString(patch.Title),
		nullString(patch.Genre),
		nullString(patch.CoverImageURL),
		nullString(patch.FileURL),
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrNotFound
	}

	return nil
}

// DeleteBook removes a book record.
func (db *PostgresDB) DeleteBook(ctx context.Context, bookID string, transaction *sql.Tx) error {
	if !isUUID(bookID) {
		return models.ErrNotFound
	}

	result, err := db.executor(transaction).ExecContext(ctx, `DELETE FROM books WHERE id = $1`, bookID)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrNotFound
	}

	return nil
}

const selectBookView = `
	SELECT books.id, books.title, books.genre, users.id, users.name,
			books.cover_image_url, books.file_url, books.created_at, books.updated_at
		FROM books
			JOIN users ON users.id = books.author_id
`

func scanBookView(scan func(dest ...any) error) (models.BookView, error) {
	view := models.BookView{}
	err := scan(
		&view.ID,
		&view.Title,
		&view.Genre,
		&view.Author.ID,
		&view.Author.Name,
		&view.CoverImageURL,
		&view.FileURL,
		&view.CreatedAt,
		&view.UpdatedAt,
	)

	return view, err
}

// GetBookView loads a book with its author resolved.
func (db *PostgresDB) GetBookView(ctx context.Context, bookID string) (*models.BookView, bool, error) {
	if !isUUID(bookID) {
		return nil, false, nil
	}

	row := db.database.QueryRowContext(ctx, selectBookView+` WHERE books.id = $1`, bookID)
	view, err := scanBookView(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}

	return &view, true, nil
}

// ListBookViews returns every book, newest first.
func (db *PostgresDB) ListBookViews(ctx context.Context) (models.BookViews, error) {
	rows, err := db.database.QueryContext(ctx, selectBookView+` ORDER BY books.created_at DESC, books.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := models.BookViews{}
	for rows.Next() {
		view, err := scanBookView(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, view)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// GetNumberOfBooks counts stored books.
func (db *PostgresDB) GetNumberOfBooks(ctx context.Context) (int64, error) {
	return db.count(ctx, `SELECT COUNT(*) FROM books`)
}

// GetNumberOfUsers counts registered users.
func (db *PostgresDB) GetNumberOfUsers(ctx context.Context) (int64, error) {
	return db.count(ctx, `SELECT COUNT(*) FROM users`)
}

func (db *PostgresDB) count(ctx context.Context, query string) (int64, error) {
	var result int64
	if err := db.database.QueryRowContext(ctx, query).Scan(&result); err != nil {
		return 0, err
	}

	return result, nil
}

// CommitTransaction commits the given SQL transaction.
func (db *PostgresDB) CommitTransaction(transaction *sql.Tx) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic occurred while committing transaction: %v", r)
		}
	}()

	return transaction.Commit()
}

// RollbackTransaction rolls back the given SQL transaction.
// Rolling back a finished transaction is not an error.
func (db *PostgresDB) RollbackTransaction(transaction *sql.Tx) error {
	if err := transaction.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}

	return nil
}

// BeginTransaction starts a new SQL transaction and returns it.
// The caller is responsible for committing or rolling it back.
func (db *PostgresDB) BeginTransaction() (*sql.Tx, error) {
	return db.database.Begin()
}

// Ping verifies connectivity with the PostgreSQL database within the configured timeout.
func (db *PostgresDB) Ping(ctx context.Context) error {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, db.connectionTimeout)
	defer cancel()

	return db.database.PingContext(ctxWithTimeout)
}

// Close closes the database connection and releases any associated resources.
func (db *PostgresDB) Close() error {
	return db.database.Close()
}

func (db *PostgresDB) resetDB(ctx context.Context) error {
	_, err := db.database.ExecContext(
		ctx,
		`
			DO $$
			DECLARE
				r RECORD;
			BEGIN
				FOR r IN (SELECT tablename FROM pg_tables WHERE schemaname = 'public') LOOP
					EXECUTE 'DROP TABLE IF EXISTS ' || quote_ident(r.tablename) || ' CASCADE';
				END LOOP;
			END $$;
		`,
	)
	if err != nil {
		return fmt.Errorf(
			"in internal/db/postgresdb/postgresdb.go/resetDB(): error while `db.database.ExecContext()` calling: %w",
			err,
		)
	}
	return nil
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

func isUUID(value string) bool {
	return uuid.Validate(value) == nil
}
