// Package service implements the book workflow: validation, ownership checks,
// concurrent remote uploads, the record write and local file cleanup.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/thoas/go-funk"
	"golang.org/x/sync/errgroup"

	"github.com/patric-chuzhbe/elib/internal/assetstore"
	"github.com/patric-chuzhbe/elib/internal/auth"
	"github.com/patric-chuzhbe/elib/internal/logger"
	"github.com/patric-chuzhbe/elib/internal/models"
	"github.com/patric-chuzhbe/elib/internal/scratch"
)

// Workflow operation names used for logging and metrics.
const (
	OperationCreate = "create"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

const pdfMimeType = "application/pdf"

type transactioner interface {
	BeginTransaction() (*sql.Tx, error)

	RollbackTransaction(transaction *sql.Tx) error

	CommitTransaction(transaction *sql.Tx) error
}

type bookKeeper interface {
	CreateBook(ctx context.Context, book *models.Book, transaction *sql.Tx) (string, error)

	GetBookByID(ctx context.Context, bookID string, transaction *sql.Tx) (*models.Book, bool, error)

	UpdateBook(ctx context.Context, bookID string, patch models.BookPatch, transaction *sql.Tx) error

	DeleteBook(ctx context.Context, bookID string, transaction *sql.Tx) error
}

type bookViewer interface {
	GetBookView(ctx context.Context, bookID string) (*models.BookView, bool, error)

	ListBookViews(ctx context.Context) (models.BookViews, error)
}

type statsKeeper interface {
	GetNumberOfBooks(ctx context.Context) (int64, error)

	GetNumberOfUsers(ctx context.Context) (int64, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type storage interface {
	transactioner
	bookKeeper
	bookViewer
	statsKeeper
	pinger
}

type assetsRemover interface {
	EnqueueJob(job *models.AssetDestroyJob)
}

type observer interface {
	ObserveWorkflow(operation string, err error)
	ObserveUpload(kind string, err error)
}

type noopObserver struct{}

func (noopObserver) ObserveWorkflow(string, error) {}

func (noopObserver) ObserveUpload(string, error) {}

// Folders are the remote folders covers and book files are uploaded to.
type Folders struct {
	Cover string
	File  string
}

// CreateBookInput carries the form fields and the scratch files of one create request.
// Every file in Covers and Files is released when CreateBook returns.
type CreateBookInput struct {
	Title  string
	Genre  string
	Covers []*scratch.File
	Files  []*scratch.File
}

// UpdateBookInput carries an update request. Nil fields and empty file lists
// leave the stored values unchanged.
type UpdateBookInput struct {
	BookID string
	Title  *string
	Genre  *string
	Covers []*scratch.File
	Files  []*scratch.File
}

type Service struct {
	db       storage
	gateway  assetstore.Gateway
	remover  assetsRemover
	folders  Folders
	observer observer
}

// Option customises a Service.
type Option func(*Service)

// WithObserver reports workflow and upload outcomes to o.
func WithObserver(o observer) Option {
	return func(s *Service) {
		s.observer = o
	}
}

func New(
	db storage,
	gateway assetstore.Gateway,
	remover assetsRemover,
	folders Folders,
	opts ...Option,
) *Service {
	s := &Service{
		db:       db,
		gateway:  gateway,
		remover:  remover,
		folders:  folders,
		observer: noopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// CreateBook uploads the cover and the first book file, then stores a new
// book authored by the caller. It returns the new book ID.
func (s *Service) CreateBook(ctx context.Context, identity auth.AuthContext, in CreateBookInput) (bookID string, err error) {
	defer s.cleanup(OperationCreate, in.Covers, in.Files)
	defer func() {
		s.observer.ObserveWorkflow(OperationCreate, err)
	}()

	if identity.IsZero() {
		return "", models.NewError(models.ErrUnauthenticated, "Authorization token is required")
	}

	title := strings.TrimSpace(in.Title)
	genre := strings.TrimSpace(in.Genre)
	if title == "" || genre == "" || len(in.Covers) == 0 || len(in.Files) == 0 {
		return "", models.NewError(models.ErrValidation, "All fields are required")
	}
	if len(in.Covers) > 1 {
		return "", models.NewError(models.ErrValidation, "Only one cover image is allowed")
	}
	cover, file := in.Covers[0], in.Files[0]
	if err := validateAssets(cover, file); err != nil {
		return "", err
	}

	coverURL, fileURL, err := s.uploadAssets(ctx, cover, file)
	if err != nil {
		return "", err
	}

	bookID, err = s.insertBook(ctx, &models.Book{
		Title:         title,
		Genre:         genre,
		AuthorID:      identity.UserID,
		CoverImageURL: coverURL,
		FileURL:       fileURL,
	})
	if err != nil {
		s.destroyLater("record write failed", assetURLs(coverURL, fileURL))
		return "", err
	}

	logger.Log.Infow("book created", "book_id", bookID, "author_id", identity.UserID)

	return bookID, nil
}

func (s *Service) insertBook(ctx context.Context, book *models.Book) (string, error) {
	tx, err := s.db.BeginTransaction()
	if err != nil {
		return "", fmt.Errorf("in internal/service/service.go/insertBook(): error while `s.db.BeginTransaction()` calling: %w", err)
	}
	defer func() {
		_ = s.db.RollbackTransaction(tx)
	}()

	bookID, err := s.db.CreateBook(ctx, book, tx)
	if err != nil {
		return "", fmt.Errorf("in internal/service/service.go/insertBook(): error while `s.db.CreateBook()` calling: %w", err)
	}

	if err := s.db.CommitTransaction(tx); err != nil {
		return "", fmt.Errorf("in internal/service/service.go/insertBook(): error while `s.db.CommitTransaction()` calling: %w", err)
	}

	return bookID, nil
}

// UpdateBook patches a book owned by the caller. New cover and file are
// uploaded first; the assets they replace are destroyed in the background.
func (s *Service) UpdateBook(ctx context.Context, identity auth.AuthContext, in UpdateBookInput) (view *models.BookView, err error) {
	defer s.cleanup(OperationUpdate, in.Covers, in.Files)
	defer func() {
		s.observer.ObserveWorkflow(OperationUpdate, err)
	}()

	if identity.IsZero() {
		return nil, models.NewError(models.ErrUnauthenticated, "Authorization token is required")
	}

	patch := models.BookPatch{}
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return nil, models.NewError(models.ErrValidation, "Title must not be empty")
		}
		patch.Title = &title
	}
	if in.Genre != nil {
		genre := strings.TrimSpace(*in.Genre)
		if genre == "" {
			return nil, models.NewError(models.ErrValidation, "Genre must not be empty")
		}
		patch.Genre = &genre
	}
	if len(in.Covers) > 1 {
		return nil, models.NewError(models.ErrValidation, "Only one cover image is allowed")
	}
	cover := first(in.Covers)
	file := first(in.Files)
	if err := validateAssets(cover, file); err != nil {
		return nil, err
	}

	book, err := s.authorizeOwnership(ctx, identity, in.BookID, "You can not update others book")
	if err != nil {
		return nil, err
	}

	coverURL, fileURL, err := s.uploadAssets(ctx, cover, file)
	if err != nil {
		return nil, err
	}
	if coverURL != "" {
		patch.CoverImageURL = &coverURL
	}
	if fileURL != "" {
		patch.FileURL = &fileURL
	}

	if !patch.IsEmpty() {
		if err := s.patchBook(ctx, book.ID, patch); err != nil {
			s.destroyLater("record write failed", assetURLs(coverURL, fileURL))
			return nil, err
		}
	}

	superseded := []models.RemoteAsset{}
	if coverURL != "" && book.CoverImageURL != coverURL {
		superseded = append(superseded, models.RemoteAsset{URL: book.CoverImageURL, Kind: string(assetstore.KindImage)})
	}
	if fileURL != "" && book.FileURL != fileURL {
		superseded = append(superseded, models.RemoteAsset{URL: book.FileURL, Kind: string(assetstore.KindRaw)})
	}
	s.destroyLater("superseded by update", superseded)

	view, found, err := s.db.GetBookView(ctx, book.ID)
	if err != nil {
		return nil, fmt.Errorf("in internal/service/service.go/UpdateBook(): error while `s.db.GetBookView()` calling: %w", err)
	}
	if !found {
		return nil, models.NewError(models.ErrNotFound, "Book not found")
	}

	logger.Log.Infow("book updated", "book_id", book.ID, "author_id", identity.UserID)

	return view, nil
}

func (s *Service) patchBook(ctx context.Context, bookID string, patch models.BookPatch) error {
	tx, err := s.db.BeginTransaction()
	if err != nil {
		return fmt.Errorf("in internal/service/service.go/patchBook(): error while `s.db.BeginTransaction()` calling: %w", err)
	}
	defer func() {
		_ = s.db.RollbackTransaction(tx)
	}()

	err = s.db.UpdateBook(ctx, bookID, patch, tx)
	if errors.Is(err, models.ErrNotFound) {
		return models.NewError(models.ErrNotFound, "Book not found")
	}
	if err != nil {
		return fmt.Errorf("in internal/service/service.go/patchBook(): error while `s.db.UpdateBook()` calling: %w", err)
	}

	if err := s.db.CommitTransaction(tx); err != nil {
		return fmt.Errorf("in internal/service/service.go/patchBook(): error while `s.db.CommitTransaction()` calling: %w", err)
	}

	return nil
}

// DeleteBook removes a book owned by the caller. Its remote assets are
// destroyed in the background and their failures never block the deletion.
func (s *Service) DeleteBook(ctx context.Context, identity auth.AuthContext, bookID string) (err error) {
	defer func() {
		s.observer.ObserveWorkflow(OperationDelete, err)
	}()

	if identity.IsZero() {
		return models.NewError(models.ErrUnauthenticated, "Authorization token is required")
	}

	book, err := s.authorizeOwnership(ctx, identity, bookID, "You can not delete others book")
	if err != nil {
		return err
	}

	err = s.db.DeleteBook(ctx, book.ID, nil)
	if errors.Is(err, models.ErrNotFound) {
		return models.NewError(models.ErrNotFound, "Book not found")
	}
	if err != nil {
		return fmt.Errorf("in internal/service/service.go/DeleteBook(): error while `s.db.DeleteBook()` calling: %w", err)
	}

	s.destroyLater("book deleted", []models.RemoteAsset{
		{URL: book.CoverImageURL, Kind: string(assetstore.KindImage)},
		{URL: book.FileURL, Kind: string(assetstore.KindRaw)},
	})

	logger.Log.Infow("book deleted", "book_id", book.ID, "author_id", identity.UserID)

	return nil
}

// ListBooks returns every book with its author resolved.
func (s *Service) ListBooks(ctx context.Context) (models.BookViews, error) {
	views, err := s.db.ListBookViews(ctx)
	if err != nil {
		return nil, fmt.Errorf("in internal/service/service.go/ListBooks(): error while `s.db.ListBookViews()` calling: %w", err)
	}

	return views, nil
}

// GetBook returns one book with its author resolved.
func (s *Service) GetBook(ctx context.Context, bookID string) (*models.BookView, error) {
	view, found, err := s.db.GetBookView(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("in internal/service/service.go/GetBook(): error while `s.db.GetBookView()` calling: %w", err)
	}
	if !found {
		return nil, models.NewError(models.ErrNotFound, "Book not found")
	}

	return view, nil
}

// Ping checks the health of the storage layer.
func (s *Service) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// GetInternalStats returns the number of stored books and registered users.
func (s *Service) GetInternalStats(ctx context.Context) (models.InternalStatsResponse, error) {
	books, err := s.db.GetNumberOfBooks(ctx)
	if err != nil {
		return models.InternalStatsResponse{}, err
	}

	users, err := s.db.GetNumberOfUsers(ctx)
	if err != nil {
		return models.InternalStatsResponse{}, err
	}

	return models.InternalStatsResponse{
		Books: books,
		Users: users,
	}, nil
}

func (s *Service) authorizeOwnership(
	ctx context.Context,
	identity auth.AuthContext,
	bookID string,
	forbiddenMessage string,
) (*models.Book, error) {
	book, found, err := s.db.GetBookByID(ctx, bookID, nil)
	if err != nil {
		return nil, fmt.Errorf("in internal/service/service.go/authorizeOwnership(): error while `s.db.GetBookByID()` calling: %w", err)
	}
	if !found {
		return nil, models.NewError(models.ErrNotFound, "Book not found")
	}
	if book.AuthorID != identity.UserID {
		return nil, models.NewError(models.ErrForbidden, forbiddenMessage)
	}

	return book, nil
}

// uploadAssets pushes the cover and the book file concurrently. Either may be
// nil. Both uploads always run to completion; when one fails the other is
// unwound and an upload error is returned.
func (s *Service) uploadAssets(ctx context.Context, cover, file *scratch.File) (coverURL, fileURL string, err error) {
	var (
		group             errgroup.Group
		coverErr, fileErr error
	)

	if cover != nil {
		group.Go(func() error {
			coverURL, coverErr = s.upload(ctx, cover, s.folders.Cover, mimeSubtype(cover.MimeType), assetstore.KindImage)
			return coverErr
		})
	}
	if file != nil {
		group.Go(func() error {
			fileURL, fileErr = s.upload(ctx, file, s.folders.File, "pdf", assetstore.KindRaw)
			return fileErr
		})
	}

	if group.Wait() == nil {
		return coverURL, fileURL, nil
	}

	uploaded := []models.RemoteAsset{}
	if coverErr == nil && coverURL != "" {
		uploaded = append(uploaded, models.RemoteAsset{URL: coverURL, Kind: string(assetstore.KindImage)})
	}
	if fileErr == nil && fileURL != "" {
		uploaded = append(uploaded, models.RemoteAsset{URL: fileURL, Kind: string(assetstore.KindRaw)})
	}
	s.destroyLater("sibling upload failed", uploaded)

	return "", "", assetstore.UploadError(errors.Join(coverErr, fileErr))
}

func (s *Service) upload(
	ctx context.Context,
	file *scratch.File,
	folder string,
	format string,
	kind assetstore.Kind,
) (string, error) {
	remoteURL, err := s.gateway.Upload(ctx, assetstore.UploadRequest{
		LocalPath: file.Path,
		Folder:    folder,
		Name:      file.Name(),
		Format:    format,
		Kind:      kind,
	})
	s.observer.ObserveUpload(string(kind), err)
	if err != nil {
		logger.Log.Errorw("asset upload failed", "kind", kind, "file", file.OriginalName, "error", err)
		return "", assetstore.UploadError(err)
	}
	logger.Log.Debugw("asset uploaded", "kind", kind, "url", remoteURL)

	return remoteURL, nil
}

func (s *Service) destroyLater(reason string, assets []models.RemoteAsset) {
	assets = funk.Filter(assets, func(asset models.RemoteAsset) bool {
		return asset.URL != ""
	}).([]models.RemoteAsset)
	if len(assets) == 0 {
		return
	}

	s.remover.EnqueueJob(&models.AssetDestroyJob{
		Reason: reason,
		Assets: assets,
	})
}

func (s *Service) cleanup(operation string, groups ...[]*scratch.File) {
	var files []*scratch.File
	for _, group := range groups {
		files = append(files, group...)
	}
	if err := scratch.ReleaseAll(files); err != nil {
		logger.Log.Warnw("scratch cleanup failed", "operation", operation, "error", err)
	}
}

func validateAssets(cover, file *scratch.File) error {
	if cover != nil && !strings.HasPrefix(mediaType(cover.MimeType), "image/") {
		return models.NewError(models.ErrValidation, "Cover image must be an image")
	}
	if file != nil && mediaType(file.MimeType) != pdfMimeType {
		return models.NewError(models.ErrValidation, "Book file must be a PDF document")
	}

	return nil
}

func mediaType(value string) string {
	parsed, _, err := mime.ParseMediaType(value)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(value))
	}
	return parsed
}

func mimeSubtype(value string) string {
	parsed := mediaType(value)
	if i := strings.LastIndexByte(parsed, '/'); i >= 0 {
		return parsed[i+1:]
	}
	return parsed
}

func assetURLs(coverURL, fileURL string) []models.RemoteAsset {
	return []models.RemoteAsset{
		{URL: coverURL, Kind: string(assetstore.KindImage)},
		{URL: fileURL, Kind: string(assetstore.KindRaw)},
	}
}

func first(files []*scratch.File) *scratch.File {
	if len(files) == 0 {
		return nil
	}
	return files[0]
}
