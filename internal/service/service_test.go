package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/patric-chuzhbe/elib/internal/assetstore"
	"github.com/patric-chuzhbe/elib/internal/assetstore/memorystore"
	"github.com/patric-chuzhbe/elib/internal/auth"
	"github.com/patric-chuzhbe/elib/internal/db/memorystorage"
	"github.com/patric-chuzhbe/elib/internal/mockstorage"
	"github.com/patric-chuzhbe/elib/internal/models"
	"github.com/patric-chuzhbe/elib/internal/scratch"
	"github.com/patric-chuzhbe/elib/internal/user"
)

var (
	coverBytes = []byte("\x89PNG fake cover")
	pdfBytes   = []byte("%PDF-1.4 fake book")
)

type recordingRemover struct {
	mu   sync.Mutex
	jobs []*models.AssetDestroyJob
}

func (r *recordingRemover) EnqueueJob(job *models.AssetDestroyJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
}

func (r *recordingRemover) urls(reason string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []string
	for _, job := range r.jobs {
		if job.Reason != reason {
			continue
		}
		for _, asset := range job.Assets {
			result = append(result, asset.URL)
		}
	}
	return result
}

// failingGateway fails every upload of one kind and delegates the rest.
type failingGateway struct {
	assetstore.Gateway
	failKind assetstore.Kind
}

func (g failingGateway) Upload(ctx context.Context, req assetstore.UploadRequest) (string, error) {
	if req.Kind == g.failKind {
		return "", errors.New("remote store unavailable")
	}
	return g.Gateway.Upload(ctx, req)
}

type fixture struct {
	service *Service
	db      *memorystorage.MemoryStorage
	store   *memorystore.Store
	remover *recordingRemover
	author  auth.AuthContext
	other   auth.AuthContext
}

func newFixture(t *testing.T, wrap func(assetstore.Gateway) assetstore.Gateway) *fixture {
	t.Helper()

	db, err := memorystorage.New()
	require.NoError(t, err)

	authorID, err := db.CreateUser(context.Background(), &user.User{Name: "Ann", Email: "ann@example.com"}, nil)
	require.NoError(t, err)
	otherID, err := db.CreateUser(context.Background(), &user.User{Name: "Bob", Email: "bob@example.com"}, nil)
	require.NoError(t, err)

	store := memorystore.New("")
	var gateway assetstore.Gateway = store
	if wrap != nil {
		gateway = wrap(store)
	}
	remover := &recordingRemover{}

	return &fixture{
		service: New(db, gateway, remover, Folders{Cover: "book-covers", File: "book-pdfs"}),
		db:      db,
		store:   store,
		remover: remover,
		author:  auth.AuthContext{UserID: authorID},
		other:   auth.AuthContext{UserID: otherID},
	}
}

func scratchFile(t *testing.T, name, mimeType string, content []byte) *scratch.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return scratch.NewFile(path, mimeType, name)
}

func assertReleased(t *testing.T, files ...*scratch.File) {
	t.Helper()
	for _, file := range files {
		_, err := os.Stat(file.Path)
		assert.True(t, os.IsNotExist(err), "scratch file %s must be removed", file.Path)
	}
}

func (f *fixture) createBook(t *testing.T) string {
	t.Helper()
	bookID, err := f.service.CreateBook(context.Background(), f.author, CreateBookInput{
		Title:  "Dune",
		Genre:  "scifi",
		Covers: []*scratch.File{scratchFile(t, "cover.png", "image/png", coverBytes)},
		Files:  []*scratch.File{scratchFile(t, "book.pdf", "application/pdf", pdfBytes)},
	})
	require.NoError(t, err)
	return bookID
}

func TestCreateBook(t *testing.T) {
	f := newFixture(t, nil)
	cover := scratchFile(t, "cover.png", "image/png", coverBytes)
	file := scratchFile(t, "book.pdf", "application/pdf", pdfBytes)

	bookID, err := f.service.CreateBook(context.Background(), f.author, CreateBookInput{
		Title:  " Dune ",
		Genre:  "scifi",
		Covers: []*scratch.File{cover},
		Files:  []*scratch.File{file},
	})
	require.NoError(t, err)
	assertReleased(t, cover, file)

	view, err := f.service.GetBook(context.Background(), bookID)
	require.NoError(t, err)
	assert.Equal(t, "Dune", view.Title)
	assert.Equal(t, "scifi", view.Genre)
	assert.Equal(t, f.author.UserID, view.Author.ID)
	assert.Equal(t, "Ann", view.Author.Name)
	assert.Contains(t, view.CoverImageURL, "/image/book-covers/")
	assert.Contains(t, view.FileURL, "/raw/book-pdfs/")

	storedCover, ok := f.store.Get(view.CoverImageURL)
	require.True(t, ok)
	assert.Equal(t, coverBytes, storedCover)
	storedFile, ok := f.store.Get(view.FileURL)
	require.True(t, ok)
	assert.Equal(t, pdfBytes, storedFile)

	assert.Empty(t, f.remover.jobs)
}

func TestCreateBookRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name      string
		identity  auth.AuthContext
		title     string
		covers    int
		coverMIME string
		fileMIME  string
		noFile    bool
		kind      error
		message   string
	}{
		{name: "anonymous", identity: auth.AuthContext{}, title: "Dune", covers: 1, coverMIME: "image/png", fileMIME: "application/pdf", kind: models.ErrUnauthenticated, message: "Authorization token is required"},
		{name: "blank title", identity: f.author, title: "  ", covers: 1, coverMIME: "image/png", fileMIME: "application/pdf", kind: models.ErrValidation, message: "All fields are required"},
		{name: "no cover", identity: f.author, title: "Dune", covers: 0, fileMIME: "application/pdf", kind: models.ErrValidation, message: "All fields are required"},
		{name: "no file", identity: f.author, title: "Dune", covers: 1, coverMIME: "image/png", noFile: true, kind: models.ErrValidation, message: "All fields are required"},
		{name: "two covers", identity: f.author, title: "Dune", covers: 2, coverMIME: "image/png", fileMIME: "application/pdf", kind: models.ErrValidation, message: "Only one cover image is allowed"},
		{name: "cover is not an image", identity: f.author, title: "Dune", covers: 1, coverMIME: "text/plain", fileMIME: "application/pdf", kind: models.ErrValidation, message: "Cover image must be an image"},
		{name: "file is not a pdf", identity: f.author, title: "Dune", covers: 1, coverMIME: "image/jpeg", fileMIME: "application/zip", kind: models.ErrValidation, message: "Book file must be a PDF document"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var covers, files []*scratch.File
			for i := 0; i < test.covers; i++ {
				covers = append(covers, scratchFile(t, "cover.png", test.coverMIME, coverBytes))
			}
			if !test.noFile {
				files = append(files, scratchFile(t, "book.pdf", test.fileMIME, pdfBytes))
			}

			_, err := f.service.CreateBook(context.Background(), test.identity, CreateBookInput{
				Title:  test.title,
				Genre:  "scifi",
				Covers: covers,
				Files:  files,
			})
			assert.ErrorIs(t, err, test.kind)
			var appErr *models.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, test.message, appErr.Message)

			assertReleased(t, append(covers, files...)...)
		})
	}

	assert.Equal(t, 0, f.store.Len(), "nothing is uploaded for invalid input")
	count, err := f.db.GetNumberOfBooks(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCreateBookUnwindsSiblingUpload(t *testing.T) {
	f := newFixture(t, func(g assetstore.Gateway) assetstore.Gateway {
		return failingGateway{Gateway: g, failKind: assetstore.KindRaw}
	})
	cover := scratchFile(t, "cover.png", "image/png", coverBytes)
	file := scratchFile(t, "book.pdf", "application/pdf", pdfBytes)

	_, err := f.service.CreateBook(context.Background(), f.author, CreateBookInput{
		Title:  "Dune",
		Genre:  "scifi",
		Covers: []*scratch.File{cover},
		Files:  []*scratch.File{file},
	})
	assert.ErrorIs(t, err, models.ErrUpload)
	assertReleased(t, cover, file)

	count, err := f.db.GetNumberOfBooks(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count, "no record is written when an upload fails")

	unwound := f.remover.urls("sibling upload failed")
	require.Len(t, unwound, 1)
	_, stored := f.store.Get(unwound[0])
	assert.True(t, stored, "the successful cover upload is queued for destroy")
}

func TestCreateBookRecordWriteFailure(t *testing.T) {
	db := &mockstorage.StorageMock{}
	db.On("BeginTransaction").Return(nil, nil)
	db.On("CreateBook", mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("connection reset"))
	db.On("RollbackTransaction", mock.Anything).Return(nil)

	remover := &recordingRemover{}
	service := New(db, memorystore.New(""), remover, Folders{Cover: "c", File: "f"})

	_, err := service.CreateBook(context.Background(), auth.AuthContext{UserID: "u-1"}, CreateBookInput{
		Title:  "Dune",
		Genre:  "scifi",
		Covers: []*scratch.File{scratchFile(t, "cover.png", "image/png", coverBytes)},
		Files:  []*scratch.File{scratchFile(t, "book.pdf", "application/pdf", pdfBytes)},
	})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrValidation)

	assert.Len(t, remover.urls("record write failed"), 2)
	db.AssertExpectations(t)
	db.AssertNotCalled(t, "CommitTransaction", mock.Anything)
}

func TestCreateBookCancelledContext(t *testing.T) {
	f := newFixture(t, nil)
	cover := scratchFile(t, "cover.png", "image/png", coverBytes)
	file := scratchFile(t, "book.pdf", "application/pdf", pdfBytes)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.service.CreateBook(ctx, f.author, CreateBookInput{
		Title:  "Dune",
		Genre:  "scifi",
		Covers: []*scratch.File{cover},
		Files:  []*scratch.File{file},
	})
	assert.ErrorIs(t, err, models.ErrUpload)
	assertReleased(t, cover, file)
}

func TestUpdateBook(t *testing.T) {
	f := newFixture(t, nil)
	bookID := f.createBook(t)
	before, err := f.service.GetBook(context.Background(), bookID)
	require.NoError(t, err)

	title := "Dune Messiah"
	newCover := scratchFile(t, "cover2.jpg", "image/jpeg", []byte("new cover"))
	view, err := f.service.UpdateBook(context.Background(), f.author, UpdateBookInput{
		BookID: bookID,
		Title:  &title,
		Covers: []*scratch.File{newCover},
	})
	require.NoError(t, err)
	assertReleased(t, newCover)

	assert.Equal(t, "Dune Messiah", view.Title)
	assert.Equal(t, "scifi", view.Genre)
	assert.Equal(t, before.FileURL, view.FileURL)
	assert.NotEqual(t, before.CoverImageURL, view.CoverImageURL)
	assert.Equal(t, []string{before.CoverImageURL}, f.remover.urls("superseded by update"))

	again, err := f.service.UpdateBook(context.Background(), f.author, UpdateBookInput{BookID: bookID, Title: &title})
	require.NoError(t, err)
	assert.Equal(t, view.Title, again.Title)
	assert.Equal(t, view.CoverImageURL, again.CoverImageURL)

	unchanged, err := f.service.UpdateBook(context.Background(), f.author, UpdateBookInput{BookID: bookID})
	require.NoError(t, err)
	assert.Equal(t, view.Title, unchanged.Title)
}

func TestUpdateBookErrors(t *testing.T) {
	f := newFixture(t, nil)
	bookID := f.createBook(t)

	title := "Stolen"
	_, err := f.service.UpdateBook(context.Background(), f.other, UpdateBookInput{BookID: bookID, Title: &title})
	assert.ErrorIs(t, err, models.ErrForbidden)

	_, err = f.service.UpdateBook(context.Background(), f.author, UpdateBookInput{BookID: "missing", Title: &title})
	assert.ErrorIs(t, err, models.ErrNotFound)

	blank := " "
	_, err = f.service.UpdateBook(context.Background(), f.author, UpdateBookInput{BookID: bookID, Genre: &blank})
	assert.ErrorIs(t, err, models.ErrValidation)

	cover := scratchFile(t, "cover.png", "image/png", coverBytes)
	_, err = f.service.UpdateBook(context.Background(), f.other, UpdateBookInput{BookID: bookID, Covers: []*scratch.File{cover}})
	assert.ErrorIs(t, err, models.ErrForbidden)
	assertReleased(t, cover)

	view, err := f.service.GetBook(context.Background(), bookID)
	require.NoError(t, err)
	assert.Equal(t, "Dune", view.Title)
	assert.Equal(t, 2, f.store.Len(), "rejected updates upload nothing")
}

func TestUpdateBookUnwindsSiblingUpload(t *testing.T) {
	f := newFixture(t, nil)
	bookID := f.createBook(t)
	before, err := f.service.GetBook(context.Background(), bookID)
	require.NoError(t, err)
	require.Equal(t, 2, f.store.Len())

	f.service = New(
		f.db,
		failingGateway{Gateway: f.store, failKind: assetstore.KindRaw},
		f.remover,
		Folders{Cover: "book-covers", File: "book-pdfs"},
	)

	title := "Dune Messiah"
	cover := scratchFile(t, "cover2.jpg", "image/jpeg", []byte("new cover"))
	file := scratchFile(t, "book2.pdf", "application/pdf", []byte("%PDF-1.4 new book"))

	_, err = f.service.UpdateBook(context.Background(), f.author, UpdateBookInput{
		BookID: bookID,
		Title:  &title,
		Covers: []*scratch.File{cover},
		Files:  []*scratch.File{file},
	})
	assert.ErrorIs(t, err, models.ErrUpload)
	assertReleased(t, cover, file)

	after, err := f.service.GetBook(context.Background(), bookID)
	require.NoError(t, err)
	assert.Equal(t, before.Title, after.Title, "the record is left unmodified")
	assert.Equal(t, before.CoverImageURL, after.CoverImageURL)
	assert.Equal(t, before.FileURL, after.FileURL)

	unwound := f.remover.urls("sibling upload failed")
	require.Len(t, unwound, 1)
	assert.NotEqual(t, before.CoverImageURL, unwound[0])
	_, stored := f.store.Get(unwound[0])
	assert.True(t, stored, "the new cover is queued for destroy")
	assert.Empty(t, f.remover.urls("superseded by update"), "current assets are kept")
}

func TestUpdateBookRecordWriteFailure(t *testing.T) {
	book := &models.Book{
		ID:            "b-1",
		Title:         "Dune",
		Genre:         "scifi",
		AuthorID:      "u-1",
		CoverImageURL: "memory://assets/image/c/old-cover.png",
		FileURL:       "memory://assets/raw/f/old-book.pdf",
	}

	db := &mockstorage.StorageMock{}
	db.On("GetBookByID", mock.Anything, "b-1", mock.Anything).Return(book, true, nil)
	db.On("BeginTransaction").Return(nil, nil)
	db.On("UpdateBook", mock.Anything, "b-1", mock.Anything, mock.Anything).Return(errors.New("connection reset"))
	db.On("RollbackTransaction", mock.Anything).Return(nil)

	remover := &recordingRemover{}
	service := New(db, memorystore.New(""), remover, Folders{Cover: "c", File: "f"})

	cover := scratchFile(t, "cover2.png", "image/png", coverBytes)
	file := scratchFile(t, "book2.pdf", "application/pdf", pdfBytes)
	_, err := service.UpdateBook(context.Background(), auth.AuthContext{UserID: "u-1"}, UpdateBookInput{
		BookID: "b-1",
		Covers: []*scratch.File{cover},
		Files:  []*scratch.File{file},
	})
	assert.Error(t, err)
	assertReleased(t, cover, file)

	unwound := remover.urls("record write failed")
	assert.Len(t, unwound, 2)
	assert.NotContains(t, unwound, book.CoverImageURL)
	assert.NotContains(t, unwound, book.FileURL)
	assert.Empty(t, remover.urls("superseded by update"), "old assets survive a failed write")

	db.AssertExpectations(t)
	db.AssertNotCalled(t, "CommitTransaction", mock.Anything)
	db.AssertNotCalled(t, "GetBookView", mock.Anything, mock.Anything)
}

func TestDeleteBook(t *testing.T) {
	f := newFixture(t, nil)
	bookID := f.createBook(t)
	view, err := f.service.GetBook(context.Background(), bookID)
	require.NoError(t, err)

	err = f.service.DeleteBook(context.Background(), f.other, bookID)
	assert.ErrorIs(t, err, models.ErrForbidden)

	require.NoError(t, f.service.DeleteBook(context.Background(), f.author, bookID))

	_, err = f.service.GetBook(context.Background(), bookID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ElementsMatch(t, []string{view.CoverImageURL, view.FileURL}, f.remover.urls("book deleted"))

	err = f.service.DeleteBook(context.Background(), f.author, bookID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	err = f.service.DeleteBook(context.Background(), auth.AuthContext{}, bookID)
	assert.ErrorIs(t, err, models.ErrUnauthenticated)
}

func TestListBooks(t *testing.T) {
	f := newFixture(t, nil)
	f.createBook(t)
	f.createBook(t)

	views, err := f.service.ListBooks(context.Background())
	require.NoError(t, err)
	assert.Len(t, views, 2)
}

func TestGetInternalStats(t *testing.T) {
	db := &mockstorage.StorageMock{
		OnGetNumberOfBooks: func(ctx context.Context) (int64, error) { return 3, nil },
		OnGetNumberOfUsers: func(ctx context.Context) (int64, error) { return 2, nil },
	}
	service := New(db, memorystore.New(""), &recordingRemover{}, Folders{})

	stats, err := service.GetInternalStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.InternalStatsResponse{Books: 3, Users: 2}, stats)

	failing := &mockstorage.StorageMock{
		OnGetNumberOfBooks: func(ctx context.Context) (int64, error) { return 0, errors.New("db down") },
	}
	_, err = New(failing, memorystore.New(""), &recordingRemover{}, Folders{}).GetInternalStats(context.Background())
	assert.Error(t, err)
}

type countingObserver struct {
	mu        sync.Mutex
	workflows map[string]int
	uploads   int
}

func (o *countingObserver) ObserveWorkflow(operation string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.workflows == nil {
		o.workflows = map[string]int{}
	}
	o.workflows[operation]++
}

func (o *countingObserver) ObserveUpload(string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.uploads++
}

func TestObserver(t *testing.T) {
	f := newFixture(t, nil)
	observer := &countingObserver{}
	f.service = New(f.db, f.store, f.remover, Folders{Cover: "c", File: "f"}, WithObserver(observer))

	bookID := f.createBook(t)
	require.NoError(t, f.service.DeleteBook(context.Background(), f.author, bookID))

	assert.Equal(t, map[string]int{OperationCreate: 1, OperationDelete: 1}, observer.workflows)
	assert.Equal(t, 2, observer.uploads)
}
