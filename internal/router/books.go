package router

import (
	"errors"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/patric-chuzhbe/elib/internal/auth"
	"github.com/patric-chuzhbe/elib/internal/logger"
	"github.com/patric-chuzhbe/elib/internal/models"
	"github.com/patric-chuzhbe/elib/internal/scratch"
	"github.com/patric-chuzhbe/elib/internal/service"
)

// uploadForm is a parsed multipart request with its files already in scratch storage.
type uploadForm struct {
	values url.Values
	covers []*scratch.File
	files  []*scratch.File
}

func (form *uploadForm) value(name string) (string, bool) {
	values, ok := form.values[name]
	if !ok || len(values) == 0 {
		return "", false
	}
	return values[0], true
}

func (form *uploadForm) optional(name string) *string {
	value, ok := form.value(name)
	if !ok {
		return nil
	}
	return &value
}

// PostApiusersbooks creates a book from a multipart form with title, genre,
// coverImage and file.
func (router *Router) PostApiusersbooks(response http.ResponseWriter, request *http.Request, identity auth.AuthContext) {
	form, err := router.parseUploadForm(response, request)
	if err != nil {
		router.respondError(response, request, err)
		return
	}

	title, _ := form.value("title")
	genre, _ := form.value("genre")
	bookID, err := router.books.CreateBook(request.Context(), identity, service.CreateBookInput{
		Title:  title,
		Genre:  genre,
		Covers: form.covers,
		Files:  form.files,
	})
	if err != nil {
		router.respondError(response, request, err)
		return
	}

	router.respondJSON(response, http.StatusCreated, models.CreateBookResponse{
		Message: "Book created successfully",
		ID:      bookID,
	})
}

// PatchApiusersbook updates the fields present in the form.
func (router *Router) PatchApiusersbook(response http.ResponseWriter, request *http.Request, identity auth.AuthContext) {
	form, err := router.parseUploadForm(response, request)
	if err != nil {
		router.respondError(response, request, err)
		return
	}

	view, err := router.books.UpdateBook(request.Context(), identity, service.UpdateBookInput{
		BookID: chi.URLParam(request, "bookId"),
		Title:  form.optional("title"),
		Genre:  form.optional("genre"),
		Covers: form.covers,
		Files:  form.files,
	})
	if err != nil {
		router.respondError(response, request, err)
		return
	}

	router.respondJSON(response, http.StatusOK, view)
}

// DeleteApiusersbook deletes a book of the caller.
func (router *Router) DeleteApiusersbook(response http.ResponseWriter, request *http.Request, identity auth.AuthContext) {
	err := router.books.DeleteBook(request.Context(), identity, chi.URLParam(request, "bookId"))
	if err != nil {
		router.respondError(response, request, err)
		return
	}

	response.WriteHeader(http.StatusNoContent)
}

// GetApiusersbooks lists all books.
func (router *Router) GetApiusersbooks(response http.ResponseWriter, request *http.Request) {
	views, err := router.books.ListBooks(request.Context())
	if err != nil {
		router.respondError(response, request, err)
		return
	}

	router.respondJSON(response, http.StatusOK, views)
}

// GetApiusersbook returns one book.
func (router *Router) GetApiusersbook(response http.ResponseWriter, request *http.Request) {
	view, err := router.books.GetBook(request.Context(), chi.URLParam(request, "bookId"))
	if err != nil {
		router.respondError(response, request, err)
		return
	}

	router.respondJSON(response, http.StatusOK, view)
}

// parseUploadForm reads the form and copies every uploaded part into scratch
// storage. On error nothing is left in scratch storage.
func (router *Router) parseUploadForm(response http.ResponseWriter, request *http.Request) (*uploadForm, error) {
	if router.maxRequestBody > 0 {
		request.Body = http.MaxBytesReader(response, request.Body, router.maxRequestBody)
	}

	err := request.ParseMultipartForm(multipartMemory)
	if errors.Is(err, http.ErrNotMultipart) {
		if err := request.ParseForm(); err != nil {
			return nil, formError(err)
		}
		return &uploadForm{values: request.PostForm}, nil
	}
	if err != nil {
		return nil, formError(err)
	}
	defer func() {
		if err := request.MultipartForm.RemoveAll(); err != nil {
			logger.Log.Warnw("multipart temp files cleanup failed", "error", err)
		}
	}()

	covers := request.MultipartForm.File[coverImageField]
	if len(covers) > maxCoverImages {
		return nil, models.NewError(models.ErrValidation, "Only one cover image is allowed")
	}
	files := request.MultipartForm.File[bookFileField]
	if len(files) > maxBookFiles {
		return nil, models.NewError(models.ErrValidation, "Too many files")
	}

	form := &uploadForm{values: url.Values(request.MultipartForm.Value)}
	if form.covers, err = router.saveAll(covers); err != nil {
		return nil, err
	}
	if form.files, err = router.saveAll(files); err != nil {
		_ = scratch.ReleaseAll(form.covers)
		return nil, err
	}

	return form, nil
}

func (router *Router) saveAll(headers []*multipart.FileHeader) ([]*scratch.File, error) {
	saved := make([]*scratch.File, 0, len(headers))
	for _, header := range headers {
		file, err := router.scratch.Save(header)
		if err != nil {
			if releaseErr := scratch.ReleaseAll(saved); releaseErr != nil {
				logger.Log.Warnw("scratch cleanup failed", "error", releaseErr)
			}
			if errors.Is(err, scratch.ErrFileTooLarge) {
				return nil, models.WrapError(models.ErrValidation, "File too large", err)
			}
			return nil, err
		}
		saved = append(saved, file)
	}

	return saved, nil
}

func formError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return models.WrapError(models.ErrValidation, "Request body too large", err)
	}
	return models.WrapError(models.ErrValidation, "Invalid form data", err)
}
