// Package scratch manages the local temporary files written for an upload
// request before they are pushed to the remote asset store.
package scratch

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrFileTooLarge is returned by Save when an uploaded part exceeds the limit.
var ErrFileTooLarge = errors.New("file is too large")

// File is one upload artifact on local disk. Release removes it exactly once.
type File struct {
	Path         string
	MimeType     string
	OriginalName string

	once       sync.Once
	releaseErr error
}

// NewFile wraps an already written local file.
func NewFile(path, mimeType, originalName string) *File {
	return &File{
		Path:         path,
		MimeType:     mimeType,
		OriginalName: originalName,
	}
}

// Name is the scratch file name, used as the desired remote name.
func (f *File) Name() string {
	return filepath.Base(f.Path)
}

// Release deletes the file from scratch storage. Later calls return the result of the first one.
func (f *File) Release() error {
	f.once.Do(func() {
		err := os.Remove(f.Path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			f.releaseErr = err
		}
	})

	return f.releaseErr
}

// ReleaseAll releases every file and returns the failures joined.
func ReleaseAll(files []*File) error {
	var errs []error
	for _, file := range files {
		if file == nil {
			continue
		}
		if err := file.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", file.Path, err))
		}
	}

	return errors.Join(errs...)
}

// Dir is the scratch directory uploads are written to.
type Dir struct {
	path        string
	maxFileSize int64
}

// NewDir makes sure the directory exists.
func NewDir(path string, maxFileSize int64) (*Dir, error) {
	if path == "" {
		path = filepath.Join(os.TempDir(), "elib-uploads")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("in internal/scratch/scratch.go/NewDir(): error while `os.MkdirAll()` calling: %w", err)
	}

	return &Dir{path: path, maxFileSize: maxFileSize}, nil
}

// Path returns the directory location.
func (d *Dir) Path() string {
	return d.path
}

// Save copies a multipart part into a uniquely named scratch file.
// A part larger than the configured limit is rejected and nothing is left on disk.
func (d *Dir) Save(header *multipart.FileHeader) (*File, error) {
	if d.maxFileSize > 0 && header.Size > d.maxFileSize {
		return nil, ErrFileTooLarge
	}

	src, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	name := uuid.NewString() + sanitizeExt(filepath.Ext(header.Filename))
	file := NewFile(
		filepath.Join(d.path, name),
		header.Header.Get("Content-Type"),
		header.Filename,
	)

	dst, err := os.OpenFile(file.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	var reader io.Reader = src
	if d.maxFileSize > 0 {
		reader = io.LimitReader(src, d.maxFileSize+1)
	}
	written, copyErr := io.Copy(dst, reader)
	closeErr := dst.Close()

	switch {
	case copyErr != nil:
		_ = file.Release()
		return nil, copyErr
	case closeErr != nil:
		_ = file.Release()
		return nil, closeErr
	case d.maxFileSize > 0 && written > d.maxFileSize:
		_ = file.Release()
		return nil, ErrFileTooLarge
	}

	return file, nil
}

func sanitizeExt(ext string) string {
	ext = strings.ToLower(ext)
	for _, r := range ext[min(1, len(ext)):] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	if len(ext) > 10 {
		return ""
	}

	return ext
}
