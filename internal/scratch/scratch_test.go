package scratch

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func multipartHeader(t *testing.T, fileName, contentType string, content []byte) *multipart.FileHeader {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	partHeader := make(map[string][]string)
	partHeader["Content-Disposition"] = []string{`form-data; name="file"; filename="` + fileName + `"`}
	partHeader["Content-Type"] = []string{contentType}
	part, err := writer.CreatePart(partHeader)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	request := httptest.NewRequest(http.MethodPost, "/", body)
	request.Header.Set("Content-Type", writer.FormDataContentType())
	require.NoError(t, request.ParseMultipartForm(1<<20))
	t.Cleanup(func() {
		_ = request.MultipartForm.RemoveAll()
	})

	return request.MultipartForm.File["file"][0]
}

func TestSaveAndRelease(t *testing.T) {
	dir, err := NewDir(filepath.Join(t.TempDir(), "uploads"), 1024)
	require.NoError(t, err)

	content := []byte("%PDF-1.4")
	file, err := dir.Save(multipartHeader(t, "Book.PDF", "application/pdf", content))
	require.NoError(t, err)

	assert.Equal(t, "application/pdf", file.MimeType)
	assert.Equal(t, "Book.PDF", file.OriginalName)
	assert.Equal(t, ".pdf", filepath.Ext(file.Name()))
	assert.Equal(t, dir.Path(), filepath.Dir(file.Path))

	stored, err := os.ReadFile(file.Path)
	require.NoError(t, err)
	assert.Equal(t, content, stored)

	require.NoError(t, file.Release())
	require.NoError(t, file.Release(), "Release runs once")
	_, err = os.Stat(file.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestSaveRejectsLargeFiles(t *testing.T) {
	dir, err := NewDir(t.TempDir(), 4)
	require.NoError(t, err)

	_, err = dir.Save(multipartHeader(t, "cover.png", "image/png", []byte("too large")))
	assert.ErrorIs(t, err, ErrFileTooLarge)

	entries, err := os.ReadDir(dir.Path())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReleaseAll(t *testing.T) {
	tmp := t.TempDir()
	first := filepath.Join(tmp, "a.png")
	require.NoError(t, os.WriteFile(first, []byte("a"), 0o600))

	files := []*File{
		NewFile(first, "image/png", "a.png"),
		nil,
		NewFile(filepath.Join(tmp, "already-gone.pdf"), "application/pdf", "b.pdf"),
	}

	assert.NoError(t, ReleaseAll(files))
	_, err := os.Stat(first)
	assert.True(t, os.IsNotExist(err))
}

func TestSanitizeExt(t *testing.T) {
	assert.Equal(t, ".png", sanitizeExt(".PNG"))
	assert.Equal(t, "", sanitizeExt(".p/g"))
	assert.Equal(t, "", sanitizeExt(".verylongextension"))
	assert.Equal(t, "", sanitizeExt(""))
}
