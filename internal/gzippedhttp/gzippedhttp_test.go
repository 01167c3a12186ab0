package gzippedhttp

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGzipResponse(t *testing.T) {
	handler := GzipResponse(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"title":"Dune"}]`))
	}))

	request := httptest.NewRequest(http.MethodGet, "/books", nil)
	request.Header.Set("Accept-Encoding", "gzip")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "gzip", recorder.Header().Get("Content-Encoding"))

	reader, err := gzip.NewReader(recorder.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"title":"Dune"}]`, string(body))
}

func TestGzipResponseSkipsErrorsAndPlainClients(t *testing.T) {
	handler := GzipResponse(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Book not found"}`))
	}))

	request := httptest.NewRequest(http.MethodGet, "/books/1", nil)
	request.Header.Set("Accept-Encoding", "gzip")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusNotFound, recorder.Code)
	assert.Empty(t, recorder.Header().Get("Content-Encoding"))
	assert.JSONEq(t, `{"message":"Book not found"}`, recorder.Body.String())

	plain := httptest.NewRequest(http.MethodGet, "/books/1", nil)
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, plain)
	assert.Empty(t, recorder.Header().Get("Content-Encoding"))
}

func TestUngzipJSONRequest(t *testing.T) {
	var compressed bytes.Buffer
	writer := gzip.NewWriter(&compressed)
	_, err := writer.Write([]byte(`{"email":"ann@example.com"}`))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	var received string
	handler := UngzipJSONAndTextHTMLRequest(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received = string(body)
	}))

	request := httptest.NewRequest(http.MethodPost, "/api/users/login", &compressed)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Content-Encoding", "gzip")
	handler.ServeHTTP(httptest.NewRecorder(), request)
	assert.Equal(t, `{"email":"ann@example.com"}`, received)

	broken := httptest.NewRequest(http.MethodPost, "/api/users/login", bytes.NewBufferString("not gzip"))
	broken.Header.Set("Content-Type", "application/json")
	broken.Header.Set("Content-Encoding", "gzip")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, broken)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}
