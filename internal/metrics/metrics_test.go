package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserve(t *testing.T) {
	m := New()

	m.ObserveWorkflow("create", nil)
	m.ObserveWorkflow("create", errors.New("boom"))
	m.ObserveWorkflow("create", nil)
	m.ObserveUpload("image", errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.workflows.WithLabelValues("create", OutcomeSucceeded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workflows.WithLabelValues("create", OutcomeFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.uploads.WithLabelValues("image", OutcomeFailed)))
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := New()

	router := chi.NewRouter()
	router.Use(m.Middleware)
	router.Get("/books/{bookId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	router.Handle("/metrics", m.Handler())

	server := httptest.NewServer(router)
	defer server.Close()

	resp, err := http.Get(server.URL + "/books/42")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `elib_http_request_duration_seconds_count{method="GET",route="/books/{bookId}",status="404"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
