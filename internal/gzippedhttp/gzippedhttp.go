// Package gzippedhttp compresses JSON responses for clients that accept gzip
// and inflates gzip-encoded JSON request bodies.
package gzippedhttp

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"sync"
)

// CompressedReader inflates a gzip-encoded request body.
type CompressedReader struct {
	r  io.ReadCloser
	zr *gzip.Reader
}

func NewCompressedReader(requestBody io.ReadCloser) (*CompressedReader, error) {
	zippedRequestBody, err := gzip.NewReader(requestBody)
	if err != nil {
		return nil, err
	}

	return &CompressedReader{
		r:  requestBody,
		zr: zippedRequestBody,
	}, nil
}

func (c *CompressedReader) Read(p []byte) (n int, err error) {
	return c.zr.Read(p)
}

// Close closes the gzip stream and the underlying body.
func (c *CompressedReader) Close() error {
	zErr := c.zr.Close()
	if err := c.r.Close(); err != nil {
		return err
	}
	return zErr
}

// CompressedHTTPResponseWriter gzips successful responses. Error responses
// are written as is.
type CompressedHTTPResponseWriter struct {
	w           http.ResponseWriter
	zw          *gzip.Writer
	wroteHeader bool
	compress    bool
}

func NewCompressedHTTPResponseWriter(w http.ResponseWriter) *CompressedHTTPResponseWriter {
	return &CompressedHTTPResponseWriter{w: w}
}

// Close flushes the gzip stream, if one was started.
func (c *CompressedHTTPResponseWriter) Close() error {
	if c.zw == nil {
		return nil
	}
	err := c.zw.Close()
	gzipWriterPool.Put(c.zw)
	c.zw = nil

	return err
}

func (c *CompressedHTTPResponseWriter) WriteHeader(statusCode int) {
	if c.wroteHeader {
		return
	}
	c.wroteHeader = true

	c.compress = statusCode < http.StatusMultipleChoices && statusCode != http.StatusNoContent
	if c.compress {
		c.w.Header().Set("Content-Encoding", "gzip")
		c.w.Header().Del("Content-Length")
		c.zw = gzipWriterPool.Get().(*gzip.Writer)
		c.zw.Reset(c.w)
	}
	c.w.WriteHeader(statusCode)
}

func (c *CompressedHTTPResponseWriter) Write(p []byte) (int, error) {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	if !c.compress {
		return c.w.Write(p)
	}
	return c.zw.Write(p)
}

func (c *CompressedHTTPResponseWriter) Header() http.Header {
	return c.w.Header()
}

var gzipWriterPool = sync.Pool{
	New: func() interface{} {
		w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
		return w
	},
}

// GzipResponse compresses the response when the request's Accept-Encoding allows gzip.
func GzipResponse(h http.Handler) http.Handler {
	middleware := func(response http.ResponseWriter, request *http.Request) {
		response.Header().Add("Vary", "Accept-Encoding")

		if !strings.Contains(request.Header.Get("Accept-Encoding"), "gzip") {
			h.ServeHTTP(response, request)
			return
		}

		responseWithCompression := NewCompressedHTTPResponseWriter(response)
		defer responseWithCompression.Close()

		h.ServeHTTP(responseWithCompression, request)
	}

	return http.HandlerFunc(middleware)
}

// UngzipJSONAndTextHTMLRequest replaces a gzip-encoded JSON or HTML request
// body with an inflating reader. A malformed gzip stream is rejected with 400.
func UngzipJSONAndTextHTMLRequest(h http.Handler) http.Handler {
	middleware := func(response http.ResponseWriter, request *http.Request) {
		if !strings.Contains(request.Header.Get("Content-Encoding"), "gzip") || !isJSONOrHTML(request) {
			h.ServeHTTP(response, request)
			return
		}

		requestBodyWithCompression, err := NewCompressedReader(request.Body)
		if err != nil {
			http.Error(response, "malformed gzip body", http.StatusBadRequest)
			return
		}
		request.Body = requestBodyWithCompression
		request.Header.Del("Content-Encoding")
		request.ContentLength = -1
		defer requestBodyWithCompression.Close()

		h.ServeHTTP(response, request)
	}

	return http.HandlerFunc(middleware)
}

func isJSONOrHTML(request *http.Request) bool {
	contentType := request.Header.Get("Content-Type")
	return contentType == "" ||
		strings.HasPrefix(contentType, "application/json") ||
		strings.HasPrefix(contentType, "text/html")
}
