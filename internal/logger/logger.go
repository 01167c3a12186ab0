// Package logger provides structured logging functionality
// using the Uber zap logging library. It supports log levels and an HTTP
// access-log middleware.
package logger

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type responseData struct {
	status int
	size   int
}

type loggingResponseWriter struct {
	http.ResponseWriter
	responseData *responseData
}

// Log is the process-wide SugaredLogger. It starts as a no-op logger
// so packages can log before (or without) Init, e.g. in tests.
var Log = zap.NewNop().Sugar()

// Write records the response size while writing the body.
func (r *loggingResponseWriter) Write(b []byte) (int, error) {
	if r.responseData.status == 0 {
		r.responseData.status = http.StatusOK
	}
	size, err := r.ResponseWriter.Write(b)
	r.responseData.size += size
	return size, err
}

// WriteHeader records the status code while writing it.
func (r *loggingResponseWriter) WriteHeader(statusCode int) {
	r.ResponseWriter.WriteHeader(statusCode)
	r.responseData.status = statusCode
}

// Init builds the global logger for the given level.
// "debug" gets the human friendly development encoder, other levels the JSON one.
func Init(level string) error {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return err
	}

	cfg := zap.NewProductionConfig()
	if lvl.Level() == zap.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = lvl
	zl, err := cfg.Build()
	if err != nil {
		return err
	}
	Log = zl.Sugar()

	return nil
}

// Sync flushes any buffered log entries to the output.
// It should be called when shutting down to ensure all logs are written.
func Sync() error {
	if err := Log.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) && !errors.Is(err, os.ErrClosed) {
		return err
	}

	return nil
}

// WithLoggingHTTPMiddleware logs method, URI, status, duration and size of every request.
func WithLoggingHTTPMiddleware(h http.Handler) http.Handler {
	logFn := func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		responseData := &responseData{
			status: 0,
			size:   0,
		}
		lw := loggingResponseWriter{
			ResponseWriter: w,
			responseData:   responseData,
		}
		h.ServeHTTP(&lw, r)

		Log.Infow(
			"request served",
			"request_id", middleware.GetReqID(r.Context()),
			"uri", r.RequestURI,
			"method", r.Method,
			"status", responseData.status,
			"duration", time.Since(start),
			"size", responseData.size,
		)
	}

	return http.HandlerFunc(logFn)
}
