// Package router wires the HTTP surface: chi routes, middleware, request
// decoding and the mapping of service errors to status codes.
package router

import (
	"context"
	"mime/multipart"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/patric-chuzhbe/elib/internal/auth"
	"github.com/patric-chuzhbe/elib/internal/authenticator"
	"github.com/patric-chuzhbe/elib/internal/gzippedhttp"
	"github.com/patric-chuzhbe/elib/internal/logger"
	"github.com/patric-chuzhbe/elib/internal/models"
	"github.com/patric-chuzhbe/elib/internal/scratch"
	"github.com/patric-chuzhbe/elib/internal/service"
	"github.com/patric-chuzhbe/elib/internal/user"
)

const (
	coverImageField = "coverImage"
	bookFileField   = "file"

	maxCoverImages = 1
	maxBookFiles   = 30_000_000

	// parts above this size are spooled to disk by mime/multipart
	multipartMemory = 1 << 20
)

type credentialsService interface {
	Register(ctx context.Context, name, email, password string) (*user.User, error)
	Authenticate(ctx context.Context, email, password string) (*user.User, error)
	IssueTokenPair(ctx context.Context, usr *user.User) (models.TokenPair, error)
	RotateAccessToken(ctx context.Context, refreshToken string) (string, error)
}

type bookService interface {
	CreateBook(ctx context.Context, identity auth.AuthContext, in service.CreateBookInput) (string, error)
	UpdateBook(ctx context.Context, identity auth.AuthContext, in service.UpdateBookInput) (*models.BookView, error)
	DeleteBook(ctx context.Context, identity auth.AuthContext, bookID string) error
	ListBooks(ctx context.Context) (models.BookViews, error)
	GetBook(ctx context.Context, bookID string) (*models.BookView, error)
	Ping(ctx context.Context) error
	GetInternalStats(ctx context.Context) (models.InternalStatsResponse, error)
}

type scratchDir interface {
	Save(header *multipart.FileHeader) (*scratch.File, error)
}

type ipChecker interface {
	GetClientIP(request *http.Request) (net.IP, error)
	Check(clientIP net.IP) bool
	IsTrustedSubnetEmpty() bool
}

type metricsCollector interface {
	Middleware(next http.Handler) http.Handler
	Handler() http.Handler
}

// Router holds the handler dependencies.
type Router struct {
	credentials    credentialsService
	books          bookService
	auth           authenticator.Authenticator
	scratch        scratchDir
	ipChecker      ipChecker
	maxRequestBody int64

	authLimiter       func(http.Handler) http.Handler
	metrics           metricsCollector
	allowedOrigins    []string
	trustProxyHeaders bool
}

// Option customises the router.
type Option func(*Router)

// WithAuthRateLimit guards register, login and refresh-token with limiter.
func WithAuthRateLimit(limiter func(http.Handler) http.Handler) Option {
	return func(r *Router) {
		r.authLimiter = limiter
	}
}

// WithMetrics records request metrics and serves them on /metrics.
func WithMetrics(m metricsCollector) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithAllowedOrigins enables CORS for the given origins.
func WithAllowedOrigins(origins ...string) Option {
	return func(r *Router) {
		r.allowedOrigins = append(r.allowedOrigins, origins...)
	}
}

// WithProxyHeaders takes the client address from True-Client-IP, X-Real-IP
// or X-Forwarded-For. Only for deployments behind a reverse proxy that sets
// these headers itself.
func WithProxyHeaders() Option {
	return func(r *Router) {
		r.trustProxyHeaders = true
	}
}

func New(
	credentials credentialsService,
	books bookService,
	theAuth authenticator.Authenticator,
	uploads scratchDir,
	checker ipChecker,
	maxRequestBody int64,
	opts ...Option,
) *chi.Mux {
	myRouter := &Router{
		credentials:    credentials,
		books:          books,
		auth:           theAuth,
		scratch:        uploads,
		ipChecker:      checker,
		maxRequestBody: maxRequestBody,
	}
	for _, opt := range opts {
		opt(myRouter)
	}

	return myRouter.routes()
}

func (router *Router) routes() *chi.Mux {
	mux := chi.NewRouter()
	if router.trustProxyHeaders {
		mux.Use(middleware.RealIP)
	}
	mux.Use(
		middleware.RequestID,
		logger.WithLoggingHTTPMiddleware,
		middleware.Recoverer,
	)
	if router.metrics != nil {
		mux.Use(router.metrics.Middleware)
	}
	mux.Use(CORS(router.allowedOrigins))

	mux.Get(`/ping`, router.GetPing)
	if router.metrics != nil {
		mux.Method(http.MethodGet, `/metrics`, router.metrics.Handler())
	}
	mux.Get(`/api/internal/stats`, router.GetApiinternalstats)

	mux.Route(`/api/users`, func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if router.authLimiter != nil {
				r.Use(router.authLimiter)
			}
			r.Use(gzippedhttp.UngzipJSONAndTextHTMLRequest)
			r.Post(`/register`, router.PostApiusersregister)
			r.Post(`/login`, router.PostApiuserslogin)
			r.Post(`/refresh-token`, router.PostApiusersrefreshtoken)
		})

		r.Route(`/books`, func(r chi.Router) {
			r.With(gzippedhttp.GzipResponse).Get(`/`, router.GetApiusersbooks)
			r.With(gzippedhttp.GzipResponse).Get(`/{bookId}`, router.GetApiusersbook)
			r.Post(`/`, router.withIdentity(router.PostApiusersbooks))
			r.Patch(`/{bookId}`, router.withIdentity(router.PatchApiusersbook))
			r.Delete(`/{bookId}`, router.withIdentity(router.DeleteApiusersbook))
		})
	})

	return mux
}

type identityHandlerFunc func(response http.ResponseWriter, request *http.Request, identity auth.AuthContext)

// withIdentity resolves the caller before h runs and passes the identity to it.
func (router *Router) withIdentity(h identityHandlerFunc) http.HandlerFunc {
	return func(response http.ResponseWriter, request *http.Request) {
		identity, err := router.auth.ResolveIdentity(request.Header.Get("Authorization"))
		if err != nil {
			router.respondError(response, request, err)
			return
		}

		h(response, request, identity)
	}
}

// GetPing reports whether the storage is reachable.
func (router *Router) GetPing(response http.ResponseWriter, request *http.Request) {
	if err := router.books.Ping(request.Context()); err != nil {
		logger.Log.Errorw("storage ping failed", "error", err)
		response.WriteHeader(http.StatusInternalServerError)
		return
	}

	response.WriteHeader(http.StatusOK)
}

// GetApiinternalstats returns the number of books and users to trusted clients only.
func (router *Router) GetApiinternalstats(response http.ResponseWriter, request *http.Request) {
	if router.ipChecker == nil || router.ipChecker.IsTrustedSubnetEmpty() {
		router.respondMessage(response, http.StatusForbidden, "Forbidden")
		return
	}

	clientIP, err := router.ipChecker.GetClientIP(request)
	if err != nil || !router.ipChecker.Check(clientIP) {
		router.respondMessage(response, http.StatusForbidden, "Forbidden")
		return
	}

	stats, err := router.books.GetInternalStats(request.Context())
	if err != nil {
		router.respondError(response, request, err)
		return
	}

	router.respondJSON(response, http.StatusOK, stats)
}
