// Package app builds the service from its configuration, runs the HTTP server
// and shuts everything down in order on SIGINT or SIGTERM.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/patric-chuzhbe/elib/internal/assetremover"
	"github.com/patric-chuzhbe/elib/internal/assetstore"
	"github.com/patric-chuzhbe/elib/internal/assetstore/cloudinary"
	"github.com/patric-chuzhbe/elib/internal/assetstore/memorystore"
	"github.com/patric-chuzhbe/elib/internal/assetstore/miniostore"
	"github.com/patric-chuzhbe/elib/internal/auth"
	"github.com/patric-chuzhbe/elib/internal/config"
	"github.com/patric-chuzhbe/elib/internal/credentials"
	"github.com/patric-chuzhbe/elib/internal/db/jsondb"
	"github.com/patric-chuzhbe/elib/internal/db/memorystorage"
	"github.com/patric-chuzhbe/elib/internal/db/postgresdb"
	"github.com/patric-chuzhbe/elib/internal/ipchecker"
	"github.com/patric-chuzhbe/elib/internal/logger"
	"github.com/patric-chuzhbe/elib/internal/metrics"
	"github.com/patric-chuzhbe/elib/internal/models"
	"github.com/patric-chuzhbe/elib/internal/ratelimit"
	"github.com/patric-chuzhbe/elib/internal/router"
	"github.com/patric-chuzhbe/elib/internal/scratch"
	"github.com/patric-chuzhbe/elib/internal/service"
	"github.com/patric-chuzhbe/elib/internal/user"
)

const shutdownTimeout = 10 * time.Second

type transactioner interface {
	BeginTransaction() (*sql.Tx, error)

	RollbackTransaction(transaction *sql.Tx) error

	CommitTransaction(transaction *sql.Tx) error
}

type userKeeper interface {
	CreateUser(ctx context.Context, usr *user.User, transaction *sql.Tx) (string, error)
	GetUserByID(ctx context.Context, userID string, transaction *sql.Tx) (*user.User, bool, error)
	GetUserByEmail(ctx context.Context, email string, transaction *sql.Tx) (*user.User, bool, error)
	SetRefreshToken(ctx context.Context, userID, refreshToken string, transaction *sql.Tx) error
}

type bookKeeper interface {
	CreateBook(ctx context.Context, book *models.Book, transaction *sql.Tx) (string, error)
	GetBookByID(ctx context.Context, bookID string, transaction *sql.Tx) (*models.Book, bool, error)
	UpdateBook(ctx context.Context, bookID string, patch models.BookPatch, transaction *sql.Tx) error
	DeleteBook(ctx context.Context, bookID string, transaction *sql.Tx) error
	GetBookView(ctx context.Context, bookID string) (*models.BookView, bool, error)
	ListBookViews(ctx context.Context) (models.BookViews, error)
	GetNumberOfBooks(ctx context.Context) (int64, error)
	GetNumberOfUsers(ctx context.Context) (int64, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type storage interface {
	transactioner
	userKeeper
	bookKeeper
	pinger
	Close() error
}

type closableLimiter interface {
	ratelimit.Limiter
	Close() error
}

// App owns the configuration, the storage, the background asset remover and the HTTP handler.
type App struct {
	cfg           *config.Config
	db            storage
	assetsRemover *assetremover.AssetsRemover
	limiter       ratelimit.Limiter
	httpHandler   http.Handler
}

// New initializes a new instance of App by:
// - loading configuration
// - initializing logger
// - selecting and setting up storage and the asset store
// - starting the background asset remover
// - setting up the router and middleware
func New(ctx context.Context) (*App, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, err
	}

	err = logger.Init(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	return build(ctx, cfg)
}

var openStorage = getStorageByType

// build acquires every resource of the App. On failure whatever was already
// acquired is released before returning.
func build(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	app := &App{cfg: cfg}
	defer func() {
		if err != nil {
			if releaseErr := app.release(); releaseErr != nil {
				logger.Log.Warnw("failed to release resources after init error", zap.Error(releaseErr))
			}
		}
	}()

	app.db, err = openStorage(ctx, app.cfg)
	if err != nil {
		return nil, err
	}

	gateway, err := getAssetStore(ctx, app.cfg)
	if err != nil {
		return nil, err
	}
	gateway = assetstore.Timeout(gateway, app.cfg.UploadTimeout)

	uploads, err := scratch.NewDir(app.cfg.UploadDir, app.cfg.MaxFileSize)
	if err != nil {
		return nil, err
	}

	checker, err := ipchecker.New(app.cfg.TrustedSubnet)
	if err != nil {
		return nil, err
	}

	if app.cfg.AuthRateLimit > 0 {
		app.limiter, err = getLimiter(app.cfg)
		if err != nil {
			return nil, err
		}
	}

	app.assetsRemover = assetremover.New(
		gateway,
		app.cfg.ChannelCapacity,
		app.cfg.FlushInterval,
		app.cfg.UploadTimeout,
	)
	app.assetsRemover.Run()
	app.assetsRemover.ListenErrors(func(err error) {
		logger.Log.Warnw("Error passed from the `app.assetsRemover.ListenErrors()`", zap.Error(err))
	})

	theAuth := auth.New(
		[]byte(app.cfg.JWTAccessSecret),
		[]byte(app.cfg.JWTRefreshSecret),
		app.cfg.AccessTokenTTL,
		app.cfg.RefreshTokenTTL,
	)

	appMetrics := metrics.New()

	routerOptions := []router.Option{
		router.WithMetrics(appMetrics),
	}
	if app.limiter != nil {
		routerOptions = append(routerOptions, router.WithAuthRateLimit(ratelimit.Middleware(app.limiter, checker)))
	}
	if app.cfg.TrustProxyHeaders {
		routerOptions = append(routerOptions, router.WithProxyHeaders())
	}
	if app.cfg.FrontendDomain != "" {
		routerOptions = append(routerOptions, router.WithAllowedOrigins(app.cfg.FrontendDomain))
	}

	app.httpHandler = router.New(
		credentials.New(app.db, theAuth, credentials.NewBcryptHasher(app.cfg.BcryptCost)),
		service.New(
			app.db,
			gateway,
			app.assetsRemover,
			service.Folders{
				Cover: app.cfg.CoverFolder,
				File:  app.cfg.FileFolder,
			},
			service.WithObserver(appMetrics),
		),
		theAuth,
		uploads,
		checker,
		app.cfg.MaxRequestBody,
		routerOptions...,
	)

	return app, nil
}

// Run serves HTTP until ctx is cancelled or a shutdown signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Log.Infow("server running", "RunAddr", a.cfg.RunAddr, "asset_store", a.cfg.AssetStore)

	server := &http.Server{
		Addr:              a.cfg.RunAddr,
		Handler:           a.httpHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Log.Infoln("Received shutdown signal. Draining requests and exiting...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
		}
		if err := a.assetsRemover.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("asset remover stop error: %w", err))
		}
		errs = append(errs, a.release())

		return errors.Join(errs...)

	case err := <-serverErrCh:
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return errors.Join(
			fmt.Errorf("server error: %w", err),
			a.assetsRemover.Stop(stopCtx),
			a.release(),
		)
	}
}

// release closes the rate limiter and the storage, whichever are set.
func (a *App) release() error {
	var errs []error
	if closer, ok := a.limiter.(closableLimiter); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("rate limiter close error: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close error: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Close finalizes resources used by App such as logging.
func (a *App) Close() {
	if err := logger.Sync(); err != nil {
		fmt.Println("Logger sync error:", err)
	}
}

func getAvailableStorageType(cfg *config.Config) int {
	if cfg.DatabaseDSN != "" {
		return models.StorageTypePostgresql
	}

	if cfg.DBFileName != "" {
		return models.StorageTypeFile
	}

	return models.StorageTypeMemory
}

func getStorageByType(ctx context.Context, cfg *config.Config) (storage, error) {
	switch getAvailableStorageType(cfg) {
	case models.StorageTypeUnknown:
		return nil, errors.New("unknown storage type")

	case models.StorageTypePostgresql:
		db, err := postgresdb.New(
			ctx,
			cfg.DatabaseDSN,
			cfg.DBConnectionTimeout,
			cfg.MigrationsDir,
		)
		if err != nil {
			return nil, err
		}
		return db, nil

	case models.StorageTypeFile:
		db, err := jsondb.New(cfg.DBFileName)
		if err != nil {
			return nil, err
		}
		return db, nil
	}

	db, err := memorystorage.New()
	if err != nil {
		return nil, err
	}
	return db, nil
}

func getAssetStore(ctx context.Context, cfg *config.Config) (assetstore.Gateway, error) {
	switch cfg.AssetStore {
	case config.AssetStoreCloudinary:
		return cloudinary.New(cloudinary.Config{
			BaseURL:   cfg.CloudinaryBaseURL,
			Cloud:     cfg.CloudinaryCloud,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
		}), nil

	case config.AssetStoreMinio:
		return miniostore.New(ctx, miniostore.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
	}

	logger.Log.Warnln("no remote asset store configured, assets are kept in memory")

	return memorystore.New(""), nil
}

func getLimiter(cfg *config.Config) (ratelimit.Limiter, error) {
	if cfg.RedisAddr != "" {
		limiter, err := ratelimit.NewRedisFixedWindow(cfg.RedisAddr, cfg.RedisPassword, "elib:ratelimit", cfg.AuthRateLimit, cfg.AuthRateWindow)
		if err != nil {
			return nil, err
		}
		return limiter, nil
	}

	limiter, err := ratelimit.NewMemoryFixedWindow(cfg.AuthRateLimit, cfg.AuthRateWindow)
	if err != nil {
		return nil, err
	}
	return limiter, nil
}
