// Package config builds the immutable service configuration from
// defaults, an optional JSON file, environment variables and command-line flags.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	env "github.com/caarlos0/env/v6"
	validator "github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Asset store backends.
const (
	AssetStoreCloudinary = "cloudinary"
	AssetStoreMinio      = "minio"
	AssetStoreMemory     = "memory"
)

// Config holds every setting the service reads at start-up.
// It is built once by New and then only read.
type Config struct {
	RunAddr             string        `env:"SERVER_ADDRESS" json:"server_address" validate:"hostname_port"`
	LogLevel            string        `env:"LOG_LEVEL" json:"log_level" validate:"loglevel"`
	DatabaseDSN         string        `env:"DATABASE_DSN" json:"database_dsn"`
	DBConnectionTimeout time.Duration `env:"DB_CONNECTION_TIMEOUT" json:"-"`
	MigrationsDir       string        `env:"MIGRATIONS_DIR" json:"migrations_dir"`
	DBFileName          string        `env:"FILE_STORAGE_PATH" json:"file_storage_path" validate:"filepath"`

	JWTAccessSecret  string        `env:"JWT_SECRET" json:"jwt_secret" validate:"required,min=16"`
	JWTRefreshSecret string        `env:"JWT_REFRESHTOKEN_SECRET" json:"jwt_refreshtoken_secret" validate:"required,min=16,nefield=JWTAccessSecret"`
	AccessTokenTTL   time.Duration `env:"ACCESS_TOKEN_TTL" json:"-"`
	RefreshTokenTTL  time.Duration `env:"REFRESH_TOKEN_TTL" json:"-"`
	BcryptCost       int           `env:"BCRYPT_COST" json:"bcrypt_cost" validate:"min=4,max=31"`

	AssetStore          string `env:"ASSET_STORE" json:"asset_store" validate:"omitempty,oneof=cloudinary minio memory"`
	CloudinaryCloud     string `env:"CLOUDINARY_CLOUD" json:"cloudinary_cloud" validate:"required_if=AssetStore cloudinary"`
	CloudinaryAPIKey    string `env:"CLOUDINARY_API_KEY" json:"cloudinary_api_key" validate:"required_if=AssetStore cloudinary"`
	CloudinaryAPISecret string `env:"CLOUDINARY_API_SECRET" json:"cloudinary_api_secret" validate:"required_if=AssetStore cloudinary"`
	CloudinaryBaseURL   string `env:"CLOUDINARY_BASE_URL" json:"cloudinary_base_url" validate:"url"`
	MinioEndpoint       string `env:"MINIO_ENDPOINT" json:"minio_endpoint" validate:"required_if=AssetStore minio"`
	MinioAccessKey      string `env:"MINIO_ACCESS_KEY" json:"minio_access_key"`
	MinioSecretKey      string `env:"MINIO_SECRET_KEY" json:"minio_secret_key"`
	MinioBucket         string `env:"MINIO_BUCKET" json:"minio_bucket"`
	MinioUseSSL         bool   `env:"MINIO_USE_SSL" json:"minio_use_ssl"`

	CoverFolder    string        `env:"COVER_FOLDER" json:"cover_folder"`
	FileFolder     string        `env:"FILE_FOLDER" json:"file_folder"`
	UploadDir      string        `env:"UPLOAD_DIR" json:"upload_dir" validate:"filepath"`
	MaxFileSize    int64         `env:"MAX_FILE_SIZE" json:"max_file_size" validate:"gt=0"`
	MaxRequestBody int64         `env:"MAX_REQUEST_BODY" json:"max_request_body" validate:"gtefield=MaxFileSize"`
	UploadTimeout  time.Duration `env:"UPLOAD_TIMEOUT" json:"-"`

	FrontendDomain    string `env:"FRONTEND_DOMAIN" json:"frontend_domain" validate:"omitempty,url"`
	TrustedSubnet     string `env:"TRUSTED_SUBNET" json:"trusted_subnet" validate:"omitempty,cidr"`
	TrustProxyHeaders bool   `env:"TRUST_PROXY_HEADERS" json:"trust_proxy_headers"`

	RedisAddr       string        `env:"REDIS_ADDR" json:"redis_addr" validate:"omitempty,hostname_port"`
	RedisPassword   string        `env:"REDIS_PASSWORD" json:"redis_password"`
	AuthRateLimit   int           `env:"AUTH_RATE_LIMIT" json:"auth_rate_limit" validate:"min=0"`
	AuthRateWindow  time.Duration `env:"AUTH_RATE_WINDOW" json:"-"`
	ChannelCapacity int           `env:"REMOVER_CHANNEL_CAPACITY" json:"remover_channel_capacity" validate:"gt=0"`
	FlushInterval   time.Duration `env:"REMOVER_FLUSH_INTERVAL" json:"-"`

	ConfigFile string `env:"CONFIG" json:"-"`
}

var defaultConfig = Config{
	RunAddr:             ":8080",
	LogLevel:            "info",
	DBConnectionTimeout: 10 * time.Second,
	MigrationsDir:       "cmd/elib/migrations",
	JWTAccessSecret:     "dev-access-secret-change-me",
	JWTRefreshSecret:    "dev-refresh-secret-change-me",
	AccessTokenTTL:      15 * time.Minute,
	RefreshTokenTTL:     7 * 24 * time.Hour,
	BcryptCost:          10,
	CloudinaryBaseURL:   "https://api.cloudinary.com",
	MinioBucket:         "elib",
	CoverFolder:         "book-covers",
	FileFolder:          "book-pdfs",
	MaxFileSize:         10 << 20,
	MaxRequestBody:      64 << 20,
	UploadTimeout:       60 * time.Second,
	AuthRateLimit:       20,
	AuthRateWindow:      time.Minute,
	ChannelCapacity:     1024,
	FlushInterval:       5 * time.Second,
}

type initOptions struct {
	disableFlagsParsing bool
	args                []string
}

// InitOption tunes how New reads its sources.
type InitOption func(*initOptions)

// WithDisableFlagsParsing skips command-line flags, which tests need.
func WithDisableFlagsParsing(disableFlagsParsing bool) InitOption {
	return func(options *initOptions) {
		options.disableFlagsParsing = disableFlagsParsing
	}
}

// WithArgs parses the given arguments instead of os.Args[1:].
func WithArgs(args []string) InitOption {
	return func(options *initOptions) {
		options.args = args
	}
}

// New reads the configuration. Priority: flags > environment > JSON file > defaults.
// Every source is applied on top of the defaults, so an explicitly set zero
// value (AUTH_RATE_LIMIT=0 disables the limiter) is kept. A zero that fails
// validation, such as BCRYPT_COST=0, is an error rather than a silent default.
func New(optionsProto ...InitOption) (*Config, error) {
	options := &initOptions{
		disableFlagsParsing: false,
		args:                os.Args[1:],
	}
	for _, protoOption := range optionsProto {
		protoOption(options)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("in internal/config/config.go/New(): error while `godotenv.Load()` calling: %w", err)
	}

	defaults := defaultConfig
	values := &defaults

	configFile := os.Getenv("CONFIG")
	if !options.disableFlagsParsing {
		configFile = lookupConfigFlag(options.args, configFile)
	}
	if configFile != "" {
		if err := values.loadJSON(configFile); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(values); err != nil {
		return nil, fmt.Errorf("in internal/config/config.go/New(): error while `env.Parse()` calling: %w", err)
	}

	if !options.disableFlagsParsing {
		if err := values.parseFlags(options.args); err != nil {
			return nil, err
		}
	}

	values.resolveAssetStore()

	if err := validate(values); err != nil {
		return nil, err
	}

	return values, nil
}

func (c *Config) loadJSON(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("in internal/config/config.go/loadJSON(): error while `os.ReadFile()` calling: %w", err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("in internal/config/config.go/loadJSON(): error while `json.Unmarshal()` calling: %w", err)
	}
	c.ConfigFile = path

	return nil
}

func (c *Config) parseFlags(args []string) error {
	flags := flag.NewFlagSet("elib", flag.ContinueOnError)
	flags.StringVar(&c.ConfigFile, "c", c.ConfigFile, "path to a JSON configuration file")
	flags.StringVar(&c.RunAddr, "a", c.RunAddr, "address and port to run server")
	flags.StringVar(&c.LogLevel, "l", c.LogLevel, "logger level")
	flags.StringVar(&c.DatabaseDSN, "d", c.DatabaseDSN, "a string with the database connection details")
	flags.StringVar(&c.DBFileName, "f", c.DBFileName, "JSON file name with database")
	flags.StringVar(&c.UploadDir, "u", c.UploadDir, "scratch directory for uploaded files")
	flags.StringVar(&c.AssetStore, "s", c.AssetStore, "asset store backend: cloudinary, minio or memory")
	flags.StringVar(&c.TrustedSubnet, "t", c.TrustedSubnet, "trusted subnet in CIDR notation")
	flags.BoolVar(&c.TrustProxyHeaders, "trust-proxy", c.TrustProxyHeaders, "take the client address from proxy headers")

	return flags.Parse(args)
}

func lookupConfigFlag(args []string, fallback string) string {
	for i, arg := range args {
		switch {
		case (arg == "-c" || arg == "--c") && i+1 < len(args):
			return args[i+1]
		case len(arg) > 3 && arg[:3] == "-c=":
			return arg[3:]
		}
	}

	return fallback
}

func (c *Config) resolveAssetStore() {
	if c.AssetStore != "" {
		return
	}
	switch {
	case c.CloudinaryCloud != "":
		c.AssetStore = AssetStoreCloudinary
	case c.MinioEndpoint != "":
		c.AssetStore = AssetStoreMinio
	default:
		c.AssetStore = AssetStoreMemory
	}
}

func validateFilePath(fieldLevel validator.FieldLevel) bool {
	path := fieldLevel.Field().String()
	if path == "" {
		return true
	}
	_, err := os.Stat(path)

	return err == nil || os.IsNotExist(err)
}

func validateLogLevel(fieldLevel validator.FieldLevel) bool {
	value := fieldLevel.Field().String()

	allowedLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}

	return allowedLogLevels[value]
}

func validate(values *Config) error {
	validate := validator.New()

	err := validate.RegisterValidation("loglevel", validateLogLevel)
	if err != nil {
		return err
	}

	err = validate.RegisterValidation("filepath", validateFilePath)
	if err != nil {
		return err
	}

	return validate.Struct(values)
}
