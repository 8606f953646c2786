// Package config builds the process-wide configuration for a QR batch run.
// It is read once at process entry and passed explicitly to every component.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Sternrassler/flowcode-qr-batch/pkg/logging"
	"github.com/Sternrassler/flowcode-qr-batch/pkg/slug"
	"github.com/joho/godotenv"
)

// ErrMissingAPIKey is returned when FLOWCODE_API_KEY is absent.
var ErrMissingAPIKey = errors.New("missing FLOWCODE_API_KEY")

// Environment variable names.
const (
	EnvAPIKey      = "FLOWCODE_API_KEY"
	EnvAPIURL      = "FLOWCODE_API_URL"
	EnvCount       = "QR_COUNT"
	EnvURLPrefix   = "QR_URL_PREFIX"
	EnvURLSuffix   = "QR_URL_SUFFIX"
	EnvOutputDir   = "QR_OUTPUT_DIR"
	EnvLogLevel    = "LOG_LEVEL"
	EnvLogPretty   = "LOG_PRETTY"
	EnvRedisAddr   = "REDIS_ADDR"
	EnvMetricsAddr = "METRICS_ADDR"
)

// Defaults used when the environment leaves a value unset.
const (
	DefaultAPIURL    = "https://api.flowcode.com/v1/codes"
	DefaultCount     = 400
	DefaultURLPrefix = "https://www.motocue.com/scan/"
	DefaultURLSuffix = "/e/cio-2025"
	DefaultOutputDir = "qrcodes"
)

// Config holds everything a run needs.
type Config struct {
	// APIKey is the Flowcode bearer credential (REQUIRED)
	APIKey string

	// APIURL is the code creation endpoint
	APIURL string

	// Count is the number of identifiers generated per run
	Count int

	// URLPrefix and URLSuffix wrap each identifier to form the redirect target
	URLPrefix string
	URLSuffix string

	// OutputDir is the root under which run directories are created
	OutputDir string

	// Logging configures zerolog
	Logging logging.Config

	// RedisAddr enables the outcome ledger when non-empty
	RedisAddr string

	// MetricsAddr enables the Prometheus endpoint when non-empty
	MetricsAddr string
}

// Load reads the given dotenv files (".env" when none are given), then the
// environment, and returns the resulting Config. Values already present in
// the environment win over the files. The returned Config is populated even
// when an error is returned, so callers can still configure logging.
func Load(files ...string) (Config, error) {
	// A missing .env file is not an error.
	_ = godotenv.Load(files...)

	cfg := Config{
		APIKey:      strings.TrimSpace(os.Getenv(EnvAPIKey)),
		APIURL:      getEnv(EnvAPIURL, DefaultAPIURL),
		Count:       DefaultCount,
		URLPrefix:   getEnv(EnvURLPrefix, DefaultURLPrefix),
		URLSuffix:   getEnv(EnvURLSuffix, DefaultURLSuffix),
		OutputDir:   getEnv(EnvOutputDir, DefaultOutputDir),
		RedisAddr:   os.Getenv(EnvRedisAddr),
		MetricsAddr: os.Getenv(EnvMetricsAddr),
		Logging:     logging.DefaultConfig(),
	}

	if raw := os.Getenv(EnvLogLevel); raw != "" {
		cfg.Logging.Level = logging.LogLevel(raw)
	}
	if raw := strings.TrimSpace(os.Getenv(EnvLogPretty)); raw != "" {
		pretty, err := strconv.ParseBool(raw)
		if err != nil {
			return cfg, fmt.Errorf("parse %s: %w", EnvLogPretty, err)
		}
		cfg.Logging.Pretty = pretty
	}

	if raw := os.Getenv(EnvCount); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return cfg, fmt.Errorf("parse %s: %w", EnvCount, err)
		}
		cfg.Count = n
	}

	return cfg, cfg.Validate()
}

// Validate checks the fatal startup conditions.
func (c Config) Validate() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.APIURL == "" {
		return fmt.Errorf("%s must not be empty", EnvAPIURL)
	}
	if c.Count <= 0 {
		return fmt.Errorf("%s must be positive (got %d)", EnvCount, c.Count)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("%s must not be empty", EnvOutputDir)
	}
	return nil
}

// Template returns the redirect URL template of the run.
func (c Config) Template() slug.Template {
	return slug.Template{Prefix: c.URLPrefix, Suffix: c.URLSuffix}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
