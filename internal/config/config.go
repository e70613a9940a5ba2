// Package config loads process configuration from the environment, after
// merging any .env files found on disk.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/signalsfoundry/aqmap/internal/observability"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// DefaultDataServerURL is the production marker data server.
const DefaultDataServerURL = "https://fumeaqi.jacob2.dev"

// Config is the full process configuration.
type Config struct {
	ListenAddress  string
	MetricsAddress string
	LogLevel       string
	LogFormat      string

	// MaxAnnotations is the display cap.
	MaxAnnotations int
	// MaxFanOut caps the index fan-out; zero uses the entity count.
	MaxFanOut int
	Workers   int
	DropStale bool

	DataServerURL string
	FetchTimeout  time.Duration
	RefreshEvery  time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	PostgresDSN   string
	FavoritesPath string
	GeoIPPath     string
	StreamURL     string

	Tracing observability.TracingConfig
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		ListenAddress:  ":50051",
		MetricsAddress: ":9090",
		LogLevel:       "info",
		LogFormat:      "text",
		MaxAnnotations: 100,
		Workers:        4,
		DataServerURL:  DefaultDataServerURL,
		FetchTimeout:   10 * time.Second,
		RefreshEvery:   5 * time.Minute,
		CacheTTL:       2 * time.Minute,
	}
}

// Load merges the given .env files (default ".env") into the environment,
// without overriding variables already set, then reads the configuration.
// Missing files are ignored.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv()
}

// FromEnv reads the configuration from AQMAP_* variables plus LOG_LEVEL and
// LOG_FORMAT.
func FromEnv() (Config, error) {
	cfg := Default()
	r := envReader{}

	cfg.ListenAddress = r.str("AQMAP_GRPC_ADDR", cfg.ListenAddress)
	cfg.MetricsAddress = r.str("AQMAP_METRICS_ADDR", cfg.MetricsAddress)
	cfg.LogLevel = r.str("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = r.str("LOG_FORMAT", cfg.LogFormat)

	cfg.MaxAnnotations = r.integer("AQMAP_MAX_ANNOTATIONS", cfg.MaxAnnotations)
	cfg.MaxFanOut = r.integer("AQMAP_MAX_FANOUT", cfg.MaxFanOut)
	cfg.Workers = r.integer("AQMAP_WORKERS", cfg.Workers)
	cfg.DropStale = r.boolean("AQMAP_DROP_STALE", cfg.DropStale)

	cfg.DataServerURL = r.str("AQMAP_DATA_SERVER_URL", cfg.DataServerURL)
	cfg.FetchTimeout = r.duration("AQMAP_FETCH_TIMEOUT", cfg.FetchTimeout)
	cfg.RefreshEvery = r.duration("AQMAP_REFRESH_EVERY", cfg.RefreshEvery)

	cfg.RedisAddr = r.str("AQMAP_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = r.str("AQMAP_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = r.integer("AQMAP_REDIS_DB", cfg.RedisDB)
	cfg.CacheTTL = r.duration("AQMAP_CACHE_TTL", cfg.CacheTTL)

	cfg.PostgresDSN = r.str("AQMAP_POSTGRES_DSN", cfg.PostgresDSN)
	cfg.FavoritesPath = r.str("AQMAP_FAVORITES_PATH", cfg.FavoritesPath)
	cfg.GeoIPPath = r.str("AQMAP_GEOIP_PATH", cfg.GeoIPPath)
	cfg.StreamURL = r.str("AQMAP_STREAM_URL", cfg.StreamURL)

	cfg.Tracing = observability.TracingConfigFromEnv()

	if err := errors.Join(r.errs...); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	var errs []error
	if c.MaxAnnotations < 0 {
		errs = append(errs, fmt.Errorf("max annotations must be >= 0, got %d", c.MaxAnnotations))
	}
	if c.MaxFanOut < 0 {
		errs = append(errs, fmt.Errorf("max fan-out must be >= 0, got %d", c.MaxFanOut))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be > 0, got %d", c.Workers))
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("fetch timeout must be > 0, got %s", c.FetchTimeout))
	}
	if c.DataServerURL != "" && !strings.HasPrefix(c.DataServerURL, "http://") && !strings.HasPrefix(c.DataServerURL, "https://") {
		errs = append(errs, fmt.Errorf("data server url must be http(s), got %q", c.DataServerURL))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

type envReader struct {
	errs []error
}

func (r *envReader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func (r *envReader) integer(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (r *envReader) boolean(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (r *envReader) duration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}
