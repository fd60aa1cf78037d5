// Package config loads server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
)

// Backends a session can talk to.
const (
	BackendMinio = "minio"
	BackendAPI   = "api"
)

// Config holds every runtime setting. Command-line flags may override the
// values Load reads from the environment.
type Config struct {
	Listen  string
	Backend string

	// MinIO backend
	MinioEndpoint string
	Bucket        string

	// REST file API backend
	APIURL      string
	HTTPRetries int
	HTTPTimeout time.Duration

	SortLocale string
	SessionKey string
	SpoolDir   string
	ViewsDir   string

	LogLevel  string
	LogFormat string
}

// Load reads the environment, falling back to development defaults.
func Load() *Config {
	return &Config{
		Listen:        getenv("IRON_LISTEN", ":8080"),
		Backend:       strings.ToLower(getenv("IRON_BACKEND", BackendMinio)),
		MinioEndpoint: getenv("MINIO_ENDPOINT", "play.min.io:9000"),
		Bucket:        os.Getenv("MINIO_BUCKET"),
		APIURL:        getenv("IRON_API_URL", "http://localhost:8000"),
		HTTPRetries:   getenvInt("IRON_HTTP_RETRIES", 3),
		HTTPTimeout:   getenvDuration("IRON_HTTP_TIMEOUT", 30*time.Second),
		SortLocale:    getenv("IRON_SORT_LOCALE", "en"),
		SessionKey:    os.Getenv("IRON_SESSION_KEY"),
		SpoolDir:      getenv("IRON_SPOOL_DIR", os.TempDir()),
		ViewsDir:      getenv("IRON_VIEWS_DIR", "views"),
		LogLevel:      getenv("IRON_LOG_LEVEL", "info"),
		LogFormat:     getenv("IRON_LOG_FORMAT", "console"),
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMinio:
		if c.MinioEndpoint == "" {
			return errors.New("MINIO_ENDPOINT is required for the minio backend")
		}
		if c.Bucket == "" {
			return errors.New("MINIO_BUCKET is required for the minio backend")
		}
	case BackendAPI:
		u, err := url.Parse(c.APIURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid IRON_API_URL %q", c.APIURL)
		}
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendMinio, BackendAPI)
	}

	if _, err := language.Parse(c.SortLocale); err != nil {
		return fmt.Errorf("invalid IRON_SORT_LOCALE %q: %w", c.SortLocale, err)
	}
	if c.SessionKey != "" && len(c.SessionKey) != 32 {
		return errors.New("IRON_SESSION_KEY must be exactly 32 bytes")
	}
	if c.HTTPRetries < 0 {
		return errors.New("IRON_HTTP_RETRIES must not be negative")
	}
	if c.HTTPTimeout <= 0 {
		return errors.New("IRON_HTTP_TIMEOUT must be positive")
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// Locale returns the collation locale. Call Validate first; an unparsable
// value falls back to English.
func (c *Config) Locale() language.Tag {
	tag, err := language.Parse(c.SortLocale)
	if err != nil {
		return language.English
	}
	return tag
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
