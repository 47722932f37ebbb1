// Package config loads the dashboard data layer's configuration from the
// environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries every tunable of the orchestration layer. Defaults match
// the documented dashboard behavior; override via DASH_* variables.
type Config struct {
	// APIBaseURL is the analytics API endpoint.
	APIBaseURL string `env:"DASH_API_BASE_URL" envDefault:"http://localhost:8080"`
	// SessionDSN points the session store at sqlite (default) or postgres.
	SessionDSN string `env:"DASH_SESSION_DSN" envDefault:"sqlite:file:dashcache-session.sqlite?cache=shared&_pragma=busy_timeout(5000)"`
	// SessionQuotaBytes bounds the persisted snapshot size. 0 = unbounded.
	SessionQuotaBytes int64 `env:"DASH_SESSION_QUOTA_BYTES" envDefault:"5242880"`

	DefaultTTL   time.Duration `env:"DASH_CACHE_TTL" envDefault:"20m"`
	CompositeTTL time.Duration `env:"DASH_COMPOSITE_TTL" envDefault:"5m"`
	GraceWindow  time.Duration `env:"DASH_GRACE_WINDOW" envDefault:"5s"`

	DebounceWindow  time.Duration `env:"DASH_DEBOUNCE" envDefault:"300ms"`
	MinDisplay      time.Duration `env:"DASH_MIN_DISPLAY" envDefault:"0"`
	RequestTimeout  time.Duration `env:"DASH_REQUEST_TIMEOUT" envDefault:"15s"`
	WatchdogTimeout time.Duration `env:"DASH_WATCHDOG_TIMEOUT" envDefault:"30s"`

	MaxRetries int           `env:"DASH_MAX_RETRIES" envDefault:"3"`
	BaseDelay  time.Duration `env:"DASH_RETRY_BASE_DELAY" envDefault:"500ms"`
}

// Load parses configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
