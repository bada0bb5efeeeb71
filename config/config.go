// Package config loads and validates the gateway's process-wide configuration
// from the environment.
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the fixed set of typed options the gateway reads once at startup
// and never mutates for the life of the process.
type Config struct {
	// AdminAPIKey is the credential admin endpoints require via X-API-Key.
	// Must be at least minAdminKeyLength characters; enforced in Validate.
	AdminAPIKey string `env:"ADMIN_API_KEY"`
	// Host and Port form the bind address for the HTTP listener.
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"8000"`
	// DatabaseURL is the registry's persistence location. A bare path (or the
	// default) opens a local SQLite file; ":memory:" opens an in-process
	// database useful for tests.
	DatabaseURL string `env:"DATABASE_URL" envDefault:"gateway.db"`
	// HealthCheckInterval is the spacing between Health Monitor cycles.
	// Floored to minHealthInterval.
	HealthCheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL_SECONDS" envDefault:"60s"`
	// HealthCheckTimeout bounds a single probe.
	HealthCheckTimeout time.Duration `env:"HEALTH_CHECK_TIMEOUT_SECONDS" envDefault:"10s"`
	// MaxConsecutiveFailures is the auto-deregistration threshold shared by
	// the Health Monitor and the Request Handler's demotion path.
	MaxConsecutiveFailures int `env:"MAX_CONSECUTIVE_FAILURES" envDefault:"3"`
	// AutoDeregisterAfterFailures enables soft-deletion once the threshold
	// above is reached. Disabling it leaves flapping servers Unhealthy
	// forever instead of removing them.
	AutoDeregisterAfterFailures bool `env:"AUTO_DEREGISTER_AFTER_FAILURES" envDefault:"true"`
	// RequestTimeout bounds a buffered forward to a backend.
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT_SECONDS" envDefault:"300s"`
	// StreamIdleTimeout bounds the gap between two chunks of a streaming
	// forward; it is not a total deadline.
	StreamIdleTimeout time.Duration `env:"STREAM_IDLE_TIMEOUT_SECONDS" envDefault:"60s"`
	// MaxRetryAttempts is the number of additional attempts after the first,
	// i.e. a request makes at most 1+MaxRetryAttempts upstream attempts.
	MaxRetryAttempts int `env:"MAX_RETRY_ATTEMPTS" envDefault:"2"`
	// MaxRequestBodySize is the 413 threshold applied to incoming request bodies.
	MaxRequestBodySize int64 `env:"MAX_REQUEST_BODY_SIZE" envDefault:"1048576"`
	// ShutdownTimeout bounds the graceful-shutdown grace window for in-flight
	// handlers.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"10s"`
	// ServiceVersion is reported on GET /health.
	ServiceVersion string `env:"SERVICE_VERSION" envDefault:"dev"`
}

const (
	minAdminKeyLength  = 16
	minHealthInterval  = 10 * time.Second
	minProbeTimeout    = 1 * time.Second
	minShutdownTimeout = 1 * time.Second
)

// Load parses configuration from the environment and validates it.
// A misconfigured process must never start, per the gateway's startup
// contract — callers should treat a non-nil error as fatal.
func Load() (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			// The *_SECONDS options take a plain number of seconds ("60");
			// a Go duration string ("60s") is accepted as well.
			reflect.TypeOf(time.Duration(0)): func(v string) (interface{}, error) {
				if n, err := strconv.Atoi(v); err == nil {
					return time.Duration(n) * time.Second, nil
				}
				return time.ParseDuration(v)
			},
		},
	})
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the invariants the rest of the gateway assumes hold for
// the lifetime of the process.
func (c *Config) Validate() error {
	if len(c.AdminAPIKey) < minAdminKeyLength {
		return fmt.Errorf("config: ADMIN_API_KEY must be at least %d characters", minAdminKeyLength)
	}
	if c.HealthCheckInterval < minHealthInterval {
		c.HealthCheckInterval = minHealthInterval
	}
	if c.HealthCheckTimeout < minProbeTimeout {
		c.HealthCheckTimeout = minProbeTimeout
	}
	if c.ShutdownTimeout < minShutdownTimeout {
		c.ShutdownTimeout = minShutdownTimeout
	}
	if c.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("config: MAX_CONSECUTIVE_FAILURES must be >= 1")
	}
	if c.MaxRetryAttempts < 0 {
		return fmt.Errorf("config: MAX_RETRY_ATTEMPTS must be >= 0")
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("config: MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: PORT out of range")
	}
	return nil
}

// Addr returns the HTTP listener's bind address in "host:port" form.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
