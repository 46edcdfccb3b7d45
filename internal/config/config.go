// internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is shared by the server, worker and seeder binaries.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`
	DBUser      string `env:"DB_USER"`
	DBPassword  string `env:"DB_PASSWORD"`
	DBHost      string `env:"DB_HOST" envDefault:"localhost"`
	DBPort      string `env:"DB_PORT" envDefault:"5432"`
	DBName      string `env:"DB_NAME"`

	AMQPURL string `env:"AMQP_URL"`

	ResendAPIKey       string  `env:"RESEND_API_KEY"`
	PublicBaseURL      string  `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8080"`
	ProviderRatePerSec float64 `env:"PROVIDER_RATE_PER_SEC" envDefault:"2"`

	Dispatch DispatchConfig

	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"json"`
	OTelEndpoint string `env:"OTEL_ENDPOINT"`
}

// DispatchConfig bounds the work a single tick may do.
type DispatchConfig struct {
	Secret      string        `env:"DISPATCH_SECRET"`
	Schedule    string        `env:"DISPATCH_SCHEDULE"`
	PerRunCap   int           `env:"DISPATCH_PER_RUN_CAP" envDefault:"1000"`
	BatchLimit  int           `env:"DISPATCH_BATCH_LIMIT" envDefault:"50"`
	ClaimLease  time.Duration `env:"DISPATCH_CLAIM_LEASE" envDefault:"5m"`
	TickTimeout time.Duration `env:"DISPATCH_TICK_TIMEOUT" envDefault:"50s"`
}

// Load reads an optional .env file and then parses the environment.
// It reports whether a .env file was found so callers can log it.
func Load() (Config, bool, error) {
	found := godotenv.Load() == nil

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, found, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, found, err
	}
	return cfg, found, nil
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.Dispatch.PerRunCap <= 0 {
		return fmt.Errorf("DISPATCH_PER_RUN_CAP must be positive, got %d", c.Dispatch.PerRunCap)
	}
	if c.Dispatch.BatchLimit <= 0 {
		return fmt.Errorf("DISPATCH_BATCH_LIMIT must be positive, got %d", c.Dispatch.BatchLimit)
	}
	if c.ProviderRatePerSec <= 0 {
		return fmt.Errorf("PROVIDER_RATE_PER_SEC must be positive, got %v", c.ProviderRatePerSec)
	}
	return nil
}

// DSN returns DATABASE_URL, or builds one from the DB_* parts.
func (c Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName,
	)
}
