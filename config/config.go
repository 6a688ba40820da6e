/*
Package config loads server configuration from the environment.

SOURCES (later wins):
  1. envDefault tags below
  2. .env file in the working directory, if present
  3. Process environment
  4. Command-line flags (applied by cmd/server)

Club settings stored in the database (debt_threshold, membership_cost)
override DebtThreshold and MembershipCost at request time.
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ducc/signup-engine/enrollment"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	DBDriver    string `env:"DB_DRIVER" envDefault:"sqlite"`
	DBPath      string `env:"DB_PATH" envDefault:"signup.db"`
	DatabaseURL string `env:"DATABASE_URL"`

	DebtThreshold  decimal.Decimal `env:"DEBT_THRESHOLD" envDefault:"-20"`
	MembershipCost decimal.Decimal `env:"MEMBERSHIP_COST" envDefault:"50"`

	JWTSecret          string   `env:"JWT_SECRET" envDefault:"change-me"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173,http://localhost:8080"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Load reads an optional .env file, then parses the environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return Parse()
}

// Parse reads the process environment only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q (want sqlite, postgres or memory)", c.DBDriver)
	}
	if c.MembershipCost.IsNegative() {
		return fmt.Errorf("MEMBERSHIP_COST must not be negative, got %s", c.MembershipCost)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("unknown LOG_FORMAT %q (want json or console)", c.LogFormat)
	}
	return nil
}

// Settings returns the club setting defaults.
func (c Config) Settings() enrollment.Settings {
	return enrollment.Settings{
		DebtThreshold:  c.DebtThreshold,
		MembershipCost: c.MembershipCost,
	}
}
