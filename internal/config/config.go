// Package config loads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	SourcePostgres = "postgres"
	SourceSQLite   = "sqlite"
	SourceFixture  = "yaml"
)

type Config struct {
	HTTPAddr string
	GRPCAddr string

	Source      string
	PGDSN       string
	SQLitePath  string
	FixturePath string

	// RefreshInterval re-runs the bulk load periodically; 0 disables it.
	RefreshInterval time.Duration
	LoadTimeout     time.Duration

	RateBurst  int
	RatePerSec int
}

// Load reads configuration from the environment. An explicit env file must
// exist; otherwise a .env in the working directory is used if present.
func Load(envPath ...string) (*Config, error) {
	if len(envPath) > 0 && envPath[0] != "" {
		if err := godotenv.Load(envPath[0]); err != nil {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	refresh, err := parseDurationEnv("SHOPLEDGER_REFRESH_INTERVAL", 0)
	if err != nil {
		return nil, err
	}
	loadTimeout, err := parseDurationEnv("SHOPLEDGER_LOAD_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	burst, err := parseIntEnv("SHOPLEDGER_RATE_BURST", 100)
	if err != nil {
		return nil, err
	}
	perSec, err := parseIntEnv("SHOPLEDGER_RATE_PER_SEC", 50)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:        getEnvOrDefault("SHOPLEDGER_HTTP_ADDR", ":8080"),
		GRPCAddr:        os.Getenv("SHOPLEDGER_GRPC_ADDR"),
		Source:          strings.ToLower(getEnvOrDefault("SHOPLEDGER_SOURCE", SourceFixture)),
		PGDSN:           os.Getenv("SHOPLEDGER_PG_DSN"),
		SQLitePath:      getEnvOrDefault("SHOPLEDGER_SQLITE_PATH", "./data/shop.db"),
		FixturePath:     getEnvOrDefault("SHOPLEDGER_FIXTURE_PATH", "./ledger.yaml"),
		RefreshInterval: refresh,
		LoadTimeout:     loadTimeout,
		RateBurst:       burst,
		RatePerSec:      perSec,
	}
	return cfg, nil
}

// Validate checks that the selected source has what it needs.
func (c *Config) Validate() error {
	var errs []error
	switch c.Source {
	case SourcePostgres:
		if c.PGDSN == "" {
			errs = append(errs, errors.New("SHOPLEDGER_PG_DSN is required for the postgres source"))
		}
	case SourceSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SHOPLEDGER_SQLITE_PATH is required for the sqlite source"))
		}
	case SourceFixture:
		if c.FixturePath == "" {
			errs = append(errs, errors.New("SHOPLEDGER_FIXTURE_PATH is required for the yaml source"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SHOPLEDGER_SOURCE %q", c.Source))
	}
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("SHOPLEDGER_HTTP_ADDR must not be empty"))
	}
	if c.RefreshInterval < 0 {
		errs = append(errs, errors.New("SHOPLEDGER_REFRESH_INTERVAL must not be negative"))
	}
	if c.RateBurst <= 0 || c.RatePerSec <= 0 {
		errs = append(errs, errors.New("rate limit settings must be positive"))
	}
	return errors.Join(errs...)
}

func getEnvOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func parseIntEnv(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
